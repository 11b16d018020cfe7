// Package device defines the canonical device model for Aesdetic Core.
//
// A Device is the single source-of-truth record for one physical WLED
// fixture as exposed to consumers. The reconciliation engine
// (internal/engine) is the only writer; everything else reads clones.
//
// # Key Types
//
//   - Device: the canonical model (identity, power, brightness, colour,
//     temperature, liveness)
//   - Capabilities: per-segment feature flags parsed from device metadata
//   - Repository: persistence abstraction with a SQLite implementation
//
// # Display priority
//
// Temperature and Color are mutually exclusive in display priority: while
// Temperature > 0 the CCT pipeline derives the display colour (CCTColor)
// and raw RGB values reported by the fixture are not authoritative.
package device
