// Package engine keeps one canonical in-memory model per WLED device
// consistent across four independent update sources: user commands, command
// responses, unsolicited device pushes, and liveness polls.
//
// The moving parts, leaf to root:
//
//   - Tracker records user intent: interaction timestamps with a protection
//     window, pending command targets with generations, pending renames.
//   - CapabilityCache holds per-segment feature flags parsed from device
//     metadata, with a safe RGB-only fallback until detection completes.
//   - Coalescer batches high-frequency snapshots into one applied update
//     per device per window, latest value winning.
//   - Reconciler is the pure decision function: apply, suppress, or touch,
//     given the incoming update and the intent state.
//   - Dispatcher drives the optimistic-then-confirm-or-revert lifecycle of
//     outbound commands, classifying failures into the error taxonomy.
//   - Engine wires them together, owns the canonical map and the optimistic
//     overlay, and exposes the read/write surface consumed by the API.
//
// The canonical model, the optimistic overlay, and the pending-command
// state have different lifecycles and are deliberately kept as three
// separate structures.
package engine
