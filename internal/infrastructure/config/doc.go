// Package config loads and validates the Aesdetic Core configuration.
//
// Configuration is layered: hardcoded defaults, then the YAML file, then
// environment variable overrides (AESDETIC_SECTION_KEY). Every empirically
// tuned engine constant — protection windows, brightness jitter threshold,
// coalescing batch window, refresh debounce and fan-out — lives here so that
// field tuning never requires a rebuild.
//
// Duration-valued settings are stored as integers with the unit suffixed to
// the field name (_ms, _s) and exposed to the rest of the codebase through
// time.Duration accessor methods.
package config
