package device

import "time"

// Color is an RGB triple as reported by or sent to a fixture.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Device is the canonical in-memory record for one physical WLED fixture.
//
// It is the single source of truth exposed to consumers. All mutation goes
// through the engine; I/O callbacks never write to a Device directly.
type Device struct {
	// Identity
	ID        string `json:"id"`
	Name      string `json:"name"`
	IPAddress string `json:"ip_address"`

	// Location is client-side metadata only. It is never sent to the device.
	Location string `json:"location,omitempty"`

	// Observable state
	IsOn       bool  `json:"is_on"`
	Brightness int   `json:"brightness"` // 0-255
	Color      Color `json:"color"`

	// Temperature is the normalised correlated colour temperature (0.0-1.0).
	// Zero means CCT is inactive. While active, the CCT pipeline derives the
	// display colour and raw RGB pushes are ignored for this device.
	Temperature float64 `json:"temperature"`

	// Liveness. IsOnline is independent of IsOn: a powered-off fixture that
	// answers the API is online. Once a device is confirmed offline, only an
	// explicit successful contact flips it back.
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns an independent copy of the Device.
// The canonical map hands out clones so callers can never mutate the cache.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	return &cpy
}

// EqualState reports whether two devices agree on every update-relevant
// field: identity, power, brightness, online flag, name, address, colour,
// and temperature. The update coalescer uses this to drop snapshots that
// would not change the canonical model.
func (d *Device) EqualState(other *Device) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.ID == other.ID &&
		d.IsOn == other.IsOn &&
		d.Brightness == other.Brightness &&
		d.IsOnline == other.IsOnline &&
		d.Name == other.Name &&
		d.IPAddress == other.IPAddress &&
		d.Color == other.Color &&
		d.Temperature == other.Temperature
}

// Capabilities describes what one segment of a device can do, parsed from
// the fixture's light-capability metadata.
type Capabilities struct {
	SupportsRGB   bool `json:"supports_rgb"`
	SupportsWhite bool `json:"supports_white"`
	SupportsCCT   bool `json:"supports_cct"`

	// SegmentCount is the number of segments the device reports, >= 1.
	SegmentCount int `json:"segment_count"`
}

// DefaultCapabilities returns the safe fallback used before detection
// completes: RGB-only, single segment.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		SupportsRGB:  true,
		SegmentCount: 1,
	}
}

// CCTColor derives the display RGB for a normalised colour temperature.
// 0.0 is the warmest white the pipeline renders, 1.0 the coolest. The curve
// is a linear blend between fixed warm and cool endpoints, which matches
// what the fixtures themselves render closely enough for UI purposes.
func CCTColor(temperature float64) Color {
	if temperature < 0 {
		temperature = 0
	}
	if temperature > 1 {
		temperature = 1
	}

	warm := Color{R: 255, G: 160, B: 70}
	cool := Color{R: 200, G: 220, B: 255}

	lerp := func(a, b uint8) uint8 {
		return uint8(float64(a) + (float64(b)-float64(a))*temperature)
	}
	return Color{
		R: lerp(warm.R, cool.R),
		G: lerp(warm.G, cool.G),
		B: lerp(warm.B, cool.B),
	}
}

// ClampBrightness bounds a brightness value to the 0-255 wire range.
func ClampBrightness(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
