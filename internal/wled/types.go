package wled

// Wire types for the WLED JSON API (https://kno.wled.ge/interfaces/json-api/).
//
// All mutable fields are pointers: a nil field in an outbound State means
// "leave unchanged" on the device, and a nil field in an inbound State means
// "not reported". The engine relies on that distinction to tell a partial
// push from an explicit zero.

// State is the /json/state document, sent and received.
type State struct {
	On         *bool     `json:"on,omitempty"`
	Brightness *int      `json:"bri,omitempty"`
	Transition *int      `json:"transition,omitempty"`
	PresetID   *int      `json:"ps,omitempty"`
	Segments   []Segment `json:"seg,omitempty"`

	// Verbose asks the device to answer a state write with the full
	// resulting state instead of a bare acknowledgment.
	Verbose *bool `json:"v,omitempty"`
}

// Segment is one entry of the state's "seg" array.
type Segment struct {
	ID              *int      `json:"id,omitempty"`
	On              *bool     `json:"on,omitempty"`
	Brightness      *int      `json:"bri,omitempty"`
	Colors          [][]uint8 `json:"col,omitempty"`
	CCT             *int      `json:"cct,omitempty"`
	EffectID        *int      `json:"fx,omitempty"`
	EffectSpeed     *int      `json:"sx,omitempty"`
	EffectIntensity *int      `json:"ix,omitempty"`
	PaletteID       *int      `json:"pal,omitempty"`
}

// PrimaryColor returns the segment's first colour slot as an RGB triple.
// The second return value is false when no RGB channel was reported.
func (s *Segment) PrimaryColor() (r, g, b uint8, ok bool) {
	if len(s.Colors) == 0 || len(s.Colors[0]) < 3 {
		return 0, 0, 0, false
	}
	c := s.Colors[0]
	return c[0], c[1], c[2], true
}

// Info is the /json/info document.
type Info struct {
	Name    string  `json:"name"`
	Version string  `json:"ver"`
	MAC     string  `json:"mac"`
	IP      string  `json:"ip"`
	LEDs    LEDInfo `json:"leds"`
}

// LEDInfo describes the LED configuration of a device.
type LEDInfo struct {
	Count int `json:"count"`

	// SegmentCaps is the per-segment light-capability bitfield ("seglc"):
	// bit 0 RGB, bit 1 white channel, bit 2 CCT.
	SegmentCaps []int `json:"seglc"`
}

// Segment capability bits in LEDInfo.SegmentCaps.
const (
	CapBitRGB   = 1 << 0
	CapBitWhite = 1 << 1
	CapBitCCT   = 1 << 2
)

// Document is the combined {"state":..., "info":...} shape the WebSocket
// interface pushes and /json returns. Either half may be absent.
type Document struct {
	State *State `json:"state,omitempty"`
	Info  *Info  `json:"info,omitempty"`
}

// Preset is one saved preset slot as returned by /presets.json.
type Preset struct {
	Name       string `json:"n,omitempty"`
	QuickLabel string `json:"ql,omitempty"`
	On         *bool  `json:"on,omitempty"`
	Brightness *int   `json:"bri,omitempty"`
}

// Helper builders for the partial states the dispatcher sends. Each returns
// a State carrying only the fields the command intends to change.

// PowerState builds an on/off command.
func PowerState(on bool) State {
	return State{On: boolPtr(on)}
}

// BrightnessState builds a brightness command. Setting brightness does not
// implicitly power the device on; callers combine with PowerState if needed.
func BrightnessState(brightness int) State {
	return State{Brightness: intPtr(brightness)}
}

// ColorState builds a primary-colour command for one segment.
func ColorState(segment int, r, g, b uint8) State {
	return State{Segments: []Segment{{
		ID:     intPtr(segment),
		Colors: [][]uint8{{r, g, b}},
	}}}
}

// CCTState builds a colour-temperature command for one segment. The wire
// value is the WLED 0-255 relative scale.
func CCTState(segment, cct int) State {
	return State{Segments: []Segment{{
		ID:  intPtr(segment),
		CCT: intPtr(cct),
	}}}
}

// EffectState builds an effect selection command for one segment.
// Speed, intensity, and palette below zero are omitted.
func EffectState(segment, effectID, speed, intensity, palette int) State {
	seg := Segment{
		ID:       intPtr(segment),
		EffectID: intPtr(effectID),
	}
	if speed >= 0 {
		seg.EffectSpeed = intPtr(speed)
	}
	if intensity >= 0 {
		seg.EffectIntensity = intPtr(intensity)
	}
	if palette >= 0 {
		seg.PaletteID = intPtr(palette)
	}
	return State{Segments: []Segment{seg}}
}

// PresetState builds a preset activation command.
func PresetState(presetID int) State {
	return State{PresetID: intPtr(presetID)}
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }
