package engine

import (
	"sync"

	"github.com/aesdetic/aesdetic-core/internal/device"
	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// CapabilityCache holds per-device, per-segment capability flags parsed from
// device metadata. Detection needs a network round trip and must never block
// command issuance, so consumers read synchronously and fall back to
// device.DefaultCapabilities on a miss.
//
// Entries are never partially valid: a device either has a full segment list
// cached or nothing at all.
type CapabilityCache struct {
	mu   sync.RWMutex
	caps map[string][]device.Capabilities
}

// NewCapabilityCache creates an empty capability cache.
func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{
		caps: make(map[string][]device.Capabilities),
	}
}

// Detect parses the per-segment light-capability bitfield out of a device
// info document and caches the result. Idempotent; the last result wins.
// Info documents without the bitfield leave the cache untouched.
func (c *CapabilityCache) Detect(deviceID string, info *wled.Info) {
	if info == nil || len(info.LEDs.SegmentCaps) == 0 {
		return
	}

	segments := make([]device.Capabilities, len(info.LEDs.SegmentCaps))
	for i, bits := range info.LEDs.SegmentCaps {
		segments[i] = device.Capabilities{
			SupportsRGB:   bits&wled.CapBitRGB != 0,
			SupportsWhite: bits&wled.CapBitWhite != 0,
			SupportsCCT:   bits&wled.CapBitCCT != 0,
			SegmentCount:  len(info.LEDs.SegmentCaps),
		}
	}

	c.mu.Lock()
	c.caps[deviceID] = segments
	c.mu.Unlock()
}

// Get returns the capabilities of one device segment. ok is false when
// detection has not completed for the device or the segment index is out of
// range; callers fall back to device.DefaultCapabilities.
func (c *CapabilityCache) Get(deviceID string, segment int) (device.Capabilities, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	segments, ok := c.caps[deviceID]
	if !ok || segment < 0 || segment >= len(segments) {
		return device.Capabilities{}, false
	}
	return segments[segment], true
}

// Forget drops the cached capabilities of a removed device.
func (c *CapabilityCache) Forget(deviceID string) {
	c.mu.Lock()
	delete(c.caps, deviceID)
	c.mu.Unlock()
}
