package engine

import (
	"sync"
	"time"

	"github.com/aesdetic/aesdetic-core/internal/device"
)

// Coalescer batches high-frequency device snapshots into one applied update
// per device per batch window. Within a window the latest snapshot wins;
// snapshots that would not change the canonical model are dropped at flush.
//
// Purely a churn optimisation: it never drops a distinct final value, only
// intermediate ones.
type Coalescer struct {
	window time.Duration

	// current looks up the canonical snapshot a pending one is compared
	// against at flush time. apply receives the differing snapshots of one
	// window as a single batch.
	current func(deviceID string) *device.Device
	apply   func(batch []*device.Device)

	mu      sync.Mutex
	pending map[string]*device.Device
	timer   *time.Timer
	stopped bool
}

// NewCoalescer creates a coalescer flushing on the given window.
func NewCoalescer(window time.Duration, current func(string) *device.Device, apply func([]*device.Device)) *Coalescer {
	return &Coalescer{
		window:  window,
		current: current,
		apply:   apply,
		pending: make(map[string]*device.Device),
	}
}

// Schedule stores the snapshot as the device's latest pending value and arms
// the flush timer if it is not already running. A newer snapshot for the
// same device before the flush simply replaces the older one.
func (c *Coalescer) Schedule(snapshot *device.Device) {
	if snapshot == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	c.pending[snapshot.ID] = snapshot
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flush)
	}
}

// Flush forces an immediate flush of everything pending. Used on shutdown
// and by tests; the periodic path goes through the timer.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.flush()
}

// Stop drops pending snapshots and prevents further scheduling.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[string]*device.Device)
}

// flush compares every pending snapshot against the canonical value and
// hands the differing ones downstream in one batch.
func (c *Coalescer) flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.timer = nil
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = make(map[string]*device.Device)
	c.timer = nil
	c.mu.Unlock()

	var batch []*device.Device
	for id, snapshot := range pending {
		if snapshot.EqualState(c.current(id)) {
			continue
		}
		batch = append(batch, snapshot)
	}
	if len(batch) > 0 {
		c.apply(batch)
	}
}
