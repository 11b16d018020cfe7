package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/aesdetic/aesdetic-core/internal/device"
)

// batchRecorder captures apply callbacks from a Coalescer under test.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]*device.Device
}

func (r *batchRecorder) apply(batch []*device.Device) {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.mu.Unlock()
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func staticCurrent(devices ...*device.Device) func(string) *device.Device {
	byID := make(map[string]*device.Device)
	for _, d := range devices {
		byID[d.ID] = d
	}
	return func(id string) *device.Device { return byID[id] }
}

func TestCoalescerLastWriteWins(t *testing.T) {
	current := &device.Device{ID: "d1", Brightness: 10}
	rec := &batchRecorder{}
	c := NewCoalescer(20*time.Millisecond, staticCurrent(current), rec.apply)
	defer c.Stop()

	// Three snapshots inside one window: only the last is applied.
	for _, bri := range []int{50, 120, 200} {
		c.Schedule(&device.Device{ID: "d1", Brightness: bri})
	}

	deadline := time.After(time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("flush never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(rec.batches))
	}
	if len(rec.batches[0]) != 1 || rec.batches[0][0].Brightness != 200 {
		t.Errorf("applied batch = %+v", rec.batches[0])
	}
}

func TestCoalescerDropsUnchangedSnapshots(t *testing.T) {
	current := &device.Device{ID: "d1", Brightness: 10, IsOnline: true}
	rec := &batchRecorder{}
	c := NewCoalescer(10*time.Millisecond, staticCurrent(current), rec.apply)
	defer c.Stop()

	c.Schedule(current.Clone())
	c.Flush()

	if rec.count() != 0 {
		t.Errorf("state-equal snapshot was applied")
	}
}

func TestCoalescerFlushBatchesAcrossDevices(t *testing.T) {
	d1 := &device.Device{ID: "d1"}
	d2 := &device.Device{ID: "d2"}
	rec := &batchRecorder{}
	c := NewCoalescer(time.Hour, staticCurrent(d1, d2), rec.apply)
	defer c.Stop()

	c.Schedule(&device.Device{ID: "d1", IsOn: true})
	c.Schedule(&device.Device{ID: "d2", Brightness: 99})
	c.Flush()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(rec.batches))
	}
	if len(rec.batches[0]) != 2 {
		t.Errorf("batch size = %d, want 2", len(rec.batches[0]))
	}
}

func TestCoalescerFlushClearsPending(t *testing.T) {
	d1 := &device.Device{ID: "d1"}
	rec := &batchRecorder{}
	c := NewCoalescer(time.Hour, staticCurrent(d1), rec.apply)
	defer c.Stop()

	c.Schedule(&device.Device{ID: "d1", IsOn: true})
	c.Flush()
	c.Flush()

	if rec.count() != 1 {
		t.Errorf("second flush re-applied the cleared pending set: %d batches", rec.count())
	}
}

func TestCoalescerStopDropsPending(t *testing.T) {
	d1 := &device.Device{ID: "d1"}
	rec := &batchRecorder{}
	c := NewCoalescer(10*time.Millisecond, staticCurrent(d1), rec.apply)

	c.Schedule(&device.Device{ID: "d1", IsOn: true})
	c.Stop()
	c.Schedule(&device.Device{ID: "d1", Brightness: 5})

	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("stopped coalescer still applied a batch")
	}
}
