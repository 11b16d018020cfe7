package engine

import (
	"sync"
	"time"

	"github.com/aesdetic/aesdetic-core/internal/device"
)

// TargetState is the field-masked value a user asked for but the device has
// not yet confirmed. Nil fields are not covered by the intent.
type TargetState struct {
	Power       *bool
	Brightness  *int
	Color       *device.Color
	Temperature *float64
}

// Covers reports whether the target carries any field at all.
func (t TargetState) Covers() bool {
	return t.Power != nil || t.Brightness != nil || t.Color != nil || t.Temperature != nil
}

// intentRecord is the per-device bookkeeping behind the tracker.
type intentRecord struct {
	lastInteraction time.Time
	target          *TargetState
	generation      uint64
}

// renameIntent is a pending name change. Renames get their own record and a
// longer window because the device confirms a name change noticeably slower
// than a power or colour change.
type renameIntent struct {
	target   string
	issuedAt time.Time
}

// Tracker records user intent per device: when the user last touched it and
// what value they asked for that the device has not yet confirmed. Pure
// in-memory bookkeeping with no failure modes.
//
// Thread Safety: all methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	window       time.Duration
	renameWindow time.Duration

	records map[string]*intentRecord
	renames map[string]*renameIntent

	// now is replaceable for tests.
	now func() time.Time
}

// NewTracker creates an intent tracker with the given protection windows.
func NewTracker(window, renameWindow time.Duration) *Tracker {
	return &Tracker{
		window:       window,
		renameWindow: renameWindow,
		records:      make(map[string]*intentRecord),
		renames:      make(map[string]*renameIntent),
		now:          time.Now,
	}
}

// MarkInteraction records that the user touched the device now, resetting
// its protection window.
func (t *Tracker) MarkInteraction(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(deviceID).lastInteraction = t.now()
}

// IsUnderUserControl reports whether the device is inside its protection
// window, during which passive updates are suppressed.
func (t *Tracker) IsUnderUserControl(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[deviceID]
	if !ok {
		return false
	}
	return t.now().Sub(rec.lastInteraction) < t.window
}

// SetPendingTarget registers the value an in-flight command is trying to
// reach and returns the command's generation. A newer command for the same
// device bumps the generation, which is how stale completions are detected.
func (t *Tracker) SetPendingTarget(deviceID string, target TargetState) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(deviceID)
	rec.generation++
	rec.target = &target
	return rec.generation
}

// ClearPendingTarget clears the pending value if the generation still
// matches. A stale clear (superseded command finishing late) is a no-op.
func (t *Tracker) ClearPendingTarget(deviceID string, generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[deviceID]
	if ok && rec.generation == generation {
		rec.target = nil
	}
}

// PendingTarget returns the device's in-flight target, if any.
func (t *Tracker) PendingTarget(deviceID string) (TargetState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[deviceID]
	if !ok || rec.target == nil {
		return TargetState{}, false
	}
	return *rec.target, true
}

// IsPendingMatch reports whether the generation belongs to the live pending
// command. A mismatch means the command was superseded and its completion
// must be discarded.
func (t *Tracker) IsPendingMatch(deviceID string, generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[deviceID]
	return ok && rec.target != nil && rec.generation == generation
}

// ClearInteraction ends the protection window early. The dispatcher calls
// this on confirmed success so the next passive update flows through.
func (t *Tracker) ClearInteraction(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[deviceID]; ok {
		rec.lastInteraction = time.Time{}
	}
}

// SetPendingRename registers an in-flight name change.
func (t *Tracker) SetPendingRename(deviceID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.renames[deviceID] = &renameIntent{target: name, issuedAt: t.now()}
}

// PendingRename returns the pending target name and whether its window has
// already elapsed. ok is false when no rename is pending.
func (t *Tracker) PendingRename(deviceID string) (name string, expired bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	intent, found := t.renames[deviceID]
	if !found {
		return "", false, false
	}
	return intent.target, t.now().Sub(intent.issuedAt) >= t.renameWindow, true
}

// ClearPendingRename drops the pending rename, if any.
func (t *Tracker) ClearPendingRename(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.renames, deviceID)
}

// Forget drops all intent state for a removed device.
func (t *Tracker) Forget(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, deviceID)
	delete(t.renames, deviceID)
}

// record returns the device's record, creating it on first use.
// Caller holds t.mu.
func (t *Tracker) record(deviceID string) *intentRecord {
	rec, ok := t.records[deviceID]
	if !ok {
		rec = &intentRecord{}
		t.records[deviceID] = rec
	}
	return rec
}
