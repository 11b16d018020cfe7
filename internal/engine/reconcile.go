package engine

import (
	"time"

	"github.com/aesdetic/aesdetic-core/internal/device"
	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// Source identifies where an incoming update originated.
type Source string

const (
	// SourcePush is an unsolicited WebSocket push from the device.
	SourcePush Source = "push"

	// SourcePoll is a periodic or refresh-driven HTTP read.
	SourcePoll Source = "poll"

	// SourceCommand is the device's verbose response to our own command.
	// Exempt from the passive-update suppression rules.
	SourceCommand Source = "command"
)

// Update is one candidate state change for a device, from any source.
// Either half may be absent.
type Update struct {
	Source     Source
	State      *wled.State
	Info       *wled.Info
	ReceivedAt time.Time
}

// Action is the reconciler's decision for one update.
type Action int

const (
	// ActionTouch advances the liveness timestamp only; nothing significant
	// changed and no downstream notification happens.
	ActionTouch Action = iota

	// ActionSuppress discards the update's payload because user intent is
	// authoritative right now. Liveness is still advanced.
	ActionSuppress

	// ActionApply hands the merged snapshot to the coalescer.
	ActionApply
)

// Verdict is the reconciler's full answer for one update.
type Verdict struct {
	Action Action

	// Snapshot is the merged device state, set when Action is ActionApply.
	Snapshot *device.Device

	// ClearRename is set when a pending rename resolved: the device either
	// confirmed the target name or outlived the rename window with a
	// different one.
	ClearRename bool
}

// OverlayFunc looks up the device's active optimistic overlay, if any.
type OverlayFunc func(deviceID string) (TargetState, bool)

// Reconciler is the decision function at the heart of the engine: given an
// incoming update from any source plus the intent state, decide whether to
// apply, suppress, or merely acknowledge it.
//
// Evaluate is pure with respect to the canonical model: it never mutates
// current, and the caller owns applying the verdict.
type Reconciler struct {
	tracker *Tracker
	overlay OverlayFunc

	// brightnessJitter is the minimum brightness delta considered a real
	// change rather than device-side smoothing noise.
	brightnessJitter int
}

// NewReconciler creates a reconciler over the given intent tracker and
// optimistic overlay lookup.
func NewReconciler(tracker *Tracker, overlay OverlayFunc, brightnessJitter int) *Reconciler {
	return &Reconciler{
		tracker:          tracker,
		overlay:          overlay,
		brightnessJitter: brightnessJitter,
	}
}

// Evaluate decides what to do with one incoming update. Rules in priority
// order; the first matching rule wins per field:
//
//  1. Fields covered by an active optimistic overlay suppress passive
//     updates until the in-flight command resolves.
//  2. A device under user control suppresses passive updates wholesale; the
//     dispatcher's own command responses are exempt.
//  3. A pending rename only accepts the exact target name; a mismatch is
//     held inside the rename window and authoritative after it.
//  4. Remaining deltas pass a significance check: power always counts,
//     brightness only beyond the jitter threshold, colour only when an RGB
//     channel is present and no colour temperature is active.
//
// Accepted deltas are returned as a merged snapshot for the coalescer; they
// are never applied inline. An update with nothing significant left is a
// touch: liveness advances, nobody is notified.
func (r *Reconciler) Evaluate(current *device.Device, caps device.Capabilities, in Update) Verdict {
	if current == nil {
		return Verdict{Action: ActionTouch}
	}

	candidate := current.Clone()
	candidate.LastSeen = in.ReceivedAt

	passive := in.Source != SourceCommand
	changed := false
	suppressed := false

	// Any update is proof of contact. The online flip is never suppressed:
	// it carries no user intent to protect.
	if !current.IsOnline {
		candidate.IsOnline = true
		changed = true
	}

	verdict := Verdict{}
	r.mergeName(current, candidate, in, passive, &changed, &suppressed, &verdict)
	r.mergeState(current, candidate, in, passive, &changed, &suppressed)

	switch {
	case changed:
		verdict.Action = ActionApply
		verdict.Snapshot = candidate
	case suppressed:
		verdict.Action = ActionSuppress
	default:
		verdict.Action = ActionTouch
	}
	return verdict
}

// mergeName applies the rename rules to an info-driven name update.
func (r *Reconciler) mergeName(current, candidate *device.Device, in Update, passive bool, changed, suppressed *bool, verdict *Verdict) {
	if in.Info == nil || in.Info.Name == "" {
		return
	}
	reported := in.Info.Name

	target, expired, pending := r.tracker.PendingRename(current.ID)
	if pending {
		switch {
		case reported == target:
			// Confirmed. The canonical name was set optimistically when the
			// rename was issued, so this usually only clears the intent.
			verdict.ClearRename = true
			if candidate.Name != reported {
				candidate.Name = reported
				*changed = true
			}
		case !expired:
			// A stale name inside the window. Hold it.
			*suppressed = true
		default:
			// The rename failed or was overridden; the device's name wins.
			verdict.ClearRename = true
			candidate.Name = reported
			*changed = true
		}
		return
	}

	if reported == current.Name {
		return
	}
	if passive && r.tracker.IsUnderUserControl(current.ID) {
		*suppressed = true
		return
	}
	candidate.Name = reported
	*changed = true
}

// mergeState applies the overlay, protection-window, and significance rules
// to the update's state document.
func (r *Reconciler) mergeState(current, candidate *device.Device, in Update, passive bool, changed, suppressed *bool) {
	if in.State == nil {
		return
	}

	power := in.State.On
	brightness := in.State.Brightness
	var color *device.Color
	if len(in.State.Segments) > 0 {
		if red, green, blue, ok := in.State.Segments[0].PrimaryColor(); ok {
			color = &device.Color{R: red, G: green, B: blue}
		}
	}

	if passive {
		// Rule 2: the user may still be mid-gesture; drop the whole
		// passive payload.
		if r.tracker.IsUnderUserControl(current.ID) {
			if power != nil || brightness != nil || color != nil {
				*suppressed = true
			}
			return
		}

		// Rule 1: an in-flight command's optimistic value is authoritative
		// for the fields it covers.
		if overlay, ok := r.overlay(current.ID); ok {
			if overlay.Power != nil && power != nil {
				power = nil
				*suppressed = true
			}
			if overlay.Brightness != nil && brightness != nil {
				brightness = nil
				*suppressed = true
			}
			if (overlay.Color != nil || overlay.Temperature != nil) && color != nil {
				color = nil
				*suppressed = true
			}
		}
	}

	// Rule 4: significance thresholds.
	if power != nil && *power != current.IsOn {
		candidate.IsOn = *power
		*changed = true
	}
	if brightness != nil {
		if delta := *brightness - current.Brightness; delta > r.brightnessJitter || delta < -r.brightnessJitter {
			candidate.Brightness = device.ClampBrightness(*brightness)
			*changed = true
		}
	}
	if color != nil {
		// An active colour temperature owns the display colour; a raw RGB
		// push would visually fight the CCT pipeline's derived colour.
		if current.Temperature > 0 {
			*suppressed = true
		} else if *color != current.Color {
			candidate.Color = *color
			*changed = true
		}
	}
}
