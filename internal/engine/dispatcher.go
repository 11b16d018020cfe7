package engine

import (
	"context"
	"errors"
	"time"

	"github.com/aesdetic/aesdetic-core/internal/device"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/logging"
	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// Command is one desired device mutation, ready for the wire.
type Command struct {
	// Op names the operation for logging and error surfacing.
	Op string

	// Target is the field-masked value registered with the intent tracker
	// and applied as the optimistic overlay. May be empty for operations
	// that have no canonical-field projection (effects, presets).
	Target TargetState

	// Payload is the partial state document sent to the device.
	Payload wled.State

	// Mirror also sends the payload over the device's push socket for
	// lower-latency fan-out to other observers. Best effort.
	Mirror bool
}

// DispatchHooks are the engine-side effects of a command's lifecycle. The
// dispatcher drives the lifecycle; the engine owns the three state layers
// the hooks touch.
type DispatchHooks struct {
	// ApplyOptimistic installs the overlay for the command's generation.
	ApplyOptimistic func(deviceID string, generation uint64, target TargetState)

	// ClearOptimistic removes the overlay if the generation still owns it.
	ClearOptimistic func(deviceID string, generation uint64)

	// Confirm folds the confirmed target into the canonical model, marks
	// the device online, and persists. response is the device's verbose
	// post-write state, fed back through reconciliation for the fields the
	// target did not cover.
	Confirm func(deviceID string, target TargetState, response *wled.State)

	// Bake folds the attempted target into the canonical model without
	// confirmation. Used for timeout and busy failures, where reverting
	// would flicker the display back for something likely to self-correct.
	Bake func(deviceID string, target TargetState)

	// Revert marks the device offline. The optimistic overlay has already
	// been cleared, so clearing is the revert.
	Revert func(deviceID string)

	// Mirror sends the payload over the push socket. Best effort.
	Mirror func(deviceID string, state wled.State)

	// Surface reports a classified failure to the error surface.
	Surface func(cmdErr *CommandError)
}

// Dispatcher runs the optimistic-then-confirm-or-revert lifecycle of device
// commands: mark intent, install the overlay, write over HTTP outside any
// lock, then resolve as confirmed, reverted, or expired.
//
// A command's lifecycle is Idle -> Pending -> {Confirmed | Reverted |
// Expired}, terminal in all three. A new command for the same device
// supersedes a still-pending one through the tracker's generation counter;
// a superseded completion is discarded.
type Dispatcher struct {
	timeout time.Duration
	tracker *Tracker
	client  wled.Client
	hooks   DispatchHooks
	logger  *logging.Logger
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(timeout time.Duration, tracker *Tracker, client wled.Client, hooks DispatchHooks, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		timeout: timeout,
		tracker: tracker,
		client:  client,
		hooks:   hooks,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Dispatch runs one command to a terminal state. Blocking; the engine runs
// it on a per-device cancellable task. snapshot is an immutable copy taken
// before dispatch, used for the address and for error context only.
func (d *Dispatcher) Dispatch(ctx context.Context, snapshot *device.Device, cmd Command) {
	d.tracker.MarkInteraction(snapshot.ID)
	generation := d.tracker.SetPendingTarget(snapshot.ID, cmd.Target)
	d.hooks.ApplyOptimistic(snapshot.ID, generation, cmd.Target)

	writeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	response, err := d.client.SetState(writeCtx, snapshot.IPAddress, cmd.Payload)

	// Superseded by a newer command: its overlay and pending target have
	// already replaced ours. Whatever happened on the wire is history.
	if errors.Is(err, context.Canceled) || !d.tracker.IsPendingMatch(snapshot.ID, generation) {
		d.logger.Debug("discarding superseded command",
			"device_id", snapshot.ID, "op", cmd.Op, "generation", generation)
		return
	}

	if err == nil {
		d.tracker.ClearPendingTarget(snapshot.ID, generation)
		d.tracker.ClearInteraction(snapshot.ID)
		// Confirm before clearing the overlay so consumers never see a
		// momentary revert between the two.
		d.hooks.Confirm(snapshot.ID, cmd.Target, response)
		d.hooks.ClearOptimistic(snapshot.ID, generation)
		if cmd.Mirror {
			d.hooks.Mirror(snapshot.ID, cmd.Payload)
		}
		return
	}

	cmdErr := &CommandError{
		Kind:       Classify(err),
		DeviceID:   snapshot.ID,
		DeviceName: snapshot.Name,
		Op:         cmd.Op,
		Err:        err,
	}
	d.logger.Warn("command failed",
		"device_id", snapshot.ID, "op", cmd.Op, "kind", cmdErr.Kind, "error", err)

	d.tracker.ClearPendingTarget(snapshot.ID, generation)

	switch cmdErr.Kind {
	case KindOffline:
		// Reverted: clearing the overlay drops consumers back to the
		// untouched canonical value.
		d.hooks.ClearOptimistic(snapshot.ID, generation)
		d.hooks.Revert(snapshot.ID)
	case KindTimeout, KindBusy:
		// Expired: keep the attempted value visible and the device online.
		// The next passive update corrects it once the protection window
		// lapses.
		d.hooks.Bake(snapshot.ID, cmd.Target)
		d.hooks.ClearOptimistic(snapshot.ID, generation)
	case KindInvalidResponse, KindConfig:
		// Surfaced only; no canonical mutation.
		d.hooks.ClearOptimistic(snapshot.ID, generation)
	}
	d.hooks.Surface(cmdErr)
}
