package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aesdetic/aesdetic-core/internal/device"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/config"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/logging"
	"github.com/aesdetic/aesdetic-core/internal/push"
	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// persistTimeout bounds the background database writes coming out of
// coalescer flushes and command confirmations.
const persistTimeout = 5 * time.Second

// PushTransport is the push-channel collaborator, satisfied by
// push.Manager.
type PushTransport interface {
	Connect(deviceID, addr string, priority int) error
	Disconnect(deviceID string)
	Send(deviceID string, state wled.State) error
	Events() <-chan push.Event
}

// ReachabilityGate answers whether an address is worth calling at all,
// satisfied by discovery.SubnetGate.
type ReachabilityGate interface {
	Reachable(ip string) bool
}

// UpdateFunc receives one coalesced batch of changed devices.
type UpdateFunc func(devices []device.Device)

// ErrorFunc receives newly surfaced command errors.
type ErrorFunc func(cmdErr *CommandError)

// overlayEntry is one active optimistic overlay, owned by the command
// generation that installed it.
type overlayEntry struct {
	target     TargetState
	generation uint64
}

// taskHandle identifies one device's current background task.
type taskHandle struct {
	seq    uint64
	cancel context.CancelFunc
}

// Engine owns the canonical device model and keeps it consistent across
// user commands, command responses, device pushes, and liveness polls.
//
// Three state layers with distinct lifecycles are kept separate: the
// canonical map (what consumers see as truth), the optimistic overlay
// (per-command, cleared on resolution), and the pending-command state
// inside the tracker (per-generation). All mutation funnels through the
// reconciler and dispatcher; I/O callbacks never write to a device record
// directly.
type Engine struct {
	cfg    config.EngineConfig
	logger *logging.Logger

	repo   device.Repository
	client wled.Client
	push   PushTransport
	gate   ReachabilityGate

	tracker    *Tracker
	caps       *CapabilityCache
	coalescer  *Coalescer
	reconciler *Reconciler
	dispatcher *Dispatcher

	mu       sync.RWMutex
	devices  map[string]*device.Device
	overlays map[string]overlayEntry
	active   map[string]*CommandError

	taskMu  sync.Mutex
	tasks   map[string]taskHandle
	taskSeq uint64

	refreshMu   sync.Mutex
	lastRefresh time.Time

	cacheMu      sync.Mutex
	effectNames  map[string][]string
	paletteNames map[string][]string

	subMu     sync.RWMutex
	updateFns []UpdateFunc
	errorFns  []ErrorFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine over its collaborators. Call Start before use.
func New(cfg config.EngineConfig, logger *logging.Logger, repo device.Repository,
	client wled.Client, pushT PushTransport, gate ReachabilityGate) *Engine {

	e := &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		repo:         repo,
		client:       client,
		push:         pushT,
		gate:         gate,
		tracker:      NewTracker(cfg.ProtectionWindow(), cfg.RenameWindow()),
		caps:         NewCapabilityCache(),
		devices:      make(map[string]*device.Device),
		overlays:     make(map[string]overlayEntry),
		active:       make(map[string]*CommandError),
		tasks:        make(map[string]taskHandle),
		effectNames:  make(map[string][]string),
		paletteNames: make(map[string][]string),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.coalescer = NewCoalescer(cfg.BatchWindow(), e.canonical, e.applyBatch)
	e.reconciler = NewReconciler(e.tracker, e.overlayFor, cfg.BrightnessJitter)
	e.dispatcher = NewDispatcher(cfg.CommandTimeout(), e.tracker, client, DispatchHooks{
		ApplyOptimistic: e.applyOptimistic,
		ClearOptimistic: e.clearOptimistic,
		Confirm:         e.confirm,
		Bake:            e.bake,
		Revert:          e.markOffline,
		Mirror:          e.mirror,
		Surface:         e.surfaceError,
	}, logger)

	return e
}

// Start loads persisted devices, connects push sockets for the reachable
// ones, and begins the push and health loops.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	stored, err := e.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	e.mu.Lock()
	for i := range stored {
		d := stored[i]
		// Liveness is re-established by the initial refresh; a flag
		// persisted before shutdown proves nothing now.
		d.IsOnline = false
		e.devices[d.ID] = &d
	}
	count := len(e.devices)
	e.mu.Unlock()

	e.logger.Info("engine started", "devices", count)

	e.wg.Add(2)
	go e.pushLoop()
	go e.healthLoop()

	for _, d := range e.Devices() {
		e.connectPush(d.ID, d.IPAddress, 1)
	}
	e.Refresh()
	return nil
}

// Stop cancels background work and flushes pending coalesced updates.
func (e *Engine) Stop() {
	e.cancel()

	e.taskMu.Lock()
	for _, handle := range e.tasks {
		handle.cancel()
	}
	e.tasks = make(map[string]taskHandle)
	e.taskMu.Unlock()

	e.wg.Wait()
	e.coalescer.Flush()
	e.coalescer.Stop()
	e.logger.Info("engine stopped")
}

// OnUpdate registers a subscriber for coalesced device update batches.
// Register before Start.
func (e *Engine) OnUpdate(fn UpdateFunc) {
	e.subMu.Lock()
	e.updateFns = append(e.updateFns, fn)
	e.subMu.Unlock()
}

// OnError registers a subscriber for surfaced command errors.
func (e *Engine) OnError(fn ErrorFunc) {
	e.subMu.Lock()
	e.errorFns = append(e.errorFns, fn)
	e.subMu.Unlock()
}

// Devices returns the current device list with active optimistic overlays
// applied, sorted by name.
func (e *Engine) Devices() []device.Device {
	e.mu.RLock()
	out := make([]device.Device, 0, len(e.devices))
	for id := range e.devices {
		out = append(out, *e.mergedLocked(id))
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Device returns one device with its optimistic overlay applied.
func (e *Engine) Device(id string) (*device.Device, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.devices[id]; !ok {
		return nil, device.ErrDeviceNotFound
	}
	return e.mergedLocked(id), nil
}

// CapabilitiesFor returns the cached capabilities of one device segment,
// falling back to the safe default until detection completes.
func (e *Engine) CapabilitiesFor(id string, segment int) device.Capabilities {
	if caps, ok := e.caps.Get(id, segment); ok {
		return caps
	}
	return device.DefaultCapabilities()
}

// ActiveError returns the device's surfaced error, if any.
func (e *Engine) ActiveError(id string) *CommandError {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[id]
}

// Dismiss clears the device's surfaced error without side effects.
func (e *Engine) Dismiss(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// SetPower issues a power command.
func (e *Engine) SetPower(id string, on bool) error {
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	e.dispatch(snap, Command{
		Op:      "power",
		Target:  TargetState{Power: &on},
		Payload: wled.PowerState(on),
		Mirror:  true,
	})
	return nil
}

// Toggle flips the device's power state. The optimistic overlay counts: a
// toggle during an in-flight power command flips the attempted value, not
// the last confirmed one.
func (e *Engine) Toggle(id string) error {
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	return e.SetPower(id, !snap.IsOn)
}

// SetBrightness issues a brightness command. The value is clamped to the
// 0-255 wire range.
func (e *Engine) SetBrightness(id string, level int) error {
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	level = device.ClampBrightness(level)
	e.dispatch(snap, Command{
		Op:      "brightness",
		Target:  TargetState{Brightness: &level},
		Payload: wled.BrightnessState(level),
		Mirror:  true,
	})
	return nil
}

// SetColor issues a primary-colour command for segment 0. An explicit
// colour deactivates any active colour temperature.
func (e *Engine) SetColor(id string, color device.Color) error {
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	if !e.CapabilitiesFor(id, 0).SupportsRGB {
		return e.configError(snap, "color", "device does not support RGB")
	}

	noCCT := 0.0
	e.dispatch(snap, Command{
		Op:      "color",
		Target:  TargetState{Color: &color, Temperature: &noCCT},
		Payload: wled.ColorState(0, color.R, color.G, color.B),
		Mirror:  true,
	})
	return nil
}

// ApplyCCT issues a colour-temperature command for segment 0. temperature
// is the normalised 0.0 (warmest) to 1.0 (coolest) scale; the display
// colour is derived locally so the canonical model never waits on the
// device to know what the fixture looks like.
func (e *Engine) ApplyCCT(id string, temperature float64) error {
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	if temperature < 0 || temperature > 1 {
		return e.configError(snap, "cct", fmt.Sprintf("temperature %v out of range", temperature))
	}
	if !e.CapabilitiesFor(id, 0).SupportsCCT {
		return e.configError(snap, "cct", "device does not support colour temperature")
	}

	derived := device.CCTColor(temperature)
	e.dispatch(snap, Command{
		Op:      "cct",
		Target:  TargetState{Temperature: &temperature, Color: &derived},
		Payload: wled.CCTState(0, int(temperature*255+0.5)),
		Mirror:  true,
	})
	return nil
}

// SetEffect issues an effect selection for segment 0. Speed, intensity,
// and palette below zero are left unchanged on the device.
func (e *Engine) SetEffect(id string, effectID, speed, intensity, palette int) error {
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	if effectID < 0 {
		return e.configError(snap, "effect", "effect id must not be negative")
	}
	e.dispatch(snap, Command{
		Op:      "effect",
		Payload: wled.EffectState(0, effectID, speed, intensity, palette),
		Mirror:  true,
	})
	return nil
}

// ApplyPreset activates a stored preset. The device's verbose response
// carries the resulting state and flows back through reconciliation.
func (e *Engine) ApplyPreset(id string, presetID int) error {
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	if presetID < 1 {
		return e.configError(snap, "preset", "preset id must be positive")
	}
	e.dispatch(snap, Command{
		Op:      "preset",
		Payload: wled.PresetState(presetID),
	})
	return nil
}

// SavePreset stores the device's current state into a preset slot.
func (e *Engine) SavePreset(ctx context.Context, id string, presetID int, name string) error {
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	if err := e.client.SavePreset(ctx, snap.IPAddress, presetID, name); err != nil {
		cmdErr := e.commandError(snap, "save_preset", err)
		e.surfaceError(cmdErr)
		return cmdErr
	}
	return nil
}

// Effects returns the device's effect name list, cached after the first
// successful fetch (the list is fixed per firmware build).
func (e *Engine) Effects(ctx context.Context, id string) ([]string, error) {
	return e.cachedNames(ctx, id, e.effectNames, e.client.GetEffects)
}

// Palettes returns the device's palette name list, cached like Effects.
func (e *Engine) Palettes(ctx context.Context, id string) ([]string, error) {
	return e.cachedNames(ctx, id, e.paletteNames, e.client.GetPalettes)
}

// Presets returns the device's stored preset slots. Always fetched live;
// presets change underneath us.
func (e *Engine) Presets(ctx context.Context, id string) (map[string]wled.Preset, error) {
	snap, err := e.snapshot(id)
	if err != nil {
		return nil, err
	}
	presets, err := e.client.GetPresets(ctx, snap.IPAddress)
	if err != nil {
		return nil, e.commandError(snap, "presets", err)
	}
	return presets, nil
}

// Rename changes the device's display name. The new name is applied
// optimistically and registered as a pending rename; the device confirms
// through a subsequent info document, or the old reality wins after the
// rename window.
func (e *Engine) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	snap, err := e.snapshot(id)
	if err != nil {
		return err
	}
	if name == "" {
		return e.configError(snap, "rename", "name must not be empty")
	}
	if name == snap.Name {
		return nil
	}

	e.tracker.SetPendingRename(id, name)
	e.tracker.MarkInteraction(id)

	e.mu.Lock()
	previous := snap.Name
	dev, ok := e.devices[id]
	if !ok {
		e.mu.Unlock()
		return device.ErrDeviceNotFound
	}
	dev.Name = name
	merged := e.mergedLocked(id)
	e.mu.Unlock()

	e.persist(func(ctx context.Context) error { return e.repo.Rename(ctx, id, name) })
	e.notifyUpdate([]device.Device{*merged})

	e.runTask(id, func(ctx context.Context) {
		writeCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout())
		defer cancel()

		if err := e.client.SetName(writeCtx, snap.IPAddress, name); err != nil {
			e.tracker.ClearPendingRename(id)
			cmdErr := e.commandError(snap, "rename", err)
			if cmdErr.Kind == KindOffline {
				e.mu.Lock()
				if dev, ok := e.devices[id]; ok {
					dev.Name = previous
				}
				reverted := e.mergedLocked(id)
				e.mu.Unlock()

				e.persist(func(ctx context.Context) error { return e.repo.Rename(ctx, id, previous) })
				if reverted != nil {
					e.notifyUpdate([]device.Device{*reverted})
				}
				e.markOffline(id)
			}
			e.surfaceError(cmdErr)
		}
	})
	return nil
}

// UpdateLocation changes the device's client-side location metadata. Never
// sent to the device.
func (e *Engine) UpdateLocation(id, location string) error {
	e.mu.Lock()
	dev, ok := e.devices[id]
	if !ok {
		e.mu.Unlock()
		return device.ErrDeviceNotFound
	}
	dev.Location = location
	merged := e.mergedLocked(id)
	e.mu.Unlock()

	e.persist(func(ctx context.Context) error { return e.repo.UpdateLocation(ctx, id, location) })
	e.notifyUpdate([]device.Device{*merged})
	return nil
}

// SetPowerAll issues a power command to every listed device.
func (e *Engine) SetPowerAll(ids []string, on bool) error {
	var errs []error
	for _, id := range ids {
		if err := e.SetPower(id, on); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SetBrightnessAll issues a brightness command to every listed device.
func (e *Engine) SetBrightnessAll(ids []string, level int) error {
	var errs []error
	for _, id := range ids {
		if err := e.SetBrightness(id, level); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Adopt probes an address and creates a device record for it. name may be
// empty; the device's own name wins when present. Discovery candidates and
// manual adds both land here.
func (e *Engine) Adopt(ctx context.Context, name, ip string) (*device.Device, error) {
	e.mu.RLock()
	for _, d := range e.devices {
		if d.IPAddress == ip {
			e.mu.RUnlock()
			return nil, device.ErrDeviceExists
		}
	}
	e.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout())
	defer cancel()

	info, err := e.client.GetInfo(probeCtx, ip)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", ip, err)
	}

	id := info.MAC
	if id == "" {
		id = uuid.New().String()
	}
	if info.Name != "" {
		name = info.Name
	}
	if name == "" {
		name = "WLED " + ip
	}

	now := time.Now().UTC()
	dev := &device.Device{
		ID:        id,
		Name:      name,
		IPAddress: ip,
		IsOnline:  true,
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if state, stateErr := e.client.GetState(probeCtx, ip); stateErr == nil {
		if state.On != nil {
			dev.IsOn = *state.On
		}
		if state.Brightness != nil {
			dev.Brightness = device.ClampBrightness(*state.Brightness)
		}
		if len(state.Segments) > 0 {
			if r, g, b, ok := state.Segments[0].PrimaryColor(); ok {
				dev.Color = device.Color{R: r, G: g, B: b}
			}
		}
	}

	if err := e.repo.Create(ctx, dev); err != nil {
		return nil, err
	}
	e.caps.Detect(id, info)

	e.mu.Lock()
	e.devices[id] = dev.Clone()
	e.mu.Unlock()

	e.connectPush(id, ip, 2)
	e.notifyUpdate([]device.Device{*dev})
	e.logger.Info("device adopted", "device_id", id, "name", name, "ip", ip)
	return dev.Clone(), nil
}

// Remove deletes a device and all of its engine state.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	_, ok := e.devices[id]
	delete(e.devices, id)
	delete(e.overlays, id)
	delete(e.active, id)
	e.mu.Unlock()

	if !ok {
		return device.ErrDeviceNotFound
	}

	e.taskMu.Lock()
	if handle, running := e.tasks[id]; running {
		handle.cancel()
		delete(e.tasks, id)
	}
	e.taskMu.Unlock()

	e.push.Disconnect(id)
	e.tracker.Forget(id)
	e.caps.Forget(id)

	e.cacheMu.Lock()
	delete(e.effectNames, id)
	delete(e.paletteNames, id)
	e.cacheMu.Unlock()

	if err := e.repo.Delete(ctx, id); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
		return err
	}
	e.logger.Info("device removed", "device_id", id)
	return nil
}

// Refresh polls every reachable device, debounced: a request arriving while
// the last one is still fresh is a no-op. Returns whether a poll batch was
// actually started.
func (e *Engine) Refresh() bool {
	e.refreshMu.Lock()
	if time.Since(e.lastRefresh) < e.cfg.RefreshDebounce() {
		e.refreshMu.Unlock()
		return false
	}
	e.lastRefresh = time.Now()
	e.refreshMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollAll(e.ctx)
	}()
	return true
}

// HandlePush feeds one push-transport event through reconciliation.
func (e *Engine) HandlePush(ev push.Event) {
	e.process(ev.DeviceID, Update{
		Source:     SourcePush,
		State:      ev.State,
		Info:       ev.Info,
		ReceivedAt: ev.ReceivedAt,
	})
}

// pushLoop consumes the push transport's event channel.
func (e *Engine) pushLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.push.Events():
			if !ok {
				return
			}
			e.HandlePush(ev)
		}
	}
}

// healthLoop polls for liveness and sweeps devices that have gone quiet.
func (e *Engine) healthLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.HealthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pollAll(e.ctx)
			e.sweepOffline()
		}
	}
}

// pollAll reads state from every reachable device with bounded fan-out.
func (e *Engine) pollAll(ctx context.Context) {
	type endpoint struct{ id, ip string }

	e.mu.RLock()
	endpoints := make([]endpoint, 0, len(e.devices))
	for id, d := range e.devices {
		endpoints = append(endpoints, endpoint{id: id, ip: d.IPAddress})
	}
	e.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(e.cfg.RefreshFanout)
	for _, ep := range endpoints {
		ep := ep
		if !e.gate.Reachable(ep.ip) {
			continue
		}
		g.Go(func() error {
			e.poll(ctx, ep.id, ep.ip)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Workers never return errors
}

// poll reads one device's state and info and feeds them through
// reconciliation. A hard connectivity failure marks the device offline;
// a timeout leaves the liveness sweep to decide.
func (e *Engine) poll(ctx context.Context, id, ip string) {
	pollCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout())
	defer cancel()

	state, err := e.client.GetState(pollCtx, ip)
	if err != nil {
		if Classify(err) == KindOffline {
			e.markOffline(id)
		}
		return
	}

	// Info is best effort; state alone already proves liveness.
	info, err := e.client.GetInfo(pollCtx, ip)
	if err != nil {
		info = nil
	}

	e.process(id, Update{
		Source:     SourcePoll,
		State:      state,
		Info:       info,
		ReceivedAt: time.Now(),
	})
}

// sweepOffline marks devices offline after OfflineAfter without contact.
func (e *Engine) sweepOffline() {
	cutoff := time.Now().Add(-e.cfg.OfflineAfter())

	e.mu.RLock()
	var stale []string
	for id, d := range e.devices {
		if d.IsOnline && d.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range stale {
		e.markOffline(id)
	}
}

// process runs one incoming update through the reconciler and applies the
// verdict. Updates are handled in arrival order; source priority only ever
// suppresses, never reorders.
func (e *Engine) process(id string, upd Update) {
	if upd.Info != nil {
		e.caps.Detect(id, upd.Info)
	}

	current := e.canonical(id)
	if current == nil {
		e.logger.Debug("update for unknown device", "device_id", id, "source", upd.Source)
		return
	}

	verdict := e.reconciler.Evaluate(current, e.CapabilitiesFor(id, 0), upd)
	if verdict.ClearRename {
		e.tracker.ClearPendingRename(id)
	}

	switch verdict.Action {
	case ActionApply:
		e.coalescer.Schedule(verdict.Snapshot)
	case ActionSuppress, ActionTouch:
		e.touch(id, upd.ReceivedAt)
	}
}

// touch advances the liveness timestamp without notifying anyone.
func (e *Engine) touch(id string, at time.Time) {
	e.mu.Lock()
	if dev, ok := e.devices[id]; ok && at.After(dev.LastSeen) {
		dev.LastSeen = at
	}
	e.mu.Unlock()
}

// canonical returns a clone of the device's canonical record, without any
// overlay. The coalescer compares against this.
func (e *Engine) canonical(id string) *device.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.devices[id].Clone()
}

// applyBatch is the coalescer's flush target: replace canonical entries,
// persist, and notify subscribers once for the whole batch.
func (e *Engine) applyBatch(batch []*device.Device) {
	type write struct {
		snapshot    *device.Device
		nameChanged bool
	}

	e.mu.Lock()
	writes := make([]write, 0, len(batch))
	notify := make([]device.Device, 0, len(batch))
	for _, snapshot := range batch {
		old, ok := e.devices[snapshot.ID]
		if !ok {
			// Removed while the batch was pending.
			continue
		}
		e.devices[snapshot.ID] = snapshot.Clone()
		writes = append(writes, write{
			snapshot:    snapshot.Clone(),
			nameChanged: old.Name != snapshot.Name,
		})
		notify = append(notify, *e.mergedLocked(snapshot.ID))
	}
	e.mu.Unlock()

	for _, w := range writes {
		e.persist(func(ctx context.Context) error {
			if w.nameChanged {
				return e.repo.Update(ctx, w.snapshot)
			}
			return e.repo.UpdateState(ctx, w.snapshot)
		})
	}
	e.notifyUpdate(notify)
}

// dispatch starts a command as the device's current task, superseding any
// still-running one.
func (e *Engine) dispatch(snap *device.Device, cmd Command) {
	e.runTask(snap.ID, func(ctx context.Context) {
		e.dispatcher.Dispatch(ctx, snap, cmd)
	})
}

// runTask runs fn as the device's single long-running background task.
// Starting a new task cancels the previous one for the same device.
func (e *Engine) runTask(id string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(e.ctx)

	e.taskMu.Lock()
	if previous, ok := e.tasks[id]; ok {
		previous.cancel()
	}
	e.taskSeq++
	seq := e.taskSeq
	e.tasks[id] = taskHandle{seq: seq, cancel: cancel}
	e.taskMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.taskMu.Lock()
			if current, ok := e.tasks[id]; ok && current.seq == seq {
				delete(e.tasks, id)
			}
			e.taskMu.Unlock()
			cancel()
		}()
		fn(ctx)
	}()
}

// Dispatcher hooks. Each owns exactly one state-layer effect.

// applyOptimistic installs the overlay and notifies subscribers so the
// attempted value is visible immediately.
func (e *Engine) applyOptimistic(id string, generation uint64, target TargetState) {
	if !target.Covers() {
		return
	}

	e.mu.Lock()
	if _, ok := e.devices[id]; !ok {
		e.mu.Unlock()
		return
	}
	e.overlays[id] = overlayEntry{target: target, generation: generation}
	merged := e.mergedLocked(id)
	e.mu.Unlock()

	e.notifyUpdate([]device.Device{*merged})
}

// clearOptimistic removes the overlay if the generation still owns it, and
// notifies only when the visible value actually changes.
func (e *Engine) clearOptimistic(id string, generation uint64) {
	e.mu.Lock()
	entry, ok := e.overlays[id]
	if !ok || entry.generation != generation {
		e.mu.Unlock()
		return
	}
	before := e.mergedLocked(id)
	delete(e.overlays, id)
	after := e.mergedLocked(id)
	e.mu.Unlock()

	if after != nil && !after.EqualState(before) {
		e.notifyUpdate([]device.Device{*after})
	}
}

// confirm applies the confirmed target to the canonical model, marks the
// device online, persists, and feeds the device's verbose response back
// through reconciliation for the fields the target did not cover.
func (e *Engine) confirm(id string, target TargetState, response *wled.State) {
	now := time.Now()

	e.mu.Lock()
	dev, ok := e.devices[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	applyTarget(dev, target)
	dev.IsOnline = true
	dev.LastSeen = now
	clone := dev.Clone()
	merged := e.mergedLocked(id)
	delete(e.active, id)
	e.mu.Unlock()

	e.persist(func(ctx context.Context) error { return e.repo.UpdateState(ctx, clone) })
	e.notifyUpdate([]device.Device{*merged})

	if response != nil {
		e.process(id, Update{
			Source:     SourceCommand,
			State:      response,
			ReceivedAt: now,
		})
	}
}

// bake folds an unconfirmed target into the canonical model after a
// transient failure, keeping the attempted value visible.
func (e *Engine) bake(id string, target TargetState) {
	e.mu.Lock()
	dev, ok := e.devices[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	applyTarget(dev, target)
	clone := dev.Clone()
	merged := e.mergedLocked(id)
	e.mu.Unlock()

	e.persist(func(ctx context.Context) error { return e.repo.UpdateState(ctx, clone) })
	e.notifyUpdate([]device.Device{*merged})
}

// markOffline flips the device offline and notifies. Only an explicit
// successful contact flips it back.
func (e *Engine) markOffline(id string) {
	e.mu.Lock()
	dev, ok := e.devices[id]
	if !ok || !dev.IsOnline {
		e.mu.Unlock()
		return
	}
	dev.IsOnline = false
	lastSeen := dev.LastSeen
	merged := e.mergedLocked(id)
	e.mu.Unlock()

	e.persist(func(ctx context.Context) error { return e.repo.UpdateHealth(ctx, id, false, lastSeen) })
	e.notifyUpdate([]device.Device{*merged})
}

// mirror best-effort echoes a command payload over the push socket.
func (e *Engine) mirror(id string, state wled.State) {
	if err := e.push.Send(id, state); err != nil {
		e.logger.Debug("push mirror failed", "device_id", id, "error", err)
	}
}

// surfaceError records the device's active error, de-duplicated by kind,
// and notifies error subscribers.
func (e *Engine) surfaceError(cmdErr *CommandError) {
	e.mu.Lock()
	if e.active[cmdErr.DeviceID].Same(cmdErr) {
		e.mu.Unlock()
		return
	}
	e.active[cmdErr.DeviceID] = cmdErr
	e.mu.Unlock()

	e.subMu.RLock()
	fns := e.errorFns
	e.subMu.RUnlock()
	for _, fn := range fns {
		fn(cmdErr)
	}
}

// overlayFor is the reconciler's view of the optimistic overlay.
func (e *Engine) overlayFor(id string) (TargetState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.overlays[id]
	if !ok {
		return TargetState{}, false
	}
	return entry.target, true
}

// snapshot returns the device with its overlay applied, for dispatch.
func (e *Engine) snapshot(id string) (*device.Device, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.devices[id]; !ok {
		return nil, device.ErrDeviceNotFound
	}
	return e.mergedLocked(id), nil
}

// mergedLocked returns a clone of the device with any active overlay
// applied. Caller holds e.mu.
func (e *Engine) mergedLocked(id string) *device.Device {
	dev := e.devices[id]
	if dev == nil {
		return nil
	}
	clone := dev.Clone()
	if entry, ok := e.overlays[id]; ok {
		applyTarget(clone, entry.target)
	}
	return clone
}

// connectPush opens the device's push socket when the address is worth
// calling at all.
func (e *Engine) connectPush(id, ip string, priority int) {
	if !e.gate.Reachable(ip) {
		return
	}
	if err := e.push.Connect(id, ip, priority); err != nil {
		e.logger.Debug("push connect refused", "device_id", id, "error", err)
	}
}

// cachedNames serves the effect/palette name lists with a fetch-once cache.
func (e *Engine) cachedNames(ctx context.Context, id string, cache map[string][]string,
	fetch func(ctx context.Context, addr string) ([]string, error)) ([]string, error) {

	e.cacheMu.Lock()
	names, ok := cache[id]
	e.cacheMu.Unlock()
	if ok {
		return names, nil
	}

	snap, err := e.snapshot(id)
	if err != nil {
		return nil, err
	}
	names, err = fetch(ctx, snap.IPAddress)
	if err != nil {
		return nil, e.commandError(snap, "names", err)
	}

	e.cacheMu.Lock()
	cache[id] = names
	e.cacheMu.Unlock()
	return names, nil
}

// persist runs one repository write in the background with a bounded
// deadline. Persistence failures are logged, never propagated: the
// in-memory canonical model already moved on.
func (e *Engine) persist(write func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			e.logger.Error("persisting device failed", "error", err)
		}
	}()
}

// notifyUpdate fans a changed-device batch out to subscribers.
func (e *Engine) notifyUpdate(devices []device.Device) {
	if len(devices) == 0 {
		return
	}
	e.subMu.RLock()
	fns := e.updateFns
	e.subMu.RUnlock()
	for _, fn := range fns {
		fn(devices)
	}
}

// commandError wraps a transport failure with device context.
func (e *Engine) commandError(snap *device.Device, op string, err error) *CommandError {
	return &CommandError{
		Kind:       Classify(err),
		DeviceID:   snap.ID,
		DeviceName: snap.Name,
		Op:         op,
		Err:        err,
	}
}

// configError builds, surfaces, and returns a configuration error. These
// are never attempted on the wire.
func (e *Engine) configError(snap *device.Device, op, msg string) error {
	cmdErr := &CommandError{
		Kind:       KindConfig,
		DeviceID:   snap.ID,
		DeviceName: snap.Name,
		Op:         op,
		Err:        errors.New(msg),
	}
	e.surfaceError(cmdErr)
	return cmdErr
}

// applyTarget copies the target's covered fields onto the device.
func applyTarget(d *device.Device, target TargetState) {
	if target.Power != nil {
		d.IsOn = *target.Power
	}
	if target.Brightness != nil {
		d.Brightness = *target.Brightness
	}
	if target.Color != nil {
		d.Color = *target.Color
	}
	if target.Temperature != nil {
		d.Temperature = *target.Temperature
	}
}

