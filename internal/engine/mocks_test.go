package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aesdetic/aesdetic-core/internal/device"
	"github.com/aesdetic/aesdetic-core/internal/push"
	"github.com/aesdetic/aesdetic-core/internal/wled"
)

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", desc)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// mockClient is a programmable wled.Client.
type mockClient struct {
	mu sync.Mutex

	setStateFn func(state wled.State) (*wled.State, error)
	getStateFn func() (*wled.State, error)
	getInfoFn  func() (*wled.Info, error)
	setNameFn  func(name string) error

	setStateCalls []wled.State
	getStateCalls int
	setNameCalls  []string
}

func (m *mockClient) SetState(_ context.Context, _ string, state wled.State) (*wled.State, error) {
	m.mu.Lock()
	m.setStateCalls = append(m.setStateCalls, state)
	fn := m.setStateFn
	m.mu.Unlock()

	if fn != nil {
		return fn(state)
	}
	return &wled.State{}, nil
}

func (m *mockClient) GetState(context.Context, string) (*wled.State, error) {
	m.mu.Lock()
	m.getStateCalls++
	fn := m.getStateFn
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return &wled.State{}, nil
}

func (m *mockClient) GetInfo(context.Context, string) (*wled.Info, error) {
	m.mu.Lock()
	fn := m.getInfoFn
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return &wled.Info{Name: "Lamp"}, nil
}

func (m *mockClient) GetEffects(context.Context, string) ([]string, error) {
	return []string{"Solid", "Blink"}, nil
}

func (m *mockClient) GetPalettes(context.Context, string) ([]string, error) {
	return []string{"Default"}, nil
}

func (m *mockClient) GetPresets(context.Context, string) (map[string]wled.Preset, error) {
	return map[string]wled.Preset{}, nil
}

func (m *mockClient) ApplyPreset(context.Context, string, int) error { return nil }

func (m *mockClient) SavePreset(context.Context, string, int, string) error { return nil }

func (m *mockClient) SetName(_ context.Context, _ string, name string) error {
	m.mu.Lock()
	m.setNameCalls = append(m.setNameCalls, name)
	fn := m.setNameFn
	m.mu.Unlock()

	if fn != nil {
		return fn(name)
	}
	return nil
}

func (m *mockClient) stateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getStateCalls
}

// mockRepo is an in-memory device.Repository.
type mockRepo struct {
	mu      sync.Mutex
	devices map[string]*device.Device
	writes  int
}

func newMockRepo() *mockRepo {
	return &mockRepo{devices: make(map[string]*device.Device)}
}

func (r *mockRepo) GetByID(_ context.Context, id string) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d.Clone(), nil
}

func (r *mockRepo) List(context.Context) ([]device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.Clone())
	}
	return out, nil
}

func (r *mockRepo) Create(_ context.Context, d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; ok {
		return device.ErrDeviceExists
	}
	r.devices[d.ID] = d.Clone()
	return nil
}

func (r *mockRepo) Update(_ context.Context, d *device.Device) error {
	return r.store(d)
}

func (r *mockRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return device.ErrDeviceNotFound
	}
	delete(r.devices, id)
	return nil
}

func (r *mockRepo) UpdateState(_ context.Context, d *device.Device) error {
	return r.store(d)
}

func (r *mockRepo) UpdateHealth(_ context.Context, id string, online bool, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	d.IsOnline = online
	d.LastSeen = lastSeen
	r.writes++
	return nil
}

func (r *mockRepo) Rename(_ context.Context, id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	d.Name = name
	r.writes++
	return nil
}

func (r *mockRepo) UpdateLocation(_ context.Context, id, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	d.Location = location
	r.writes++
	return nil
}

func (r *mockRepo) store(d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; !ok {
		return device.ErrDeviceNotFound
	}
	r.devices[d.ID] = d.Clone()
	r.writes++
	return nil
}

// mockPush is a stand-in PushTransport.
type mockPush struct {
	mu          sync.Mutex
	events      chan push.Event
	connects    []string
	disconnects []string
	sent        []wled.State
}

func newMockPush() *mockPush {
	return &mockPush{events: make(chan push.Event, 16)}
}

func (p *mockPush) Connect(deviceID, _ string, _ int) error {
	p.mu.Lock()
	p.connects = append(p.connects, deviceID)
	p.mu.Unlock()
	return nil
}

func (p *mockPush) Disconnect(deviceID string) {
	p.mu.Lock()
	p.disconnects = append(p.disconnects, deviceID)
	p.mu.Unlock()
}

func (p *mockPush) Send(_ string, state wled.State) error {
	p.mu.Lock()
	p.sent = append(p.sent, state)
	p.mu.Unlock()
	return nil
}

func (p *mockPush) Events() <-chan push.Event { return p.events }

// openGate lets every address through.
type openGate struct{}

func (openGate) Reachable(string) bool { return true }
