package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aesdetic/aesdetic-core/internal/device"
	"github.com/aesdetic/aesdetic-core/internal/discovery"
	"github.com/aesdetic/aesdetic-core/internal/engine"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/config"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/logging"
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

// stubClient is a programmable wled.Client for handler tests.
type stubClient struct {
	mu            sync.Mutex
	info          *wled.Info
	setStateCalls []wled.State
}

func (c *stubClient) GetState(context.Context, string) (*wled.State, error) {
	return &wled.State{}, nil
}

func (c *stubClient) SetState(_ context.Context, _ string, state wled.State) (*wled.State, error) {
	c.mu.Lock()
	c.setStateCalls = append(c.setStateCalls, state)
	c.mu.Unlock()
	return &wled.State{}, nil
}

func (c *stubClient) GetInfo(context.Context, string) (*wled.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info != nil {
		return c.info, nil
	}
	return &wled.Info{Name: "Lamp"}, nil
}

func (c *stubClient) GetEffects(context.Context, string) ([]string, error) {
	return []string{"Solid", "Blink", "Breathe"}, nil
}

func (c *stubClient) GetPalettes(context.Context, string) ([]string, error) {
	return []string{"Default", "Rainbow"}, nil
}

func (c *stubClient) GetPresets(context.Context, string) (map[string]wled.Preset, error) {
	return map[string]wled.Preset{"1": {Name: "Evening"}}, nil
}

func (c *stubClient) ApplyPreset(context.Context, string, int) error { return nil }

func (c *stubClient) SavePreset(context.Context, string, int, string) error { return nil }

func (c *stubClient) SetName(context.Context, string, string) error { return nil }

func (c *stubClient) stateCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.setStateCalls)
}

// stubRepo is an in-memory device.Repository.
type stubRepo struct {
	mu      sync.Mutex
	devices map[string]*device.Device
}

func newStubRepo() *stubRepo {
	return &stubRepo{devices: make(map[string]*device.Device)}
}

func (r *stubRepo) GetByID(_ context.Context, id string) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d.Clone(), nil
}

func (r *stubRepo) List(context.Context) ([]device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.Clone())
	}
	return out, nil
}

func (r *stubRepo) Create(_ context.Context, d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; ok {
		return device.ErrDeviceExists
	}
	r.devices[d.ID] = d.Clone()
	return nil
}

func (r *stubRepo) Update(_ context.Context, d *device.Device) error {
	return r.store(d)
}

func (r *stubRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return device.ErrDeviceNotFound
	}
	delete(r.devices, id)
	return nil
}

func (r *stubRepo) UpdateState(_ context.Context, d *device.Device) error {
	return r.store(d)
}

func (r *stubRepo) UpdateHealth(_ context.Context, id string, online bool, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	d.IsOnline = online
	d.LastSeen = lastSeen
	return nil
}

func (r *stubRepo) Rename(_ context.Context, id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	d.Name = name
	return nil
}

func (r *stubRepo) UpdateLocation(_ context.Context, id, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	d.Location = location
	return nil
}

func (r *stubRepo) store(d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; !ok {
		return device.ErrDeviceNotFound
	}
	r.devices[d.ID] = d.Clone()
	return nil
}

// stubPush is a no-op push transport.
type stubPush struct {
	events chan push.Event
}

func newStubPush() *stubPush {
	return &stubPush{events: make(chan push.Event, 16)}
}

func (p *stubPush) Connect(string, string, int) error { return nil }
func (p *stubPush) Disconnect(string)                 {}
func (p *stubPush) Send(string, wled.State) error     { return nil }
func (p *stubPush) Events() <-chan push.Event         { return p.events }

// openGate lets every address through.
type openGate struct{}

func (openGate) Reachable(string) bool { return true }

// testHarness bundles a started engine, its stubs, and an HTTP test server.
type testHarness struct {
	engine *engine.Engine
	client *stubClient
	repo   *stubRepo
	http   *httptest.Server
}

func engineTestConfig() config.EngineConfig {
	return config.EngineConfig{
		ProtectionWindowMS: 3000,
		RenameWindowMS:     10000,
		BrightnessJitter:   5,
		BatchWindowMS:      10,
		CommandTimeoutMS:   500,
		RefreshDebounceMS:  3000,
		RefreshFanout:      2,
		HealthIntervalS:    60,
		OfflineAfterS:      120,
	}
}

// newTestHarness starts a server over a real engine with one seeded device.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	repo := newStubRepo()
	repo.devices["d1"] = &device.Device{
		ID:         "d1",
		Name:       "Lamp",
		IPAddress:  "192.168.1.50",
		IsOn:       true,
		Brightness: 100,
		IsOnline:   true,
	}

	client := &stubClient{}
	e := engine.New(engineTestConfig(), logging.Discard(), repo, client, newStubPush(), openGate{})

	srv, err := New(Deps{
		Config:  config.Default().API,
		WS:      config.Default().WebSocket,
		Logger:  logging.Discard(),
		Engine:  e,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("starting engine: %v", err)
	}
	t.Cleanup(e.Stop)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testHarness{engine: e, client: client, repo: repo, http: ts}
}

func (h *testHarness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestListDevices(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/devices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}
	decodeBody(t, resp, &body)
	if body.Count != 1 || len(body.Devices) != 1 {
		t.Fatalf("count = %d, devices = %d, want 1", body.Count, len(body.Devices))
	}
	if body.Devices[0].ID != "d1" {
		t.Errorf("device id = %q", body.Devices[0].ID)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/devices/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	var apiErr Error
	decodeBody(t, resp, &apiErr)
	if apiErr.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", apiErr.Code, ErrCodeNotFound)
	}
}

func TestAdoptDevice(t *testing.T) {
	h := newTestHarness(t)
	h.client.info = &wled.Info{Name: "Desk Strip", MAC: "aabbccddeeff"}

	resp := h.do(t, http.MethodPost, "/api/v1/devices", `{"ip":"192.168.1.77"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var dev device.Device
	decodeBody(t, resp, &dev)
	if dev.ID != "aabbccddeeff" || dev.Name != "Desk Strip" {
		t.Errorf("adopted device = %+v", dev)
	}

	// Same address again conflicts.
	resp = h.do(t, http.MethodPost, "/api/v1/devices", `{"ip":"192.168.1.77"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestAdoptDeviceRequiresIP(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/devices", `{"name":"Lamp"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSetPowerDispatchesCommand(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/devices/d1/power", `{"on":false}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	waitFor(t, "power command on the wire", func() bool {
		return h.client.stateCalls() > 0
	})
}

func TestToggleWhenPowerOmitted(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/devices/d1/power", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	// Seeded device is on; toggle must request off.
	waitFor(t, "toggle command on the wire", func() bool {
		return h.client.stateCalls() > 0
	})
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	sent := h.client.setStateCalls[0]
	if sent.On == nil || *sent.On {
		t.Errorf("toggle sent %+v, want power off", sent)
	}
}

func TestSetCCTWithoutCapability(t *testing.T) {
	h := newTestHarness(t)

	// Default capabilities are RGB-only, so CCT is a configuration error.
	resp := h.do(t, http.MethodPost, "/api/v1/devices/d1/cct", `{"temperature":0.5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var apiErr Error
	decodeBody(t, resp, &apiErr)
	if apiErr.Code != ErrCodeValidation {
		t.Errorf("code = %q, want %q", apiErr.Code, ErrCodeValidation)
	}
}

func TestRenameRejectsEmptyName(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/devices/d1/rename", `{"name":"  "}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSetLocation(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPut, "/api/v1/devices/d1/location", `{"location":"bedroom"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var dev device.Device
	decodeBody(t, resp, &dev)
	if dev.Location != "bedroom" {
		t.Errorf("location = %q, want bedroom", dev.Location)
	}
}

func TestListEffects(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/devices/d1/effects", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Effects []string `json:"effects"`
		Count   int      `json:"count"`
	}
	decodeBody(t, resp, &body)
	if body.Count != 3 || body.Effects[0] != "Solid" {
		t.Errorf("effects = %v", body.Effects)
	}
}

func TestApplyPresetValidation(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/devices/d1/presets/abc/apply", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric preset id: status = %d, want 400", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPost, "/api/v1/devices/d1/presets/0/apply", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("preset id 0: status = %d, want 400", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPost, "/api/v1/devices/d1/presets/3/apply", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("preset id 3: status = %d, want 202", resp.StatusCode)
	}
}

func TestDismissError(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodDelete, "/api/v1/devices/d1/error", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestBatchPowerRequiresIDs(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/devices/batch/power", `{"ids":[],"on":true}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBatchPower(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/devices/batch/power", `{"ids":["d1"],"on":false}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	waitFor(t, "batch power on the wire", func() bool {
		return h.client.stateCalls() > 0
	})
}

func TestDeleteDevice(t *testing.T) {
	h := newTestHarness(t)

	resp := h.do(t, http.MethodDelete, "/api/v1/devices/d1", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/api/v1/devices/d1", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted device still served: status = %d", resp.StatusCode)
	}
}

func TestDiscoveryAdd(t *testing.T) {
	repo := newStubRepo()
	client := &stubClient{}
	e := engine.New(engineTestConfig(), logging.Discard(), repo, client, newStubPush(), openGate{})

	svc := discovery.New(config.DiscoveryConfig{Service: "_wled._tcp"}, logging.Discard())
	srv, err := New(Deps{
		Config:    config.Default().API,
		WS:        config.Default().WebSocket,
		Logger:    logging.Discard(),
		Engine:    e,
		Discovery: svc,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/discovery/add", "application/json",
		strings.NewReader(`{"ip":"192.168.1.90"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case found := <-svc.Found():
		if found.IP != "192.168.1.90" || found.Source != "manual" {
			t.Errorf("found = %+v", found)
		}
	case <-time.After(time.Second):
		t.Fatal("no discovery candidate emitted")
	}

	resp, err = http.Post(ts.URL+"/api/v1/discovery/add", "application/json",
		strings.NewReader(`{"ip":"not-an-ip"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid address: status = %d, want 400", resp.StatusCode)
	}
}
