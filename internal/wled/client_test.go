package wled

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestServer returns a server and its host:port address.
func newTestServer(t *testing.T, handler http.HandlerFunc) (srv *httptest.Server, addr string) {
	t.Helper()
	srv = httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func TestGetState(t *testing.T) {
	_, addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/state" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"on":true,"bri":128,"seg":[{"id":0,"col":[[255,160,0]],"cct":127}]}`)) //nolint:errcheck
	})

	state, err := NewHTTPClient().GetState(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetState() error: %v", err)
	}
	if state.On == nil || !*state.On {
		t.Error("power not decoded")
	}
	if state.Brightness == nil || *state.Brightness != 128 {
		t.Error("brightness not decoded")
	}
	if len(state.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(state.Segments))
	}
	r, g, b, ok := state.Segments[0].PrimaryColor()
	if !ok || r != 255 || g != 160 || b != 0 {
		t.Errorf("primary colour = (%d,%d,%d,%v)", r, g, b, ok)
	}
}

func TestSetStateSendsVerbose(t *testing.T) {
	var received State
	_, addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"on":true,"bri":200}`)) //nolint:errcheck
	})

	result, err := NewHTTPClient().SetState(context.Background(), addr, PowerState(true))
	if err != nil {
		t.Fatalf("SetState() error: %v", err)
	}
	if received.Verbose == nil || !*received.Verbose {
		t.Error("verbose flag not set on outbound state")
	}
	if received.On == nil || !*received.On {
		t.Error("power field not sent")
	}
	if received.Brightness != nil {
		t.Error("partial state leaked unrelated fields")
	}
	if result.Brightness == nil || *result.Brightness != 200 {
		t.Error("result state not decoded")
	}
}

func TestGetInfoCapabilities(t *testing.T) {
	_, addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Bedroom Strip","ver":"0.14.0","mac":"aabbccddeeff","leds":{"count":60,"seglc":[5]}}`)) //nolint:errcheck
	})

	info, err := NewHTTPClient().GetInfo(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetInfo() error: %v", err)
	}
	if info.Name != "Bedroom Strip" {
		t.Errorf("name = %q", info.Name)
	}
	if len(info.LEDs.SegmentCaps) != 1 || info.LEDs.SegmentCaps[0] != CapBitRGB|CapBitCCT {
		t.Errorf("seglc = %v", info.LEDs.SegmentCaps)
	}
}

func TestGetPresetsFiltersEphemeralSlot(t *testing.T) {
	_, addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"0":{},"1":{"n":"Evening"},"2":{"n":"Party"}}`)) //nolint:errcheck
	})

	presets, err := NewHTTPClient().GetPresets(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetPresets() error: %v", err)
	}
	if _, ok := presets["0"]; ok {
		t.Error("slot 0 not filtered")
	}
	if presets["1"].Name != "Evening" || presets["2"].Name != "Party" {
		t.Errorf("presets = %+v", presets)
	}
}

func TestBusyStatusMapsToErrBusy(t *testing.T) {
	_, addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := NewHTTPClient().GetState(context.Background(), addr)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}
}

func TestGarbageBodyMapsToErrInvalidResponse(t *testing.T) {
	_, addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`)) //nolint:errcheck
	})

	_, err := NewHTTPClient().GetState(context.Background(), addr)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("error = %v, want ErrInvalidResponse", err)
	}
}

func TestStateBuilders(t *testing.T) {
	s := ColorState(2, 10, 20, 30)
	if len(s.Segments) != 1 || *s.Segments[0].ID != 2 {
		t.Fatalf("ColorState segment = %+v", s.Segments)
	}
	if s.On != nil || s.Brightness != nil {
		t.Error("ColorState carries unrelated fields")
	}

	e := EffectState(0, 42, -1, -1, -1)
	if e.Segments[0].EffectSpeed != nil || e.Segments[0].PaletteID != nil {
		t.Error("EffectState should omit negative parameters")
	}

	c := CCTState(1, 200)
	if *c.Segments[0].CCT != 200 {
		t.Errorf("CCTState cct = %d", *c.Segments[0].CCT)
	}
}

func TestSetNamePostsConfig(t *testing.T) {
	var body map[string]map[string]string
	_, addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/cfg" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"success":true}`)) //nolint:errcheck
	})

	if err := NewHTTPClient().SetName(context.Background(), addr, "Bedroom Lamp"); err != nil {
		t.Fatalf("SetName() error: %v", err)
	}
	if body["id"]["name"] != "Bedroom Lamp" {
		t.Errorf("payload = %v, want id.name set", body)
	}
}
