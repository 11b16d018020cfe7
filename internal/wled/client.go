package wled

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the command/query interface to one or more WLED devices.
// Methods take the device address because a single client (and its
// connection pool) serves every fixture on the network.
//
// All calls are request/response and fallible; transport errors are
// returned raw and classified by the engine.
type Client interface {
	// GetState fetches /json/state.
	GetState(ctx context.Context, addr string) (*State, error)

	// SetState posts a partial state to /json/state. The returned state is
	// the device's resulting full state (the payload is sent verbose).
	SetState(ctx context.Context, addr string, state State) (*State, error)

	// GetInfo fetches /json/info (device metadata, capability bitfields).
	GetInfo(ctx context.Context, addr string) (*Info, error)

	// GetEffects fetches the effect name list.
	GetEffects(ctx context.Context, addr string) ([]string, error)

	// GetPalettes fetches the palette name list.
	GetPalettes(ctx context.Context, addr string) ([]string, error)

	// GetPresets fetches the saved preset slots.
	GetPresets(ctx context.Context, addr string) (map[string]Preset, error)

	// ApplyPreset activates a stored preset.
	ApplyPreset(ctx context.Context, addr string, presetID int) error

	// SavePreset stores the current state into a preset slot.
	SavePreset(ctx context.Context, addr string, presetID int, name string) error

	// SetName writes the device's display name to /json/cfg. The device
	// confirms the new name through subsequent info documents.
	SetName(ctx context.Context, addr, name string) error
}

// defaultRequestTimeout bounds a single HTTP exchange when the caller's
// context carries no deadline of its own.
const defaultRequestTimeout = 4 * time.Second

// HTTPClient implements Client over the WLED HTTP JSON API.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient creates a client with a shared connection pool.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		http: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

// GetState fetches /json/state.
func (c *HTTPClient) GetState(ctx context.Context, addr string) (*State, error) {
	var state State
	if err := c.getJSON(ctx, addr, "/json/state", &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetState posts a partial state and returns the device's resulting state.
func (c *HTTPClient) SetState(ctx context.Context, addr string, state State) (*State, error) {
	verbose := true
	state.Verbose = &verbose

	var result State
	if err := c.postJSON(ctx, addr, "/json/state", state, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetInfo fetches /json/info.
func (c *HTTPClient) GetInfo(ctx context.Context, addr string) (*Info, error) {
	var info Info
	if err := c.getJSON(ctx, addr, "/json/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetEffects fetches the effect name list.
func (c *HTTPClient) GetEffects(ctx context.Context, addr string) ([]string, error) {
	var effects []string
	if err := c.getJSON(ctx, addr, "/json/eff", &effects); err != nil {
		return nil, err
	}
	return effects, nil
}

// GetPalettes fetches the palette name list.
func (c *HTTPClient) GetPalettes(ctx context.Context, addr string) ([]string, error) {
	var palettes []string
	if err := c.getJSON(ctx, addr, "/json/pal", &palettes); err != nil {
		return nil, err
	}
	return palettes, nil
}

// GetPresets fetches the saved preset slots. Slot "0" is the device's
// ephemeral slot and is filtered out.
func (c *HTTPClient) GetPresets(ctx context.Context, addr string) (map[string]Preset, error) {
	var presets map[string]Preset
	if err := c.getJSON(ctx, addr, "/presets.json", &presets); err != nil {
		return nil, err
	}
	delete(presets, "0")
	return presets, nil
}

// ApplyPreset activates a stored preset.
func (c *HTTPClient) ApplyPreset(ctx context.Context, addr string, presetID int) error {
	_, err := c.SetState(ctx, addr, PresetState(presetID))
	return err
}

// SavePreset stores the current state into a preset slot.
func (c *HTTPClient) SavePreset(ctx context.Context, addr string, presetID int, name string) error {
	payload := map[string]any{
		"psave": presetID,
		"n":     name,
		"ib":    true, // include brightness
		"sb":    true, // include segment bounds
	}
	return c.postJSON(ctx, addr, "/json/state", payload, nil)
}

// SetName writes the device's display name.
func (c *HTTPClient) SetName(ctx context.Context, addr, name string) error {
	payload := map[string]any{
		"id": map[string]any{"name": name},
	}
	return c.postJSON(ctx, addr, "/json/cfg", payload, nil)
}

// getJSON performs a GET and decodes the response body into out.
func (c *HTTPClient) getJSON(ctx context.Context, addr, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, out)
}

// postJSON performs a POST with a JSON body and decodes the response into
// out when out is non-nil.
func (c *HTTPClient) postJSON(ctx context.Context, addr, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes the request and maps status codes and decode failures onto
// the package sentinels.
func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort on read path

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrBusy, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
