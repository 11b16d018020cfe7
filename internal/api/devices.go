package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aesdetic/aesdetic-core/internal/device"
)

// accepted is the body for asynchronous command endpoints. The command is
// dispatched optimistically; the resulting state change arrives over the
// WebSocket channel.
var accepted = map[string]string{"status": "accepted"}

// handleListDevices returns all devices with optimistic overlays applied.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.engine.Devices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.engine.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// AdoptRequest is the body for manually adding a device.
type AdoptRequest struct {
	Name string `json:"name,omitempty"`
	IP   string `json:"ip"`
}

// handleAdoptDevice probes an address and creates a device record for it.
func (s *Server) handleAdoptDevice(w http.ResponseWriter, r *http.Request) {
	var req AdoptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.IP == "" {
		writeBadRequest(w, "ip field is required")
		return
	}

	dev, err := s.engine.Adopt(r.Context(), req.Name, req.IP)
	if err != nil {
		if errors.Is(err, device.ErrDeviceExists) {
			writeConflict(w, "device already exists at "+req.IP)
			return
		}
		// The probe never reached a WLED fixture.
		writeError(w, http.StatusBadGateway, ErrCodeUnreachable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

// handleDeleteDevice removes a device and all of its engine state.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh triggers a debounced poll of every device.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	started := s.engine.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": started})
}

// handleGetCapabilities returns the detected capabilities for segment 0.
func (s *Server) handleGetCapabilities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Device(id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.CapabilitiesFor(id, 0))
}

// PowerRequest is the body for power commands. A missing "on" field toggles.
type PowerRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req PowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var err error
	if req.On == nil {
		err = s.engine.Toggle(id)
	} else {
		err = s.engine.SetPower(id, *req.On)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// BrightnessRequest is the body for brightness commands (0-255).
type BrightnessRequest struct {
	Brightness int `json:"brightness"`
}

func (s *Server) handleSetBrightness(w http.ResponseWriter, r *http.Request) {
	var req BrightnessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.engine.SetBrightness(chi.URLParam(r, "id"), req.Brightness); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// ColorRequest is the body for primary colour commands.
type ColorRequest struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (s *Server) handleSetColor(w http.ResponseWriter, r *http.Request) {
	var req ColorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	color := device.Color{R: req.R, G: req.G, B: req.B}
	if err := s.engine.SetColor(chi.URLParam(r, "id"), color); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// CCTRequest is the body for colour temperature commands. Temperature is the
// normalised 0.0 (warmest) to 1.0 (coolest) scale.
type CCTRequest struct {
	Temperature float64 `json:"temperature"`
}

func (s *Server) handleSetCCT(w http.ResponseWriter, r *http.Request) {
	var req CCTRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.engine.ApplyCCT(chi.URLParam(r, "id"), req.Temperature); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// EffectRequest is the body for effect commands. Speed, intensity, and
// palette default to -1, which leaves the current device value unchanged.
type EffectRequest struct {
	EffectID  int  `json:"effect_id"`
	Speed     *int `json:"speed,omitempty"`
	Intensity *int `json:"intensity,omitempty"`
	Palette   *int `json:"palette,omitempty"`
}

func (s *Server) handleSetEffect(w http.ResponseWriter, r *http.Request) {
	var req EffectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	orDefault := func(v *int) int {
		if v == nil {
			return -1
		}
		return *v
	}
	err := s.engine.SetEffect(chi.URLParam(r, "id"), req.EffectID,
		orDefault(req.Speed), orDefault(req.Intensity), orDefault(req.Palette))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// RenameRequest is the body for rename commands.
type RenameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.engine.Rename(chi.URLParam(r, "id"), req.Name); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// LocationRequest is the body for location updates. Location is client-side
// metadata; it is never sent to the device.
type LocationRequest struct {
	Location string `json:"location"`
}

func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.engine.UpdateLocation(chi.URLParam(r, "id"), req.Location); err != nil {
		writeEngineError(w, err)
		return
	}
	dev, err := s.engine.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleListEffects(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.Effects(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"effects": names, "count": len(names)})
}

func (s *Server) handleListPalettes(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.Palettes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"palettes": names, "count": len(names)})
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.engine.Presets(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": presets, "count": len(presets)})
}

func (s *Server) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	presetID, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil {
		writeBadRequest(w, "preset id must be an integer")
		return
	}
	if err := s.engine.ApplyPreset(chi.URLParam(r, "id"), presetID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// SavePresetRequest is the body for storing the current state into a preset slot.
type SavePresetRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSavePreset(w http.ResponseWriter, r *http.Request) {
	presetID, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil {
		writeBadRequest(w, "preset id must be an integer")
		return
	}

	var req SavePresetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.engine.SavePreset(r.Context(), chi.URLParam(r, "id"), presetID, req.Name); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetError returns the device's surfaced error, if any.
func (s *Server) handleGetError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Device(id); err != nil {
		writeEngineError(w, err)
		return
	}

	cmdErr := s.engine.ActiveError(id)
	if cmdErr == nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"error": map[string]any{
			"kind":      string(cmdErr.Kind),
			"op":        cmdErr.Op,
			"message":   cmdErr.Error(),
			"retryable": cmdErr.Retryable(),
		},
	})
}

// handleDismissError clears the device's surfaced error without side effects.
func (s *Server) handleDismissError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Device(id); err != nil {
		writeEngineError(w, err)
		return
	}
	s.engine.Dismiss(id)
	w.WriteHeader(http.StatusNoContent)
}

// BatchPowerRequest is the body for multi-device power commands.
type BatchPowerRequest struct {
	IDs []string `json:"ids"`
	On  bool     `json:"on"`
}

func (s *Server) handleBatchPower(w http.ResponseWriter, r *http.Request) {
	var req BatchPowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeBadRequest(w, "ids field is required")
		return
	}
	if err := s.engine.SetPowerAll(req.IDs, req.On); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// BatchBrightnessRequest is the body for multi-device brightness commands.
type BatchBrightnessRequest struct {
	IDs        []string `json:"ids"`
	Brightness int      `json:"brightness"`
}

func (s *Server) handleBatchBrightness(w http.ResponseWriter, r *http.Request) {
	var req BatchBrightnessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeBadRequest(w, "ids field is required")
		return
	}
	if err := s.engine.SetBrightnessAll(req.IDs, req.Brightness); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

// DiscoveryAddRequest is the body for queueing a manual discovery candidate.
type DiscoveryAddRequest struct {
	IP string `json:"ip"`
}

// handleDiscoveryAdd validates an address and feeds it through the discovery
// pipeline. The engine probes and adopts it asynchronously; the new device
// arrives over the WebSocket channel.
func (s *Server) handleDiscoveryAdd(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "discovery is not configured")
		return
	}

	var req DiscoveryAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.discovery.AddByAddress(req.IP); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}
