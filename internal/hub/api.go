package hub

import (
	"errors"
	"net/http"
	"sort"

	"github.com/roverlink/roverlink/internal/types"
)

// handleListDevices merges previously-discovered-but-not-connected device
// identities with currently registered entries. Registered entries win;
// discovered ones appear with Available false.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	registered := s.registry.Snapshot()
	seen := make(map[string]struct{}, len(registered))
	for _, d := range registered {
		seen[d.DeviceID] = struct{}{}
	}

	out := registered
	if s.disc != nil {
		for _, d := range s.disc.Devices() {
			if _, connected := seen[d.DeviceID]; connected {
				continue
			}
			out = append(out, types.DeviceSnapshot{
				DeviceID:  d.DeviceID,
				Role:      types.RolePi,
				Metadata:  map[string]any{},
				LastSeen:  d.LastSeen,
				Available: false,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	writeJSON(w, http.StatusOK, out)
}

// handleSend dispatches a control envelope to a target or to all devices.
// An emergency_stop type runs the emergency broadcast path exactly as a
// frontend frame would.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req types.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}

	if req.Type == types.TypeEmergencyStop {
		reached, total := s.router.EmergencyStop("api", req.Payload)
		writeJSON(w, http.StatusOK, types.EmergencyResponse{DevicesReached: reached, DevicesTotal: total})
		return
	}

	if err := s.router.DispatchControl(req.Target, req.Type, req.Payload); err != nil {
		switch {
		case errors.Is(err, ErrMissingTarget):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrTargetOffline):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleEmergency triggers the emergency broadcast for HTTP callers.
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	// Body is optional; ignore decode errors from an empty body.
	_ = decodeJSON(w, r, &payload)
	reached, total := s.router.EmergencyStop("api", payload)
	writeJSON(w, http.StatusOK, types.EmergencyResponse{DevicesReached: reached, DevicesTotal: total})
}

// handleClearEmergency clears the emergency flag for one device, or for all
// when no device_id is given.
func (s *Server) handleClearEmergency(w http.ResponseWriter, r *http.Request) {
	var req types.ClearEmergencyRequest
	_ = decodeJSON(w, r, &req)
	if err := s.router.ClearEmergency(req.DeviceID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleConnectDevice signals a discovered device to connect via the
// discovery collaborator.
func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	if s.disc == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "discovery is disabled"})
		return
	}
	id := r.PathValue("id")
	if err := s.disc.Wake(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "wake signal sent"})
}

// handleDisconnectDevice forcibly tears down a registered connection.
func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.router.Disconnect(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.log.Info().Str("device_id", id).Msg("device forcibly disconnected")
	w.WriteHeader(http.StatusNoContent)
}

// handleBroadcast forwards arbitrary JSON to every connected endpoint.
// Debug/test utility.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var v map[string]any
	if err := decodeJSON(w, r, &v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	sent := s.router.Broadcast(v)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sent": sent})
}
