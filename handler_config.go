package main

import (
	"errors"
	"net/http"
	"time"

	"swing-cam/camera"
)

func (s *APIServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

// handleUpdateSettings applies a partial update: fields missing from the
// body keep their current value.
func (s *APIServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	updated := s.settings.Get()
	if err := decodeBody(w, r, &updated); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := updated.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.settings.Update(updated); err != nil {
		s.logger.Errorf("Failed to save settings: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	s.logger.Printf("Settings updated: duration %dms, post-trigger delay %dms", updated.DurationMs, updated.PostTriggerDelayMs)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"settings": updated,
	})
}

func (s *APIServer) handleManualRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationMs int `json:"duration_ms"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.DurationMs == 0 {
		req.DurationMs = s.settings.Get().DurationMs
	}

	id, _, err := s.recorder.Record(time.Duration(req.DurationMs) * time.Millisecond)
	switch {
	case errors.Is(err, camera.ErrBusy):
		writeError(w, http.StatusConflict, "Camera busy")
		return
	case errors.Is(err, errInvalidDuration):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "recording",
		"filename":    id,
		"duration_ms": req.DurationMs,
	})
}
