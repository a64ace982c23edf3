package main

import (
	"bytes"
	"net/http"

	"github.com/goccy/go-json"

	"swing-cam/ledger"
)

type lmStatusResponse struct {
	State               string `json:"state"`
	ElapsedArmedSeconds int    `json:"elapsed_armed_seconds"`
	MaxDuration         int    `json:"max_duration"`
}

// parseBallData accepts either {"ballData": {...}} or the ball fields at the
// top level. An empty body is a shot without metadata.
func parseBallData(body []byte) (*ledger.BallData, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var wrapped struct {
		BallData *ledger.BallData `json:"ballData"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.BallData != nil {
		return wrapped.BallData, nil
	}
	var flat ledger.BallData
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, err
	}
	if flat == (ledger.BallData{}) {
		return nil, nil
	}
	return &flat, nil
}

func (s *APIServer) handleArm(w http.ResponseWriter, r *http.Request) {
	if _, err := s.machine.Arm(); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "armed",
		"max_duration": int(s.machine.MaxArmDuration().Seconds()),
	})
}

func (s *APIServer) handleShotDetected(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ball, err := parseBallData(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ball data")
		return
	}

	shot, err := s.machine.ShotDetected(ball)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "success",
		"filename": shot.ClipID,
	})
}

func (s *APIServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.machine.Cancel() {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"message": "Already idle",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancelled",
	})
}

func (s *APIServer) handleLMStatus(w http.ResponseWriter, r *http.Request) {
	st := s.machine.Status()
	writeJSON(w, http.StatusOK, lmStatusResponse{
		State:               string(st.State),
		ElapsedArmedSeconds: int(st.Elapsed.Seconds()),
		MaxDuration:         int(st.MaxDuration.Seconds()),
	})
}
