package main

import (
	"fmt"
	"net/http"
	"time"
)

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	used, cap, err := s.storage.GetStorageStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get storage stats")
		return
	}

	records, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list recordings")
		return
	}
	pending := 0
	for _, rec := range records {
		if !rec.Ready() {
			pending++
		}
	}

	percent := 0
	if cap > 0 {
		percent = int((used * 100) / cap)
	}

	owner, _ := s.device.Owner()
	status := StatusResponse{
		Status:      "ok",
		State:       string(s.machine.Status().State),
		CameraOwner: owner,
		Storage: StorageStats{
			UsedBytes: used,
			CapBytes:  cap,
			UsedGB:    float64(used) / BytesPerGB,
			CapGB:     s.config.StorageCapGB,
			Percent:   percent,
		},
		Settings:   s.settings.Get(),
		Recordings: len(records),
		Pending:    pending,
		Uptime:     fmt.Sprintf("%d seconds", int(time.Since(s.startTime).Seconds())),
	}

	writeJSON(w, http.StatusOK, status)
}
