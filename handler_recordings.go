package main

import (
	"errors"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-json"

	"swing-cam/ledger"
)

func (s *APIServer) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *APIServer) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.storage.Invalidate()
	s.logger.Printf("Deleted recording %s", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
	})
}

func (s *APIServer) handleDeleteAllRecordings(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteAll()
	s.storage.Invalidate()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Printf("Deleted all recordings (%d)", deleted)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"deleted": deleted,
	})
}

// metadataUpdate is {"clubData": {...}}, {"ballData": {...}}, both, or the
// club fields at the top level.
func parseMetadataUpdate(body []byte) (ledger.ShotMetadata, error) {
	var update ledger.ShotMetadata
	if err := json.Unmarshal(body, &update); err != nil {
		return update, err
	}
	if update.BallData != nil || update.ClubData != nil {
		return update, nil
	}
	var flat ledger.ClubData
	if err := json.Unmarshal(body, &flat); err != nil {
		return update, err
	}
	if flat != (ledger.ClubData{}) {
		update.ClubData = &flat
	}
	return update, nil
}

func (s *APIServer) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	update, err := parseMetadataUpdate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid metadata")
		return
	}
	if update.BallData == nil && update.ClubData == nil {
		writeError(w, http.StatusBadRequest, "No ball or club data in request")
		return
	}

	rec, err := s.store.Modify(id, func(rec *ledger.Record) error {
		rec.ShotMetadata = rec.ShotMetadata.Merge(update, time.Now())
		return nil
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "success",
		"shotMetadata": rec.ShotMetadata,
	})
}

// handleStreamRecording serves a finished clip with Range support. A
// placeholder is reported as not found until its extraction completes.
func (s *APIServer) handleStreamRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !rec.Ready() {
		writeError(w, http.StatusNotFound, "Recording not ready")
		return
	}

	file, err := os.Open(s.store.ClipPath(id))
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "Recording file not found")
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, id, rec.CreatedAt, file)
}

func (s *APIServer) handleRecordingToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		s.writeErr(w, err)
		return
	}

	token, expires, err := s.auth.GenerateClipToken(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
		"url":        "/api/recordings/" + url.PathEscape(id) + "/stream?token=" + url.QueryEscape(token),
	})
}
