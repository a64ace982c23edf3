package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"swing-cam/camera"
	"swing-cam/launchmonitor"
	"swing-cam/ledger"
)

// ServerDeps are the components the control surface drives.
type ServerDeps struct {
	Machine  *launchmonitor.Machine
	Store    *ledger.Store
	Storage  *StorageManager
	Settings *SettingsStore
	Recorder *ManualRecorder
	Device   *camera.Device
	Metrics  MetricsProviderInterface
}

type APIServer struct {
	config    *Config
	logger    *Logger
	auth      *AuthMiddleware
	machine   *launchmonitor.Machine
	store     *ledger.Store
	storage   *StorageManager
	settings  *SettingsStore
	recorder  *ManualRecorder
	device    *camera.Device
	metrics   MetricsProviderInterface
	server    *http.Server
	startTime time.Time
}

type StorageStats struct {
	UsedBytes int64   `json:"used_bytes"`
	CapBytes  int64   `json:"cap_bytes"`
	UsedGB    float64 `json:"used_gb"`
	CapGB     int     `json:"cap_gb"`
	Percent   int     `json:"percent"`
}

type StatusResponse struct {
	Status      string            `json:"status"`
	State       string            `json:"state"`
	CameraOwner string            `json:"camera_owner,omitempty"`
	Storage     StorageStats      `json:"storage"`
	Settings    RecordingSettings `json:"settings"`
	Recordings  int               `json:"recordings"`
	Pending     int               `json:"pending"`
	Uptime      string            `json:"uptime"`
}

func NewAPIServer(config *Config, deps ServerDeps, logger *Logger) *APIServer {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = &noopMetrics{}
	}
	s := &APIServer{
		config:    config,
		logger:    logger,
		auth:      NewAuthMiddleware(config.AuthToken),
		machine:   deps.Machine,
		store:     deps.Store,
		storage:   deps.Storage,
		settings:  deps.Settings,
		recorder:  deps.Recorder,
		device:    deps.Device,
		metrics:   metrics,
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           s.Handler(),
		ReadTimeout:       ServerReadTimeout,
		WriteTimeout:      ServerWriteTimeout,
		IdleTimeout:       ServerIdleTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
		MaxHeaderBytes:    HTTPMaxHeaderBytes,
	}
	return s
}

// Handler builds the full route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check and metrics (no auth)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.config.MetricsEnabled {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// API endpoints (with auth)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)

	apiMux.HandleFunc("POST /api/lm/arm", s.handleArm)
	apiMux.HandleFunc("POST /api/lm/shot-detected", s.handleShotDetected)
	apiMux.HandleFunc("POST /api/lm/cancel", s.handleCancel)
	apiMux.HandleFunc("GET /api/lm/status", s.handleLMStatus)

	apiMux.HandleFunc("GET /api/recordings", s.handleListRecordings)
	apiMux.HandleFunc("DELETE /api/recordings", s.handleDeleteAllRecordings)
	apiMux.HandleFunc("DELETE /api/recordings/{id}", s.handleDeleteRecording)
	apiMux.HandleFunc("PUT /api/recordings/{id}/metadata", s.handleUpdateMetadata)
	apiMux.HandleFunc("POST /api/recordings/{id}/metadata", s.handleUpdateMetadata)
	apiMux.HandleFunc("GET /api/recordings/{id}/stream", s.handleStreamRecording)
	apiMux.HandleFunc("GET /api/recordings/{id}/token", s.handleRecordingToken)

	apiMux.HandleFunc("POST /api/record", s.handleManualRecord)

	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	mux.Handle("/api/", s.auth.Check(apiMux))

	return s.instrument(mux)
}

func (s *APIServer) Start() error {
	s.logger.Printf("HTTP server starting on port %d", s.config.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		// Pattern is filled in by the mux that served the request
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.IncRequestsTotal(route, sr.status)
		s.metrics.ObserveRequestDuration(route, time.Since(started))
		s.logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, sr.status, time.Since(started).Round(time.Microsecond))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{
		"status":  "error",
		"message": message,
	})
}

// errorStatus maps component errors to HTTP codes: guard rejections are
// conflicts, unknown clips are 404, everything else is a server fault.
func errorStatus(err error) int {
	switch {
	case launchmonitor.IsRejection(err), errors.Is(err, camera.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeErr(w http.ResponseWriter, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}
	writeError(w, code, err.Error())
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyKB*BytesPerKB)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyKB*BytesPerKB)
	return io.ReadAll(r.Body)
}
