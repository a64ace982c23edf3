package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"swing-cam/camera"
	"swing-cam/clip"
	"swing-cam/launchmonitor"
	"swing-cam/ledger"
)

const testToken = "test-secret"

var testFrames = []byte("frames-from-the-camera")

// stubBackend writes a fixed payload the moment capture starts.
type stubBackend struct{}

func (stubBackend) Start(path string) (camera.Recording, error) {
	if err := os.WriteFile(path, testFrames, 0644); err != nil {
		return nil, err
	}
	return stubRecording{}, nil
}

type stubRecording struct{}

func (stubRecording) Stop() error { return nil }

// copyExtractor stands in for clip.Extract: the clip is the whole buffer.
func copyExtractor(src string, target time.Duration, out string) (clip.Result, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return clip.Result{}, err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return clip.Result{}, err
	}
	return clip.Result{Path: out, Bytes: int64(len(data)), Duration: target, Tracks: 1}, nil
}

type testServer struct {
	config   *Config
	handler  http.Handler
	store    *ledger.Store
	machine  *launchmonitor.Machine
	recorder *ManualRecorder
	settings *SettingsStore
	storage  *StorageManager
}

func quietLogger() *Logger {
	return newLoggerTo(io.Discard, "error", false)
}

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	dir := t.TempDir()

	config := DefaultConfig()
	config.DataDir = dir
	config.AuthToken = testToken
	for _, opt := range opts {
		opt(config)
	}

	logger := quietLogger()
	metrics := NewMetricsProvider(config)

	store, err := ledger.Open(clipDir(dir), 0)
	require.NoError(t, err)

	settings := LoadSettings(dir, logger)
	device := camera.NewDevice(stubBackend{}, logger)
	scheduler := launchmonitor.NewScheduler(store, copyExtractor, logger, metrics)

	machine, err := launchmonitor.New(launchmonitor.Config{
		Camera:    device,
		Ledger:    store,
		Scheduler: scheduler,
		Logger:    logger,
		Metrics:   metrics,
		TempDir:   store.Dir(),
		Settings: func() launchmonitor.ClipSettings {
			return settings.Get().ClipSettings()
		},
		Sleep: func(time.Duration) {},
	})
	require.NoError(t, err)
	t.Cleanup(machine.Close)

	storage := NewStorageManager(store, config.StorageCapGB, logger, metrics)
	recorder := NewManualRecorder(device, store, logger)
	recorder.sleep = func(time.Duration) {}

	api := NewAPIServer(config, ServerDeps{
		Machine:  machine,
		Store:    store,
		Storage:  storage,
		Settings: settings,
		Recorder: recorder,
		Device:   device,
		Metrics:  metrics,
	}, logger)

	return &testServer{
		config:   config,
		handler:  api.Handler(),
		store:    store,
		machine:  machine,
		recorder: recorder,
		settings: settings,
		storage:  storage,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doAnon(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// waitReady polls until the clip's extraction has filled in its size.
func (ts *testServer) waitReady(t *testing.T, id string) ledger.Record {
	t.Helper()
	var rec ledger.Record
	require.Eventually(t, func() bool {
		r, err := ts.store.Get(id)
		if err != nil {
			return false
		}
		rec = r
		return r.Ready()
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}
