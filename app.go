package main

import (
	"context"
	"fmt"
	"time"

	"swing-cam/camera"
	"swing-cam/clip"
	"swing-cam/launchmonitor"
	"swing-cam/ledger"
)

// App holds the wired components of a running process.
type App struct {
	config    *Config
	logger    *Logger
	metrics   MetricsProviderInterface
	store     *ledger.Store
	device    *camera.Device
	scheduler *launchmonitor.Scheduler
	machine   *launchmonitor.Machine
	storage   *StorageManager
	settings  *SettingsStore
	recorder  *ManualRecorder
	server    *APIServer
}

func newBackend(config *Config, logger *Logger) (camera.Backend, error) {
	if config.SourceFile != "" {
		logger.Printf("Replaying %s instead of the camera", config.SourceFile)
		return camera.NewFileBackend(config.SourceFile), nil
	}

	capture := camera.CaptureConfig{
		Device:      config.CameraDevice,
		Width:       config.VideoResWidth,
		Height:      config.VideoResHeight,
		FPS:         config.VideoFPS,
		Rotation:    config.VideoRotation,
		Encoder:     config.VideoEncoder,
		KeyframeInt: config.KeyframeInt,
		ShutterUs:   config.ShutterMicros(),
	}

	switch config.CameraBackend {
	case "rpicam":
		backend, err := camera.NewRpicamBackend(capture, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "auto":
		if camera.IsCSICamera(logger) {
			backend, err := camera.NewRpicamBackend(capture, logger)
			if err == nil {
				logger.Printf("CSI camera detected, recording with rpicam-vid")
				return backend, nil
			}
			logger.Warnf("CSI camera detected but unusable, falling back to ffmpeg: %v", err)
		}
	}
	return camera.NewFFmpegBackend(capture, logger), nil
}

// NewApp wires the components around a camera backend.
func NewApp(config *Config, backend camera.Backend, logger *Logger) (*App, error) {
	metrics := NewMetricsProvider(config)

	store, err := ledger.Open(clipDir(config.DataDir), ledger.DefaultCacheBytes)
	if err != nil {
		return nil, err
	}

	// Rolling buffers from a previous run are useless now
	if _, err := launchmonitor.SweepTemp(store.Dir(), logger); err != nil {
		logger.Warnf("Failed to sweep rolling buffers: %v", err)
	}

	settings := LoadSettings(config.DataDir, logger)
	device := camera.NewDevice(backend, logger)

	scheduler := launchmonitor.NewScheduler(store, clip.Extract, logger, metrics)
	scheduler.OnError(func(job launchmonitor.Job, err error) {
		logger.Warnf("Shot %s produced no clip: %v", job.ClipID, err)
	})

	machine, err := launchmonitor.New(launchmonitor.Config{
		Camera:         device,
		Ledger:         store,
		Scheduler:      scheduler,
		Logger:         logger,
		Metrics:        metrics,
		TempDir:        store.Dir(),
		MaxArmDuration: time.Duration(config.MaxArmSeconds) * time.Second,
		Settings: func() launchmonitor.ClipSettings {
			return settings.Get().ClipSettings()
		},
	})
	if err != nil {
		return nil, err
	}

	storage := NewStorageManager(store, config.StorageCapGB, logger, metrics)
	scheduler.OnComplete(func(launchmonitor.Job, clip.Result) {
		storage.Invalidate()
	})

	recorder := NewManualRecorder(device, store, logger)

	app := &App{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		store:     store,
		device:    device,
		scheduler: scheduler,
		machine:   machine,
		storage:   storage,
		settings:  settings,
		recorder:  recorder,
	}
	app.server = NewAPIServer(config, ServerDeps{
		Machine:  machine,
		Store:    store,
		Storage:  storage,
		Settings: settings,
		Recorder: recorder,
		Device:   device,
		Metrics:  metrics,
	}, logger)
	return app, nil
}

// Run serves until ctx is done or the server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.storage.ReportOrphans(); err != nil {
		a.logger.Warnf("%v", err)
	}
	if _, err := a.storage.EnforceCap(); err != nil {
		a.logger.Warnf("Storage cleanup error: %v", err)
	}
	a.storage.Start()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- a.server.Start()
	}()

	var runErr error
	select {
	case err := <-serverDone:
		if err != nil {
			runErr = fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
		a.logger.Printf("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ServerShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warnf("HTTP shutdown: %v", err)
	}

	a.storage.Stop()
	a.machine.Close()
	a.recorder.Wait()
	return runErr
}
