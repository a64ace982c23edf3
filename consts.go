package main

import "time"

// =============================================================================
// Server Timeouts
// =============================================================================

const (
	ServerReadTimeout       = 30 * time.Second
	ServerIdleTimeout       = 120 * time.Second
	ServerReadHeaderTimeout = 10 * time.Second
	ServerWriteTimeout      = 0 // 0 = no timeout (needed for clip streaming)
	ServerShutdownTimeout   = 10 * time.Second

	HTTPMaxHeaderBytes = 1 << 20
	MaxRequestBodyKB   = 64
)

// =============================================================================
// Storage and Data Conversions
// =============================================================================

const (
	BytesPerKB = 1024
	BytesPerMB = 1024 * 1024
	BytesPerGB = 1024 * 1024 * 1024

	StorageCheckInterval = 30 * time.Second
	StorageStatsCacheTTL = 5 * time.Second
)

// =============================================================================
// Default Configuration Values
// =============================================================================

const (
	AppName = "swing-cam"

	DefaultPort         = 8080
	DefaultStorageCapGB = 10
	DefaultLogLevel     = "info"

	// Capture defaults, tuned for a swing: high frame rate, short GOP
	DefaultVideoFPS      = 120
	DefaultVideoWidth    = 1280
	DefaultVideoHeight   = 720
	DefaultKeyframeInt   = 30 // frames, a quarter second at 120 fps
	DefaultShutterMode   = "auto"
	DefaultCameraDevice  = "/dev/video0"
	DefaultCameraBackend = "auto" // rpicam for CSI cameras, ffmpeg otherwise

	// Recording settings record
	DefaultClipDurationMs     = 2000
	DefaultPostTriggerDelayMs = 500
	SettingsFilename          = "settings.json"

	StreamTokenTTL = 15 * time.Minute
)

// Environment overrides, applied after the config file is read
const (
	EnvPort     = "SWINGCAM_PORT"
	EnvDataDir  = "SWINGCAM_DATA_DIR"
	EnvLogLevel = "SWINGCAM_LOG_LEVEL"
)
