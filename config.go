package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adrg/xdg"
	"github.com/goccy/go-json"
	"github.com/gookit/validate"
)

type Config struct {
	Port           int    `json:"port" validate:"required|min:1|max:65535"`
	DataDir        string `json:"data_dir" validate:"required"`
	StorageCapGB   int    `json:"storage_cap_gb" validate:"min:0"`
	AuthToken      string `json:"auth_token" validate:"required"`
	LogLevel       string `json:"log_level" validate:"in:trace,debug,info,warn,error"`
	MetricsEnabled bool   `json:"metrics_enabled"`

	CameraBackend  string `json:"camera_backend" validate:"in:auto,ffmpeg,rpicam"`
	CameraDevice   string `json:"camera_device"` // e.g., /dev/video0
	VideoFPS       int    `json:"video_fps" validate:"required|min:1|max:1000"`
	VideoResWidth  int    `json:"video_res_width" validate:"required|min:16"`
	VideoResHeight int    `json:"video_res_height" validate:"required|min:16"`
	VideoRotation  int    `json:"video_rotation"`
	VideoEncoder   string `json:"video_encoder"` // empty = auto-detect
	KeyframeInt    int    `json:"keyframe_int"`  // frames between keyframes
	ShutterMode    string `json:"shutter_mode" validate:"in:auto,fast_motion,ultra_fast"`
	SourceFile     string `json:"source_file"`   // replay a file instead of the camera
	MaxArmSeconds  int    `json:"max_arm_seconds" validate:"min:0"`
}

func DefaultConfig() *Config {
	return &Config{
		Port:           DefaultPort,
		DataDir:        filepath.Join(xdg.StateHome, AppName), // clips go in a clips/ subdirectory
		StorageCapGB:   DefaultStorageCapGB,
		LogLevel:       DefaultLogLevel,
		CameraBackend:  DefaultCameraBackend,
		CameraDevice:   DefaultCameraDevice,
		VideoFPS:       DefaultVideoFPS,
		VideoResWidth:  DefaultVideoWidth,
		VideoResHeight: DefaultVideoHeight,
		KeyframeInt:    DefaultKeyframeInt,
		ShutterMode:    DefaultShutterMode,
		MaxArmSeconds:  60,
	}
}

// DefaultConfigPath is config.json in the XDG config directory.
func DefaultConfigPath() string {
	path, err := xdg.ConfigFile(AppName + "/config.json")
	if err != nil {
		return filepath.Join(os.ExpandEnv("$HOME"), ".config", AppName, "config.json")
	}
	return path
}

func LoadOrCreateConfig(configPath string) (*Config, error) {
	// Fields missing from an older file keep their defaults
	config := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		config.AuthToken = generateToken()
		if err := SaveConfig(config, configPath); err != nil {
			return nil, err
		}
		fmt.Printf("Created default config at %s\n", configPath)
		fmt.Printf("Auth token: %s\n", config.AuthToken)
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return config, nil
}

func SaveConfig(config *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return fmt.Errorf("invalid config: %s", v.Errors.One())
	}
	switch c.VideoRotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("invalid config: video_rotation must be 0, 90, 180 or 270, got %d", c.VideoRotation)
	}
	return nil
}

// ShutterMicros is the fixed exposure for the shutter mode, 0 for auto.
func (c *Config) ShutterMicros() int {
	switch c.ShutterMode {
	case "fast_motion":
		return 500 // 1/2000 s
	case "ultra_fast":
		return 250 // 1/4000 s
	default:
		return 0
	}
}

func applyEnv(config *Config) error {
	if port := os.Getenv(EnvPort); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		config.Port = n
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		config.DataDir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		config.LogLevel = level
	}
	return nil
}
