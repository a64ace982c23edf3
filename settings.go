package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gookit/validate"

	"swing-cam/launchmonitor"
)

// RecordingSettings is the small record in the data dir that holds clip
// defaults. It is separate from the process config so it can be edited
// through the API without a restart.
type RecordingSettings struct {
	DurationMs         int `json:"duration_ms" validate:"required|min:100|max:60000"`
	PostTriggerDelayMs int `json:"post_trigger_delay_ms" validate:"min:0|max:10000"`
}

func DefaultRecordingSettings() RecordingSettings {
	return RecordingSettings{
		DurationMs:         DefaultClipDurationMs,
		PostTriggerDelayMs: DefaultPostTriggerDelayMs,
	}
}

func (s RecordingSettings) Validate() error {
	v := validate.Struct(&s)
	if !v.Validate() {
		return fmt.Errorf("invalid settings: %s", v.Errors.One())
	}
	return nil
}

// ClipSettings converts to what the launch monitor reads at each shot.
func (s RecordingSettings) ClipSettings() launchmonitor.ClipSettings {
	return launchmonitor.ClipSettings{
		Duration:         time.Duration(s.DurationMs) * time.Millisecond,
		PostTriggerDelay: time.Duration(s.PostTriggerDelayMs) * time.Millisecond,
	}
}

type SettingsStore struct {
	path   string
	logger *Logger

	mu       sync.RWMutex
	settings RecordingSettings
}

// LoadSettings reads the settings record. A missing, unreadable or invalid
// record is not an error: the built-in defaults are used instead.
func LoadSettings(dataDir string, logger *Logger) *SettingsStore {
	ss := &SettingsStore{
		path:     filepath.Join(dataDir, SettingsFilename),
		logger:   logger,
		settings: DefaultRecordingSettings(),
	}

	data, err := os.ReadFile(ss.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("Failed to read %s, using defaults: %v", SettingsFilename, err)
		}
		return ss
	}

	var loaded RecordingSettings
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Warnf("Failed to parse %s, using defaults: %v", SettingsFilename, err)
		return ss
	}
	if err := loaded.Validate(); err != nil {
		logger.Warnf("Ignoring %s: %v", SettingsFilename, err)
		return ss
	}
	ss.settings = loaded
	return ss
}

func (ss *SettingsStore) Get() RecordingSettings {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.settings
}

// Update validates and persists new settings. They apply from the next shot.
func (ss *SettingsStore) Update(s RecordingSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmpFile := ss.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmpFile, ss.path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	ss.settings = s
	return nil
}
