package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roylee0704/gron"

	"swing-cam/ledger"
)

// StalePlaceholderAge is how old a zero-size record must be before the
// maintenance pass reports it.
const StalePlaceholderAge = 10 * time.Minute

type StorageManager struct {
	store    *ledger.Store
	capBytes int64
	logger   *Logger
	metrics  MetricsProviderInterface
	cron     *gron.Cron
	now      func() time.Time

	mu          sync.Mutex
	lastUsed    int64 // Cache last calculated storage usage
	lastChecked time.Time
}

// NewStorageManager keeps the clip directory under capGB. A cap of zero
// disables pruning.
func NewStorageManager(store *ledger.Store, capGB int, logger *Logger, metrics MetricsProviderInterface) *StorageManager {
	return &StorageManager{
		store:    store,
		capBytes: int64(capGB) * BytesPerGB,
		logger:   logger,
		metrics:  metrics,
		cron:     gron.New(),
		now:      time.Now,
	}
}

func (sm *StorageManager) Start() {
	sm.cron.AddFunc(gron.Every(StorageCheckInterval), func() {
		if _, err := sm.EnforceCap(); err != nil {
			sm.logger.Warnf("Storage cleanup error: %v", err)
		}
		sm.reportStalePlaceholders()
	})
	sm.cron.Start()
}

func (sm *StorageManager) Stop() {
	sm.cron.Stop()
}

// EnforceCap deletes the oldest finished clips until usage is under the
// cap. Placeholders are never pruned since their extraction may still be
// running.
func (sm *StorageManager) EnforceCap() (int, error) {
	used, err := sm.measure()
	if err != nil {
		return 0, err
	}
	if sm.capBytes <= 0 || used <= sm.capBytes {
		return 0, nil
	}

	records, err := sm.store.List()
	if err != nil {
		return 0, err
	}

	deletedCount := 0
	for i := len(records) - 1; i >= 0 && used > sm.capBytes; i-- {
		rec := records[i]
		if !rec.Ready() {
			continue
		}
		if err := sm.store.Delete(rec.ID); err != nil {
			sm.logger.Warnf("Failed to delete %s: %v", rec.ID, err)
			continue
		}
		deletedCount++
		used -= rec.ByteSize
		sm.logger.Printf("Deleted old clip: %s (created: %s, size: %.2f MB)",
			rec.ID,
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			float64(rec.ByteSize)/BytesPerMB)
	}

	sm.mu.Lock()
	sm.lastUsed = used
	sm.lastChecked = sm.now()
	sm.mu.Unlock()
	sm.metrics.SetStorageUsed(used)

	if deletedCount > 0 {
		sm.metrics.IncClipsPruned(deletedCount)
		sm.logger.Printf("Storage cleanup complete: deleted %d clip(s), now using %.2f GB / %.0f GB",
			deletedCount,
			float64(used)/BytesPerGB,
			float64(sm.capBytes)/BytesPerGB)
	}
	return deletedCount, nil
}

func (sm *StorageManager) GetStorageStats() (used int64, cap int64, err error) {
	sm.mu.Lock()
	if sm.now().Sub(sm.lastChecked) < StorageStatsCacheTTL && !sm.lastChecked.IsZero() {
		used = sm.lastUsed
		sm.mu.Unlock()
		return used, sm.capBytes, nil
	}
	sm.mu.Unlock()

	used, err = sm.measure()
	if err != nil {
		return 0, 0, err
	}
	return used, sm.capBytes, nil
}

// Invalidate drops the cached usage, e.g. after a delete through the API.
func (sm *StorageManager) Invalidate() {
	sm.mu.Lock()
	sm.lastChecked = time.Time{}
	sm.mu.Unlock()
}

// ReportOrphans logs clip files that have no record. They are left alone:
// only the user decides whether an unlisted clip is worth keeping.
func (sm *StorageManager) ReportOrphans() ([]string, error) {
	orphans, err := sm.store.Orphans()
	if err != nil {
		return nil, fmt.Errorf("failed to scan for orphans: %w", err)
	}
	for _, name := range orphans {
		sm.logger.Warnf("Clip without a record: %s", name)
	}
	return orphans, nil
}

func (sm *StorageManager) reportStalePlaceholders() {
	records, err := sm.store.List()
	if err != nil {
		sm.logger.Warnf("Failed to list recordings: %v", err)
		return
	}
	for _, rec := range records {
		if !rec.Ready() && sm.now().Sub(rec.CreatedAt) > StalePlaceholderAge {
			sm.logger.Warnf("Recording %s has been pending since %s", rec.ID, rec.CreatedAt.Format(time.RFC3339))
		}
	}
}

// measure sums every regular file in the clip directory, records and
// rolling buffers included.
func (sm *StorageManager) measure() (int64, error) {
	entries, err := os.ReadDir(sm.store.Dir())
	if err != nil {
		return 0, fmt.Errorf("failed to read data directory: %w", err)
	}

	var used int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		used += info.Size()
	}

	sm.mu.Lock()
	sm.lastUsed = used
	sm.lastChecked = sm.now()
	sm.mu.Unlock()
	sm.metrics.SetStorageUsed(used)

	return used, nil
}

// clipDir is where the ledger keeps clips within the data dir.
func clipDir(dataDir string) string {
	return filepath.Join(dataDir, "clips")
}
