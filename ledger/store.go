package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"
)

var (
	ErrNotFound  = errors.New("recording not found")
	ErrExists    = errors.New("recording already exists")
	ErrInvalidID = errors.New("invalid recording id")
)

// DefaultCacheBytes is enough for a few thousand encoded records.
const DefaultCacheBytes = 1024 * 1024

// Store keeps one JSON file per clip next to the clip itself. Writes go
// through a temp file and rename so a reader never sees a torn record, and
// every write refreshes the cache before the lock is released. A cache hit
// still checks that the sidecar exists.
type Store struct {
	dir   string
	mu    sync.RWMutex
	cache *freecache.Cache
}

// Open prepares dir for use as a ledger.
func Open(dir string, cacheBytes int) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	if cacheBytes <= 0 {
		cacheBytes = DefaultCacheBytes
	}
	return &Store{
		dir:   dir,
		cache: freecache.NewCache(cacheBytes),
	}, nil
}

// Dir returns the directory holding clips and their records.
func (s *Store) Dir() string {
	return s.dir
}

// ClipPath is where the clip for id lives on disk.
func (s *Store) ClipPath(id string) string {
	return filepath.Join(s.dir, id)
}

// Create writes a new record and fails if one with the same id exists.
func (s *Store) Create(rec Record) error {
	if !ValidID(rec.ID) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.metadataPath(rec.ID)); err == nil {
		return fmt.Errorf("%s: %w", rec.ID, ErrExists)
	}
	return s.writeLocked(rec)
}

// Update replaces an existing record.
func (s *Store) Update(rec Record) error {
	_, err := s.Modify(rec.ID, func(r *Record) error {
		*r = rec
		return nil
	})
	return err
}

// Modify runs a read-modify-write on one record while holding the write
// lock, so concurrent patches of the same record never lose an update.
func (s *Store) Modify(id string, fn func(*Record) error) (Record, error) {
	if !ValidID(id) {
		return Record{}, ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readLocked(id)
	if err != nil {
		return Record{}, err
	}
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	rec.ID = id
	if err := s.writeLocked(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the most recently written value of a record.
func (s *Store) Get(id string) (Record, error) {
	if !ValidID(id) {
		return Record{}, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(id)
}

// List returns every record, newest first.
func (s *Store) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, MetadataExtension) {
			continue
		}
		id := strings.TrimSuffix(name, MetadataExtension) + ClipExtension
		rec, err := s.readLocked(id)
		if err != nil {
			// A record we cannot parse is skipped rather than failing the listing
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes a record and its clip. It reports ErrNotFound only when
// neither existed.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

// DeleteAll removes every record and clip, returning how many were removed.
func (s *Store) DeleteAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	ids := make(map[string]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(name, MetadataExtension):
			ids[strings.TrimSuffix(name, MetadataExtension)+ClipExtension] = struct{}{}
		case strings.HasPrefix(name, ClipPrefix) && strings.HasSuffix(name, ClipExtension):
			ids[name] = struct{}{}
		}
	}

	var deleted int
	var errs []error
	for id := range ids {
		if err := s.deleteLocked(id); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Orphans lists clip files that have no record.
func (s *Store) Orphans() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, ClipPrefix) || !strings.HasSuffix(name, ClipExtension) {
			continue
		}
		if _, err := os.Stat(s.metadataPath(name)); errors.Is(err, os.ErrNotExist) {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.dir, metadataName(id))
}

func (s *Store) readLocked(id string) (Record, error) {
	key := []byte(id)
	data, err := s.cache.Get(key)
	if err == nil {
		// Sidecars removed outside the store invalidate the entry
		if _, statErr := os.Stat(s.metadataPath(id)); errors.Is(statErr, os.ErrNotExist) {
			s.cache.Del(key)
			return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
	} else {
		data, err = os.ReadFile(s.metadataPath(id))
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		if err != nil {
			return Record{}, fmt.Errorf("failed to read record %s: %w", id, err)
		}
		s.cache.Set(key, data, 0)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.cache.Del(key)
		return Record{}, fmt.Errorf("failed to parse record %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) writeLocked(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}

	path := s.metadataPath(rec.ID)
	tmpFile := path + ".tmp"
	file, err := os.Create(tmpFile)
	if err != nil {
		return err
	}

	if _, err = file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return err
	}
	if err = file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return err
	}
	if err = file.Close(); err != nil {
		os.Remove(tmpFile)
		return err
	}
	if err = os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return err
	}

	s.cache.Set([]byte(rec.ID), data, 0)
	return nil
}

func (s *Store) deleteLocked(id string) error {
	s.cache.Del([]byte(id))

	found := false
	for _, path := range []string{s.ClipPath(id), s.metadataPath(id)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
		}
	}
	if !found {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
