package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	return store
}

func placeholder(store *Store, at time.Time) Record {
	id := NewClipID(at)
	return Record{
		ID:         id,
		CreatedAt:  at,
		DurationMs: 2000,
		FilePath:   store.ClipPath(id),
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	rec := placeholder(store, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec.ShotMetadata = &ShotMetadata{BallData: &BallData{BallSpeed: ptr(150.0)}}

	require.NoError(t, store.Create(rec))

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.False(t, got.Ready())
	require.NotNil(t, got.ShotMetadata)
	assert.Equal(t, 150.0, *got.ShotMetadata.BallData.BallSpeed)
}

func TestCreate_Duplicate(t *testing.T) {
	store := newTestStore(t)
	rec := placeholder(store, time.Now())
	require.NoError(t, store.Create(rec))
	assert.ErrorIs(t, store.Create(rec), ErrExists)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("swing_missing.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_SidecarRemovedExternally(t *testing.T) {
	store := newTestStore(t)
	rec := placeholder(store, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, store.Create(rec))

	// Warm the cache, then delete the record outside the store
	_, err := store.Get(rec.ID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(store.metadataPath(rec.ID)))

	_, err = store.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.cache.Get([]byte(rec.ID))
	assert.Error(t, err, "stale entry should be dropped from the cache")
}

func TestGet_InvalidID(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"", "../etc/passwd.mp4", ".hidden.mp4", "clip.mov", "a/b.mp4"} {
		_, err := store.Get(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestUpdate_ReflectsLatestWrite(t *testing.T) {
	store := newTestStore(t)
	rec := placeholder(store, time.Now())
	require.NoError(t, store.Create(rec))

	// Prime the cache with the placeholder
	_, err := store.Get(rec.ID)
	require.NoError(t, err)

	rec.ByteSize = 4096
	require.NoError(t, store.Update(rec))

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.ByteSize)
	assert.True(t, got.Ready())
}

func TestUpdate_Missing(t *testing.T) {
	store := newTestStore(t)
	assert.ErrorIs(t, store.Update(placeholder(store, time.Now())), ErrNotFound)
}

func TestModify_ConcurrentPatchesDoNotLoseUpdates(t *testing.T) {
	store := newTestStore(t)
	rec := placeholder(store, time.Now())
	require.NoError(t, store.Create(rec))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := store.Modify(rec.ID, func(r *Record) error {
			r.ByteSize = 1234
			return nil
		})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := store.Modify(rec.ID, func(r *Record) error {
			r.ShotMetadata = r.ShotMetadata.Merge(ShotMetadata{ClubData: &ClubData{ClubSpeed: ptr(100.0)}}, time.Now())
			return nil
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), got.ByteSize)
	require.NotNil(t, got.ShotMetadata)
	assert.Equal(t, 100.0, *got.ShotMetadata.ClubData.ClubSpeed)
}

func TestList_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(placeholder(store, base.Add(time.Duration(i)*time.Minute))))
	}

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].CreatedAt.After(records[1].CreatedAt))
	assert.True(t, records[1].CreatedAt.After(records[2].CreatedAt))
}

func TestList_SkipsCorruptRecords(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(placeholder(store, time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "swing_broken.json"), []byte("{not json"), 0644))

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDelete_RemovesClipAndRecord(t *testing.T) {
	store := newTestStore(t)
	rec := placeholder(store, time.Now())
	require.NoError(t, store.Create(rec))
	require.NoError(t, os.WriteFile(rec.FilePath, []byte("clip"), 0644))

	require.NoError(t, store.Delete(rec.ID))

	_, err := os.Stat(rec.FilePath)
	assert.True(t, os.IsNotExist(err))
	_, err = store.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(rec.ID), ErrNotFound)
}

func TestDeleteAll(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()
	for i := 0; i < 2; i++ {
		rec := placeholder(store, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Create(rec))
		require.NoError(t, os.WriteFile(rec.FilePath, []byte("clip"), 0644))
	}
	require.NoError(t, os.WriteFile(store.ClipPath("swing_orphan.mp4"), []byte("x"), 0644))

	deleted, err := store.DeleteAll()
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOrphans(t *testing.T) {
	store := newTestStore(t)
	rec := placeholder(store, time.Now())
	require.NoError(t, store.Create(rec))
	require.NoError(t, os.WriteFile(rec.FilePath, []byte("clip"), 0644))
	require.NoError(t, os.WriteFile(store.ClipPath("swing_lost.mp4"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(store.ClipPath("temp_lm_abc.mp4"), []byte("x"), 0644))

	orphans, err := store.Orphans()
	require.NoError(t, err)
	assert.Equal(t, []string{"swing_lost.mp4"}, orphans)
}

func TestShotMetadataMerge(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	ball := &BallData{BallSpeed: ptr(150.0), SpinRate: ptr(2500)}
	club := &ClubData{ClubSpeed: ptr(105.0), ClubType: ptr("Driver")}

	t.Run("nil receiver", func(t *testing.T) {
		var m *ShotMetadata
		merged := m.Merge(ShotMetadata{ClubData: club}, now)
		assert.Nil(t, merged.BallData)
		assert.Equal(t, club, merged.ClubData)
		assert.Equal(t, now.UnixMilli(), merged.Timestamp)
	})

	t.Run("keeps ball data when patching club data", func(t *testing.T) {
		m := &ShotMetadata{BallData: ball}
		merged := m.Merge(ShotMetadata{ClubData: club}, now)
		assert.Equal(t, ball, merged.BallData)
		assert.Equal(t, club, merged.ClubData)
	})

	t.Run("replaces sub-object wholesale", func(t *testing.T) {
		m := &ShotMetadata{BallData: ball}
		merged := m.Merge(ShotMetadata{BallData: &BallData{LaunchAngle: ptr(12.5)}}, now)
		assert.Nil(t, merged.BallData.BallSpeed)
		assert.Nil(t, merged.BallData.SpinRate)
		assert.Equal(t, 12.5, *merged.BallData.LaunchAngle)
	})

	t.Run("does not mutate the receiver", func(t *testing.T) {
		m := &ShotMetadata{BallData: ball}
		m.Merge(ShotMetadata{ClubData: club}, now)
		assert.Nil(t, m.ClubData)
	})
}

func TestNewClipID(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 30, 5, 42*int(time.Millisecond), time.UTC)
	id := NewClipID(at)
	assert.Equal(t, "swing_20261015_093005_042.mp4", id)
	assert.True(t, ValidID(id))
}
