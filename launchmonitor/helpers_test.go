package launchmonitor

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/require"

	"swing-cam/camera"
	"swing-cam/clip"
	"swing-cam/ledger"
)

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// fakeBackend writes content to the buffer path on start and tracks how
// many captures overlap.
type fakeBackend struct {
	content []byte
	live    atomic.Int32
	maxLive atomic.Int32
	starts  atomic.Int32
	stopErr error

	// stopGate, when set, holds every Stop until it is closed
	stopGate  chan struct{}
	stopCalls atomic.Int32
}

func (b *fakeBackend) Start(path string) (camera.Recording, error) {
	if err := os.WriteFile(path, b.content, 0644); err != nil {
		return nil, err
	}
	b.starts.Add(1)
	n := b.live.Add(1)
	for {
		cur := b.maxLive.Load()
		if n <= cur || b.maxLive.CompareAndSwap(cur, n) {
			break
		}
	}
	return fakeRecording{b}, nil
}

type fakeRecording struct{ b *fakeBackend }

func (r fakeRecording) Stop() error {
	r.b.stopCalls.Add(1)
	if r.b.stopGate != nil {
		<-r.b.stopGate
	}
	r.b.live.Add(-1)
	return r.b.stopErr
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// writingExtractor writes a fixed payload as the clip. When gate is set it
// blocks until the gate is closed.
type writingExtractor struct {
	gate    chan struct{}
	err     error
	payload []byte
	calls   atomic.Int32
}

func (e *writingExtractor) Extract(src string, target time.Duration, out string) (clip.Result, error) {
	e.calls.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	if e.err != nil {
		return clip.Result{}, e.err
	}
	if _, err := os.Stat(src); err != nil {
		return clip.Result{}, err
	}
	if err := os.WriteFile(out, e.payload, 0644); err != nil {
		return clip.Result{}, err
	}
	return clip.Result{Path: out, Bytes: int64(len(e.payload)), Duration: target}, nil
}

type harness struct {
	machine   *Machine
	scheduler *Scheduler
	store     *ledger.Store
	device    *camera.Device
	backend   *fakeBackend
	clock     *fakeClock
	tempDir   string
}

type harnessOption func(*Config)

func withMaxArm(d time.Duration) harnessOption {
	return func(c *Config) { c.MaxArmDuration = d }
}

func withSleep(fn func(time.Duration)) harnessOption {
	return func(c *Config) { c.Sleep = fn }
}

func newHarness(t *testing.T, extract Extractor, opts ...harnessOption) *harness {
	t.Helper()
	dataDir := t.TempDir()
	store, err := ledger.Open(dataDir, 0)
	require.NoError(t, err)

	backend := &fakeBackend{content: []byte("rolling buffer")}
	device := camera.NewDevice(backend, nopLogger{})
	scheduler := NewScheduler(store, extract, nopLogger{}, nil)
	clock := newFakeClock()
	tempDir := filepath.Join(dataDir, "buffers")

	cfg := Config{
		Camera:    device,
		Ledger:    store,
		Scheduler: scheduler,
		Logger:    nopLogger{},
		TempDir:   tempDir,
		Settings: func() ClipSettings {
			return ClipSettings{Duration: 2 * time.Second, PostTriggerDelay: 0}
		},
		Now:   clock.Now,
		Sleep: func(time.Duration) {},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &harness{
		machine:   m,
		scheduler: scheduler,
		store:     store,
		device:    device,
		backend:   backend,
		clock:     clock,
		tempDir:   tempDir,
	}
}

func (h *harness) tempFiles(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(h.tempDir, TempPrefix+"*"))
	require.NoError(t, err)
	return matches
}

func (h *harness) records(t *testing.T) []ledger.Record {
	t.Helper()
	records, err := h.store.List()
	require.NoError(t, err)
	return records
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "extraction did not finish")
		return errors.New("unreachable")
	}
}

// writeTestMovie writes a seconds-long 30 fps video with a keyframe every
// half second.
func writeTestMovie(t *testing.T, path string, seconds int) {
	t.Helper()
	stsd := mp4.NewStsdBox()
	stsd.AddChild(mp4.CreateVisualSampleEntryBox("avc1", 1280, 720, nil))

	var payload bytes.Buffer
	track := clip.NewTrack(1, clip.HandlerVideo, 3000, stsd)
	for i := 0; i < seconds*30; i++ {
		frame := bytes.Repeat([]byte{byte(i)}, 64+i%5)
		track.Samples = append(track.Samples, clip.Sample{
			Offset:   int64(payload.Len()),
			Size:     uint32(len(frame)),
			DTS:      uint64(i * 100),
			Duration: 100,
			Sync:     i%15 == 0,
			SDI:      1,
		})
		payload.Write(frame)
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, clip.WriteMovie(f, bytes.NewReader(payload.Bytes()), &clip.Movie{Timescale: 1000, Tracks: []*clip.Track{track}}))
}
