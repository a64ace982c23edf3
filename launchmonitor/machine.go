// Package launchmonitor arms the camera ahead of a shot and turns the
// rolling buffer into a clip when the launch monitor reports one.
//
// The machine moves idle -> armed -> processing -> idle. Arming starts a
// capture into a temporary file; a shot waits the post-trigger delay, stops
// the capture and hands the file to the Scheduler, returning to idle before
// the clip is cut so the next shot can be armed straight away.
package launchmonitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swing-cam/camera"
	"swing-cam/ledger"
)

// State of the capture pipeline.
type State string

const (
	StateIdle       State = "idle"
	StateArmed      State = "armed"
	StateProcessing State = "processing"
)

const (
	// TempPrefix names rolling buffers so a crash leaves them recognizable.
	TempPrefix = "temp_lm_"

	// CaptureOwner labels sessions opened by the machine on the camera.
	CaptureOwner = "launch-monitor"

	DefaultMaxArmDuration = 60 * time.Second
)

// Camera opens exclusive capture sessions.
type Camera interface {
	Start(path, owner string) (*camera.Session, error)
}

// ClipSettings are read at every shot so edits apply to the next one.
type ClipSettings struct {
	Duration         time.Duration
	PostTriggerDelay time.Duration
}

// Config wires a Machine.
type Config struct {
	Camera    Camera
	Ledger    Ledger
	Scheduler *Scheduler
	Logger    Logger
	Metrics   Metrics

	// TempDir holds rolling buffers. It should be on the same filesystem as
	// the clips.
	TempDir        string
	MaxArmDuration time.Duration
	Settings       func() ClipSettings

	// Now and Sleep default to the real clock.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// Status is a snapshot of the machine.
type Status struct {
	State       State
	ArmedAt     time.Time
	Elapsed     time.Duration
	MaxDuration time.Duration
}

// Shot is an accepted trigger. Done receives the extraction result.
type Shot struct {
	ClipID string
	Done   <-chan error
}

// Machine serializes arm, shot and cancel against a single capture state.
type Machine struct {
	camera    Camera
	ledger    Ledger
	scheduler *Scheduler
	logger    Logger
	metrics   Metrics
	tempDir   string
	maxArm    time.Duration
	settings  func() ClipSettings
	now       func() time.Time
	sleep     func(time.Duration)

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped whenever the current capture is replaced or dropped
	session  *camera.Session
	armedAt  time.Time
	watchdog *time.Timer
}

// New creates an idle machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Camera == nil || cfg.Ledger == nil || cfg.Scheduler == nil {
		return nil, errors.New("launchmonitor: camera, ledger and scheduler are required")
	}
	if cfg.TempDir == "" {
		return nil, errors.New("launchmonitor: temp dir is required")
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	m := &Machine{
		camera:    cfg.Camera,
		ledger:    cfg.Ledger,
		scheduler: cfg.Scheduler,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tempDir:   cfg.TempDir,
		maxArm:    cfg.MaxArmDuration,
		settings:  cfg.Settings,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
		state:     StateIdle,
	}
	if m.metrics == nil {
		m.metrics = NoopMetrics{}
	}
	if m.maxArm <= 0 {
		m.maxArm = DefaultMaxArmDuration
	}
	if m.settings == nil {
		m.settings = func() ClipSettings {
			return ClipSettings{Duration: 2 * time.Second, PostTriggerDelay: 500 * time.Millisecond}
		}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sleep == nil {
		m.sleep = time.Sleep
	}
	m.metrics.State(StateIdle)
	return m, nil
}

// MaxArmDuration is how long an arm lasts without a shot.
func (m *Machine) MaxArmDuration() time.Duration { return m.maxArm }

// Arm starts a fresh rolling buffer. Arming while armed or processing
// discards the current capture first.
func (m *Machine) Arm() (st Status, err error) {
	defer func() { m.metrics.Command("arm", resultLabel(err)) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		m.logger.Printf("Re-arm while %s, discarding current capture", m.state)
		m.discardLocked()
	}

	path := filepath.Join(m.tempDir, TempPrefix+uuid.NewString()+ledger.ClipExtension)
	session, err := m.camera.Start(path, CaptureOwner)
	if err != nil {
		removeFile(m.logger, path)
		if errors.Is(err, camera.ErrBusy) {
			return Status{}, reject(m.state, ErrCameraBusy)
		}
		return Status{}, err
	}

	m.gen++
	gen := m.gen
	m.session = session
	m.armedAt = m.now()
	m.setStateLocked(StateArmed)
	m.watchdog = time.AfterFunc(m.maxArm, func() { m.expire(gen) })

	m.logger.Printf("Armed, recording to %s", filepath.Base(path))
	return m.statusLocked(), nil
}

// ShotDetected accepts a trigger while armed. A placeholder record is
// written before anything else so the ledger never misses a shot; the call
// returns once the capture is stopped and handed to the scheduler.
func (m *Machine) ShotDetected(ball *ledger.BallData) (shot Shot, err error) {
	defer func() { m.metrics.Command("shot", resultLabel(err)) }()

	m.mu.Lock()
	if m.state != StateArmed {
		state := m.state
		m.mu.Unlock()
		return Shot{}, reject(state, ErrNotArmed)
	}
	if elapsed := m.now().Sub(m.armedAt); elapsed >= m.maxArm {
		m.logger.Printf("Shot after %s armed, over the %s limit", elapsed.Round(time.Millisecond), m.maxArm)
		m.discardLocked()
		m.mu.Unlock()
		return Shot{}, reject(StateArmed, ErrArmTimeout)
	}

	settings := m.settings()
	triggeredAt := m.now()
	id := ledger.NewClipID(triggeredAt)
	req := ClipRequest{
		ClipID:           id,
		OutputPath:       m.ledger.ClipPath(id),
		Duration:         settings.Duration,
		PostTriggerDelay: settings.PostTriggerDelay,
	}
	rec := ledger.Record{
		ID:         id,
		CreatedAt:  triggeredAt,
		DurationMs: int(settings.Duration.Milliseconds()),
		FilePath:   req.OutputPath,
	}
	if ball != nil {
		rec.ShotMetadata = rec.ShotMetadata.Merge(ledger.ShotMetadata{BallData: ball}, triggeredAt)
	}
	if err := m.ledger.Create(rec); err != nil {
		m.mu.Unlock()
		return Shot{}, fmt.Errorf("failed to create placeholder record: %w", err)
	}

	m.stopWatchdogLocked()
	m.setStateLocked(StateProcessing)
	gen := m.gen
	session := m.session
	m.mu.Unlock()

	// Keep recording so the follow-through lands in the clip. Commands may
	// run meanwhile; a cancel or re-arm takes the capture away from us.
	m.sleep(req.PostTriggerDelay)

	m.mu.Lock()
	if m.gen != gen {
		state := m.state
		m.mu.Unlock()
		m.dropPlaceholder(id)
		m.logger.Printf("Shot %s aborted during post-trigger delay", id)
		return Shot{}, reject(state, ErrShotAborted)
	}
	// The capture is committed to this shot. Finalizing can take up to the
	// backend's stop timeout, so it runs unlocked: the state stays
	// processing and the camera stays claimed until it returns.
	m.session = nil
	m.gen++
	gen = m.gen
	m.mu.Unlock()

	stopErr := session.Stop()

	m.mu.Lock()
	if m.gen == gen {
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()

	if stopErr == nil {
		if _, statErr := os.Stat(session.Path()); statErr != nil {
			stopErr = fmt.Errorf("rolling buffer missing after stop: %w", statErr)
		}
	}
	if stopErr != nil {
		removeFile(m.logger, session.Path())
		m.dropPlaceholder(id)
		return Shot{}, fmt.Errorf("failed to finalize capture: %w", stopErr)
	}

	done := m.scheduler.Submit(Job{ClipRequest: req, TempPath: session.Path()})
	m.logger.Printf("Shot detected, clip %s queued", id)
	return Shot{ClipID: id, Done: done}, nil
}

// Cancel stops the current capture and deletes its buffer. It reports
// false when there was nothing to cancel. Extractions already handed to
// the scheduler are not affected.
func (m *Machine) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Without a session a shot is finalizing and can no longer be cancelled
	if m.state == StateIdle || m.session == nil {
		m.metrics.Command("cancel", "noop")
		return false
	}
	m.logger.Printf("Cancelling while %s", m.state)
	m.discardLocked()
	m.metrics.Command("cancel", "ok")
	return true
}

// Status returns a snapshot without side effects.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Close cancels any capture and waits for running extractions.
func (m *Machine) Close() {
	m.Cancel()
	m.scheduler.Wait()
}

func (m *Machine) statusLocked() Status {
	st := Status{State: m.state, MaxDuration: m.maxArm}
	if m.state != StateIdle {
		st.ArmedAt = m.armedAt
		st.Elapsed = m.now().Sub(m.armedAt)
	}
	return st
}

// expire is the watchdog. It only fires on the capture it was armed for.
func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateArmed {
		return
	}
	m.logger.Printf("No shot within %s, cancelling", m.maxArm)
	m.discardLocked()
	m.metrics.Command("timeout", "ok")
}

// discardLocked stops the capture, deletes its buffer and returns to idle.
func (m *Machine) discardLocked() {
	m.stopWatchdogLocked()
	if m.session != nil {
		if err := m.session.Stop(); err != nil {
			m.logger.Debugf("Stopping discarded capture: %v", err)
		}
		removeFile(m.logger, m.session.Path())
		m.session = nil
	}
	m.gen++
	m.setStateLocked(StateIdle)
}

func (m *Machine) stopWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

func (m *Machine) setStateLocked(state State) {
	m.state = state
	m.metrics.State(state)
}

func (m *Machine) dropPlaceholder(id string) {
	if err := m.ledger.Delete(id); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		m.logger.Printf("[WARN] Failed to delete placeholder %s: %v", id, err)
	}
}

func removeFile(logger Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("[WARN] Failed to remove %s: %v", path, err)
	}
}

// SweepTemp removes rolling buffers left behind by a crash. It must run
// before the machine is first armed.
func SweepTemp(dir string, logger Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var removed int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, TempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			logger.Printf("[WARN] Failed to remove leftover rolling buffer %s: %v", name, err)
			continue
		}
		logger.Printf("Removed leftover rolling buffer: %s", name)
		removed++
	}
	return removed, nil
}
