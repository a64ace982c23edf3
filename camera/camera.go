package camera

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBusy is returned when another capture session already owns the camera.
var ErrBusy = errors.New("camera is busy")

// Backend writes frames from the camera into a container file.
type Backend interface {
	// Start begins writing to path and returns once frames are flowing.
	Start(path string) (Recording, error)
}

// Recording is a capture in progress.
type Recording interface {
	// Stop blocks until the container at the recording path is finalized.
	Stop() error
}

// Device owns the single recording pipeline of a camera. At most one
// Session is active at a time; launch monitor arming and manual recording
// both go through here.
type Device struct {
	backend Backend
	logger  Logger

	mu     sync.Mutex
	active *Session
}

// NewDevice wraps a backend.
func NewDevice(backend Backend, logger Logger) *Device {
	return &Device{backend: backend, logger: logger}
}

// Session is one rolling capture into a file.
type Session struct {
	device    *Device
	rec       Recording
	path      string
	owner     string
	startedAt time.Time

	stopOnce sync.Once
	stopErr  error
}

// Start opens a capture session writing to path. owner is a label used in
// logs and busy checks, e.g. "launch-monitor" or "manual".
func (d *Device) Start(path, owner string) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		return nil, fmt.Errorf("%w: held by %s", ErrBusy, d.active.owner)
	}

	rec, err := d.backend.Start(path)
	if err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}

	s := &Session{
		device:    d,
		rec:       rec,
		path:      path,
		owner:     owner,
		startedAt: time.Now(),
	}
	d.active = s
	d.logger.Debugf("Capture started for %s: %s", owner, path)
	return s, nil
}

// Owner reports who holds the camera, if anyone.
func (d *Device) Owner() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return "", false
	}
	return d.active.owner, true
}

// Path is the container file the session writes to.
func (s *Session) Path() string { return s.path }

// Owner is the label given to Start.
func (s *Session) Owner() string { return s.owner }

// StartedAt is when the session began capturing.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Stop finalizes the container and releases the camera. It is safe to call
// more than once; later calls return the first result. The camera stays
// claimed until the container is finalized.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.rec.Stop()

		d := s.device
		d.mu.Lock()
		if d.active == s {
			d.active = nil
		}
		d.mu.Unlock()

		if s.stopErr != nil {
			d.logger.Printf("[WARN] Capture for %s stopped with error: %v", s.owner, s.stopErr)
		} else {
			d.logger.Debugf("Capture stopped for %s after %s", s.owner, time.Since(s.startedAt).Round(time.Millisecond))
		}
	})
	return s.stopErr
}
