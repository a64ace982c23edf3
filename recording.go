package main

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"swing-cam/camera"
	"swing-cam/ledger"
)

// ManualOwner labels camera sessions started from the record endpoint.
const ManualOwner = "manual"

var errInvalidDuration = errors.New("invalid duration")

const (
	MinManualDuration = 100 * time.Millisecond
	MaxManualDuration = 5 * time.Minute
)

// ManualRecorder records straight into a clip file, bypassing the rolling
// buffer. It shares the camera with the launch monitor, so either one
// makes the other fail busy while it runs.
type ManualRecorder struct {
	device *camera.Device
	store  *ledger.Store
	logger *Logger
	now    func() time.Time
	sleep  func(time.Duration)

	wg sync.WaitGroup
}

func NewManualRecorder(device *camera.Device, store *ledger.Store, logger *Logger) *ManualRecorder {
	return &ManualRecorder{
		device: device,
		store:  store,
		logger: logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Record claims the camera and returns once capture has started. The
// returned channel receives the outcome after duration has elapsed and the
// record has been written.
func (mr *ManualRecorder) Record(duration time.Duration) (string, <-chan error, error) {
	if duration < MinManualDuration || duration > MaxManualDuration {
		return "", nil, fmt.Errorf("%w: must be between %s and %s", errInvalidDuration, MinManualDuration, MaxManualDuration)
	}

	startedAt := mr.now()
	id := ledger.NewClipID(startedAt)
	path := mr.store.ClipPath(id)

	session, err := mr.device.Start(path, ManualOwner)
	if err != nil {
		return "", nil, err
	}
	mr.logger.Printf("Manual recording started: %s (%s)", id, duration)

	done := make(chan error, 1)
	mr.wg.Add(1)
	go func() {
		defer mr.wg.Done()
		err := mr.finish(session, id, startedAt, duration)
		if err != nil {
			mr.logger.Errorf("Manual recording %s failed: %v", id, err)
			os.Remove(path)
		}
		done <- err
		close(done)
	}()
	return id, done, nil
}

func (mr *ManualRecorder) finish(session *camera.Session, id string, startedAt time.Time, duration time.Duration) error {
	mr.sleep(duration)
	if err := session.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture: %w", err)
	}

	info, err := os.Stat(session.Path())
	if err != nil {
		return fmt.Errorf("clip missing after stop: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("capture produced an empty file")
	}

	rec := ledger.Record{
		ID:         id,
		CreatedAt:  startedAt,
		DurationMs: int(duration.Milliseconds()),
		ByteSize:   info.Size(),
		FilePath:   session.Path(),
	}
	if err := mr.store.Create(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	mr.logger.Printf("Manual recording saved: %s (%.2f MB)", id, float64(info.Size())/BytesPerMB)
	return nil
}

// Wait blocks until running recordings have finished.
func (mr *ManualRecorder) Wait() {
	mr.wg.Wait()
}
