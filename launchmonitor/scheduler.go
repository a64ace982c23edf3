package launchmonitor

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"swing-cam/clip"
	"swing-cam/ledger"
)

// ClipRequest describes the clip a shot asks for. It holds paths only.
type ClipRequest struct {
	ClipID           string
	OutputPath       string
	Duration         time.Duration
	PostTriggerDelay time.Duration
}

// Job is a finalized rolling buffer waiting to be cut into a clip.
type Job struct {
	ClipRequest
	TempPath string
}

// Extractor cuts the last target of src into out.
type Extractor func(src string, target time.Duration, out string) (clip.Result, error)

// Ledger is the part of the recording ledger the launch monitor writes to.
type Ledger interface {
	ClipPath(id string) string
	Create(rec ledger.Record) error
	Modify(id string, fn func(*ledger.Record) error) (ledger.Record, error)
	Delete(id string) error
}

// Scheduler runs extractions in the background, one goroutine per job.
// Dispatched jobs always run to completion; nothing cancels them.
type Scheduler struct {
	ledger  Ledger
	extract Extractor
	logger  Logger
	metrics Metrics

	mu         sync.Mutex
	onComplete []func(Job, clip.Result)
	onError    []func(Job, error)

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil extract uses clip.Extract.
func NewScheduler(l Ledger, extract Extractor, logger Logger, metrics Metrics) *Scheduler {
	if extract == nil {
		extract = clip.Extract
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Scheduler{ledger: l, extract: extract, logger: logger, metrics: metrics}
}

// OnComplete registers a callback run after a clip is written and its
// record updated.
func (s *Scheduler) OnComplete(fn func(Job, clip.Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// OnError registers a callback run after a failed job has been cleaned up.
func (s *Scheduler) OnError(fn func(Job, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

// Submit starts job and returns a channel that receives its result once.
func (s *Scheduler) Submit(job Job) <-chan error {
	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- s.run(job)
		close(done)
	}()
	return done
}

// Wait blocks until every submitted job has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(job Job) (err error) {
	started := time.Now()
	defer func() {
		if rmErr := os.Remove(job.TempPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Printf("[WARN] Failed to remove rolling buffer %s: %v", job.TempPath, rmErr)
		}
	}()

	res, err := s.extract(job.TempPath, job.Duration, job.OutputPath)
	if err == nil {
		_, err = s.ledger.Modify(job.ClipID, func(rec *ledger.Record) error {
			rec.ByteSize = res.Bytes
			rec.DurationMs = int(res.Duration.Milliseconds())
			return nil
		})
		if err != nil {
			err = fmt.Errorf("failed to update record: %w", err)
		}
	}
	s.metrics.Extraction(time.Since(started), err)

	s.mu.Lock()
	onComplete := append(([]func(Job, clip.Result))(nil), s.onComplete...)
	onError := append(([]func(Job, error))(nil), s.onError...)
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("[ERROR] Extraction of %s failed: %v", job.ClipID, err)
		os.Remove(job.OutputPath)
		if delErr := s.ledger.Delete(job.ClipID); delErr != nil && !errors.Is(delErr, ledger.ErrNotFound) {
			s.logger.Printf("[WARN] Failed to delete placeholder %s: %v", job.ClipID, delErr)
		}
		for _, fn := range onError {
			fn(job, err)
		}
		return err
	}

	s.logger.Printf("Clip %s ready: %d bytes, %s, extracted in %s",
		job.ClipID, res.Bytes, res.Duration.Round(time.Millisecond), time.Since(started).Round(time.Millisecond))
	for _, fn := range onComplete {
		fn(job, res)
	}
	return nil
}
