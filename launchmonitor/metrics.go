package launchmonitor

import "time"

// Metrics receives state machine and extraction events.
type Metrics interface {
	Command(name, result string)
	State(state State)
	Extraction(elapsed time.Duration, err error)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) Command(string, string)          {}
func (NoopMetrics) State(State)                     {}
func (NoopMetrics) Extraction(time.Duration, error) {}

// Logger is the logging surface this package needs.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if rej, ok := err.(*RejectionError); ok {
		switch rej.Err {
		case ErrNotArmed:
			return "not_armed"
		case ErrCameraBusy:
			return "camera_busy"
		case ErrArmTimeout:
			return "timeout"
		case ErrShotAborted:
			return "aborted"
		}
	}
	return "error"
}
