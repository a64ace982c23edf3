package launchmonitor

import (
	"errors"
	"fmt"
)

// Guard rejections. They describe a command that was not allowed in the
// current state and are never retried here.
var (
	ErrNotArmed    = errors.New("not armed")
	ErrCameraBusy  = errors.New("camera busy")
	ErrArmTimeout  = errors.New("arm timeout")
	ErrShotAborted = errors.New("shot aborted")
)

// RejectionError carries the state a command was rejected in.
type RejectionError struct {
	State State
	Err   error
}

func (e *RejectionError) Error() string {
	switch e.Err {
	case ErrNotArmed:
		return fmt.Sprintf("Not armed (state: %s)", e.State)
	case ErrCameraBusy:
		return "Camera busy with a manual recording"
	case ErrArmTimeout:
		return "Arm timed out, cancelled"
	case ErrShotAborted:
		return fmt.Sprintf("Shot aborted by a concurrent command (state: %s)", e.State)
	}
	return fmt.Sprintf("%v (state: %s)", e.Err, e.State)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a guard rejection rather than a
// resource failure.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

func reject(state State, err error) error {
	return &RejectionError{State: state, Err: err}
}
