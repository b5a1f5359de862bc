package emergency

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrInternal               = errors.New("internal error")
)

// ErrCycleInProgress is returned when a flow optimization cycle is asked to
// start while another is still running.
var ErrCycleInProgress = fmt.Errorf("%w: flow optimization already running", ErrTemporarilyUnavailable)

func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
