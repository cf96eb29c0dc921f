package training

import (
	"errors"
	"fmt"
)

// Failure classes. Every error returned by the controller wraps exactly one.
var (
	ErrConfig       = errors.New("configuration error")
	ErrScoring      = errors.New("scoring error")
	ErrCheckpointIO = errors.New("checkpoint i/o error")
	ErrResume       = errors.New("resume error")
	ErrBatch        = errors.New("batch error")
)

// StepError reports a failure inside one training iteration.
type StepError struct {
	Class     error
	Iteration int
	Epoch     int
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("iteration %d (epoch %d): %v", e.Iteration, e.Epoch, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// ErrorClass names the failure class of err for structured logs.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrScoring):
		return "scoring"
	case errors.Is(err, ErrCheckpointIO):
		return "checkpoint_io"
	case errors.Is(err, ErrResume):
		return "resume"
	case errors.Is(err, ErrBatch):
		return "batch"
	default:
		return "internal"
	}
}

func classify(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", class, fmt.Errorf(format, args...))
}
