package inference

import (
	"errors"
	"fmt"
)

// Stage is how far a detection request got.
type Stage int

const (
	StageNew Stage = iota
	StagePadded
	StageSlotAcquired
	StageSubmitted
	StageCompleted
	StageDecoded
)

func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StagePadded:
		return "padded"
	case StageSlotAcquired:
		return "slot_acquired"
	case StageSubmitted:
		return "submitted"
	case StageCompleted:
		return "completed"
	case StageDecoded:
		return "decoded"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

var (
	ErrNotInitialized     = errors.New("pipeline not initialized")
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrInferenceExecution = errors.New("inference execution failed")
	ErrDecodeConsistency  = errors.New("inconsistent inference output")
	ErrPoolClosed         = errors.New("request pool closed")
)

// DetectError is a failed detection request. Stage is the last stage the
// request completed; Kind is one of the Err* sentinels or the caller's
// context error.
type DetectError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *DetectError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("detect failed after %s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("detect failed after %s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *DetectError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil && e.Err != e.Kind {
		errs = append(errs, e.Err)
	}
	return errs
}

// InitError is a failed Initialize. Op is one of config, load, compile or
// requests.
type InitError struct {
	Op   string
	Path string
	Err  error
}

func (e *InitError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("initialize %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("initialize %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
