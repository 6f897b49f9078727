package core

import (
	"errors"
	"fmt"
)

var (
	ErrStepFailed         = errors.New("step failed")
	ErrExecutableNotFound = errors.New("executable not found in pinned PATH")
	ErrUnresolvedVariable = errors.New("unresolved environment reference")
)

// StepError names the step that aborted a run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStepFailed, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrStepFailed }
