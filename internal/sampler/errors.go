package sampler

import (
	"errors"
	"fmt"

	"github.com/samcharles93/redilate/internal/settings"
	"github.com/samcharles93/redilate/internal/tensor"
)

var (
	// ErrConfiguration reports malformed settings, transform dimension
	// mismatches and references to missing layers. Raised before sampling.
	ErrConfiguration = settings.ErrConfiguration

	// ErrShape reports tensors whose shapes are incompatible.
	ErrShape = tensor.ErrShape

	// ErrPatchRestoration reports a layer that could not be returned to its
	// original forward strategy.
	ErrPatchRestoration = errors.New("patch restoration error")
)

// Stage is a state of the denoising loop.
type Stage int

const (
	StageInit Stage = iota
	StageStepping
	StageDecoding
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageStepping:
		return "stepping"
	case StageDecoding:
		return "decoding"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// RunError records the stage and step at which a run failed.
type RunError struct {
	Stage Stage
	Step  int // -1 outside the stepping stage
	Err   error
}

func (e *RunError) Error() string {
	if e.Stage == StageStepping {
		return fmt.Sprintf("%s step %d: %v", e.Stage, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func runError(stage Stage, step int, err error) error {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return err
	}
	return &RunError{Stage: stage, Step: step, Err: err}
}
