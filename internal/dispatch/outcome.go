package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/rendergate/internal/job"
)

// State is a job's lifecycle position. Terminal states are succeeded,
// failed and skipped.
type State string

const (
	StateDefined    State = "defined"
	StateValidated  State = "validated"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// Reason classifies a non-successful outcome.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonValidation Reason = "validation_error"
	ReasonLaunch     Reason = "launch_error"
	ReasonRender     Reason = "render_error"
	ReasonTimeout    Reason = "timeout"
	ReasonCanceled   Reason = "canceled"
	ReasonSkipped    Reason = "skipped"
)

const (
	// ExitCodeTimeout is reported when the renderer was killed for exceeding
	// renderer.timeout, matching coreutils timeout(1).
	ExitCodeTimeout = 124
	// ExitCodeNotRun is reported for jobs whose renderer never started.
	ExitCodeNotRun = -1
)

// Outcome is the result of one job.
type Outcome struct {
	Job       string
	Binding   string
	GPU       int
	State     State
	Success   bool
	ExitCode  int
	Reason    Reason
	Detail    string
	Err       error
	Argv      []string
	Stdout    string
	Stderr    string
	Plan      *job.FramePlan
	StartedAt time.Time
	Duration  time.Duration
}

// LaunchError means the renderer process could not be started, or a file it
// needs is missing.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// RenderError means the renderer ran and exited non-zero.
type RenderError struct {
	ExitCode int
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("renderer exited with code %d", e.ExitCode)
}

// TimeoutError means the renderer was terminated after running too long.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("renderer timed out after %v", e.After)
}

// ReasonFor maps an error returned by the dispatch path to its reason code.
func ReasonFor(err error) Reason {
	var (
		le *LaunchError
		re *RenderError
		te *TimeoutError
	)
	switch {
	case err == nil:
		return ReasonNone
	case job.IsValidation(err):
		return ReasonValidation
	case errors.As(err, &le):
		return ReasonLaunch
	case errors.As(err, &te):
		return ReasonTimeout
	case errors.As(err, &re):
		return ReasonRender
	default:
		return ReasonRender
	}
}

// Report is the explicit per-job result list of one batch.
type Report struct {
	BatchID         string
	StartedAt       time.Time
	CompletedAt     time.Time
	ContinueOnError bool
	Outcomes        []Outcome
}

func (r *Report) Succeeded() int { return r.count(StateSucceeded) }
func (r *Report) Failed() int    { return r.count(StateFailed) }
func (r *Report) Skipped() int   { return r.count(StateSkipped) }

// OK reports whether every job in the batch succeeded.
func (r *Report) OK() bool {
	return r.Succeeded() == len(r.Outcomes)
}

func (r *Report) count(s State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == s {
			n++
		}
	}
	return n
}

func notRun(name, bindingName string, gpu int, state State, reason Reason, err error) Outcome {
	o := Outcome{
		Job:      name,
		Binding:  bindingName,
		GPU:      gpu,
		State:    state,
		ExitCode: ExitCodeNotRun,
		Reason:   reason,
		Err:      err,
	}
	if err != nil {
		o.Detail = err.Error()
	}
	return o
}
