// Package scenario sequences the named steps of one smoke-test run against
// per-step deadlines and produces structured outcomes for a reporting layer
// to render.
package scenario

import (
	"context"
	"errors"
	"time"
)

// Status classifies a finished step.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Outcome is the structured result of one step.
type Outcome struct {
	Step     string
	Status   Status
	Detail   string
	Err      error
	Duration time.Duration
}

// Reporter renders step progress. The runner itself never prints.
type Reporter interface {
	StepStart(name string)
	StepDone(Outcome)
}

// Step is one ordered unit of a scenario. Run returns a human-readable
// detail string on success. An error from an Advisory step records a warning
// and the scenario continues; an error from any other step aborts the run.
type Step struct {
	Name     string
	Timeout  time.Duration
	Advisory bool
	Run      func(ctx context.Context) (string, error)
}

// Runner executes an ordered step list.
type Runner struct {
	Reporter Reporter
}

// Run executes steps in order and returns their outcomes plus whether the
// scenario as a whole passed. After a fatal failure the remaining steps are
// recorded as skipped.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]Outcome, bool) {
	outcomes := make([]Outcome, 0, len(steps))
	failed := false

	for _, step := range steps {
		if failed {
			out := Outcome{Step: step.Name, Status: StatusSkip}
			outcomes = append(outcomes, out)
			if r.Reporter != nil {
				r.Reporter.StepDone(out)
			}
			continue
		}

		if r.Reporter != nil {
			r.Reporter.StepStart(step.Name)
		}

		stepCtx := ctx
		cancel := context.CancelFunc(func() {})
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		start := time.Now()
		detail, err := step.Run(stepCtx)
		cancel()

		out := Outcome{
			Step:     step.Name,
			Detail:   detail,
			Duration: time.Since(start),
		}
		switch {
		case err == nil:
			out.Status = StatusPass
		case step.Advisory:
			out.Status = StatusWarn
			out.Err = err
		default:
			out.Status = StatusFail
			out.Err = err
			failed = true
		}

		outcomes = append(outcomes, out)
		if r.Reporter != nil {
			r.Reporter.StepDone(out)
		}

		// A cancelled parent context ends the scenario regardless of the
		// step's advisory classification.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			failed = true
		}
	}

	return outcomes, !failed
}
