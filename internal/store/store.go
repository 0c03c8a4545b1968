// Package store keeps a local history of scenario runs so regressions in the
// service can be correlated across smoke-test invocations.
package store

import (
	"context"
	"time"

	"github.com/patternprobe/patternprobe/internal/scenario"
)

// Run is one recorded scenario execution.
type Run struct {
	ID         string
	Scenario   string
	StartedAt  time.Time
	FinishedAt time.Time
	Passed     bool
}

// StepResult is one persisted step outcome of a run.
type StepResult struct {
	RunID      string
	Seq        int
	Name       string
	Status     scenario.Status
	Detail     string
	DurationMs int64
}

// Store persists runs and their step outcomes.
type Store interface {
	RecordRun(ctx context.Context, run Run, outcomes []scenario.Outcome) error
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	RunSteps(ctx context.Context, runID string) ([]StepResult, error)
	Close() error
}
