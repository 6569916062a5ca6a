package storage

import (
	"github.com/pkg/errors"

	"github.com/penflow/penflow/pkg/models"
)

// ErrNotFound is returned when a run or stage result does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a status update would move a run
// out of a terminal state. Run status transitions are monotonic.
var ErrIllegalTransition = errors.New("illegal run status transition")

// Store defines the persistence operations for penflow.
//
// A run's write path is effectively single-writer: exactly one orchestrator
// driver owns a run at a time, so implementations only need to serialize
// writes within a run, never across runs.
type Store interface {
	// Run operations
	CreateRun(run models.WorkflowRun) error
	GetRun(id string) (models.WorkflowRun, error)
	ListRuns() ([]models.WorkflowRun, error)
	// UpdateRunStatus moves a run to the given status. Updates out of a
	// terminal status return ErrIllegalTransition. A failure reason may be
	// recorded alongside FAILED.
	UpdateRunStatus(id string, status models.RunStatus, reason string) error
	// MarkArtifactReady flips the compiled-artifact availability flag.
	// It never changes run status; compilation outcome is reported
	// separately from the run lifecycle.
	MarkArtifactReady(id string) error

	// Stage operations
	SaveStageResult(result models.StageResult) error
	GetStageResult(runID string, stage models.Stage) (models.StageResult, error)
	// LoadRunState returns every recorded stage result for the run,
	// sufficient together with the task graph to resume an interrupted run.
	LoadRunState(runID string) (models.RunState, error)

	Close() error
}
