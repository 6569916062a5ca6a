package models

import "time"

// Stage is one named step of the fixed content pipeline.
type Stage string

const (
	DiscoveryStage   Stage = "discovery"
	ResearchStage    Stage = "research"
	CurationStage    Stage = "curation"
	EditingStage     Stage = "editing"
	MediaStage       Stage = "media"
	CompilationStage Stage = "compilation"
)

// AllStages lists every pipeline stage. Order is cosmetic; execution order
// is decided by the dependency graph.
func AllStages() []Stage {
	return []Stage{
		DiscoveryStage,
		ResearchStage,
		CurationStage,
		EditingStage,
		MediaStage,
		CompilationStage,
	}
}

type StageStatus string

const (
	PendingStageStatus   StageStatus = "PENDING"
	RunningStageStatus   StageStatus = "RUNNING"
	SucceededStageStatus StageStatus = "SUCCEEDED"
	FailedStageStatus    StageStatus = "FAILED"
)

// StageResult records one stage's outcome within a run. The structured
// output payload is opaque JSON whose schema is owned by the stage.
type StageResult struct {
	RunID      string      `json:"run_id" db:"run_id"`
	Stage      Stage       `json:"stage" db:"stage"`
	Status     StageStatus `json:"status" db:"status"`
	Attempts   int         `json:"attempts" db:"attempts"`
	Output     []byte      `json:"output,omitempty" db:"output"`
	ErrorMsg   string      `json:"error,omitempty" db:"error_msg"`
	StartedAt  *time.Time  `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
}

// RunState is the per-run view the dependency resolver works on. Stages
// absent from the map have never been attempted and count as PENDING.
type RunState map[Stage]StageResult

// StatusOf returns the recorded status for a stage, defaulting to PENDING.
func (rs RunState) StatusOf(stage Stage) StageStatus {
	if r, ok := rs[stage]; ok {
		return r.Status
	}
	return PendingStageStatus
}
