package models

import "time"

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
	CancelledRunStatus RunStatus = "CANCELLED"
)

// Terminal reports whether a run in this status may never change status again.
func (s RunStatus) Terminal() bool {
	return s == CompletedRunStatus || s == FailedRunStatus || s == CancelledRunStatus
}

type Variant string

const (
	FastVariant          Variant = "fast"
	StandardVariant      Variant = "standard"
	ComprehensiveVariant Variant = "comprehensive"
)

// UnitCount is the number of program entries generated for the variant.
func (v Variant) UnitCount() int {
	switch v {
	case FastVariant:
		return 7
	case ComprehensiveVariant:
		return 30
	default:
		return 21
	}
}

// InsightCount is the size of the research insight pool for the variant.
func (v Variant) InsightCount() int {
	switch v {
	case FastVariant:
		return 6
	case ComprehensiveVariant:
		return 18
	default:
		return 12
	}
}

// Relaxed reports whether the variant runs the media stage concurrently
// with editing. Only the comprehensive variant opts into the relaxed
// dependency graph.
func (v Variant) Relaxed() bool {
	return v == ComprehensiveVariant
}

// EstimatedDuration is a rough wall-clock estimate surfaced at run creation.
func (v Variant) EstimatedDuration() time.Duration {
	switch v {
	case FastVariant:
		return 3 * time.Minute
	case ComprehensiveVariant:
		return 12 * time.Minute
	default:
		return 8 * time.Minute
	}
}

func (v Variant) Valid() bool {
	switch v {
	case FastVariant, StandardVariant, ComprehensiveVariant:
		return true
	}
	return false
}

// WorkflowRun is one end-to-end execution of the content pipeline.
type WorkflowRun struct {
	ID            string     `json:"id" db:"id"`
	Variant       Variant    `json:"variant" db:"variant"`
	Status        RunStatus  `json:"status" db:"status"`
	UserRef       string     `json:"user_ref,omitempty" db:"user_ref"`
	Preferences   []byte     `json:"preferences,omitempty" db:"preferences"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	ArtifactReady bool       `json:"artifact_ready" db:"artifact_ready"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
