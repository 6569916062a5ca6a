package models

import "fmt"

// PhaseTag is one of the three psychological progression labels assigned to
// contiguous ranges of program entries.
type PhaseTag string

const (
	IdentifyPhase PhaseTag = "identify"
	DocumentPhase PhaseTag = "document"
	ActionPhase   PhaseTag = "action"
)

// InsightRange is a half-open [Start, End) slice of the run's insight pool.
// All units within a phase share the same range; insights are consumed by
// phase, not per unit.
type InsightRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// AssignPhase maps a 1-based unit index to its phase and the slice of the
// insight pool backing that phase. totalUnits is split into three contiguous
// thirds (identify, document, action); when totalUnits is not divisible by 3
// the remainder goes to the final third. The insight pool is split with the
// same rule.
//
// Small programs are handled explicitly rather than by the thirds rule:
// a single unit is all identify and gets the whole pool, and two units are
// split identify/action with an empty document phase.
func AssignPhase(unitIndex, totalUnits, poolLen int) (PhaseTag, InsightRange, error) {
	if totalUnits < 1 {
		return "", InsightRange{}, fmt.Errorf("total units must be positive, got %d", totalUnits)
	}
	if unitIndex < 1 || unitIndex > totalUnits {
		return "", InsightRange{}, fmt.Errorf("unit index %d out of range 1..%d", unitIndex, totalUnits)
	}
	if poolLen < 0 {
		return "", InsightRange{}, fmt.Errorf("insight pool length must be non-negative, got %d", poolLen)
	}

	switch totalUnits {
	case 1:
		return IdentifyPhase, InsightRange{Start: 0, End: poolLen}, nil
	case 2:
		if unitIndex == 1 {
			return IdentifyPhase, insightSlice(IdentifyPhase, poolLen), nil
		}
		return ActionPhase, insightSlice(ActionPhase, poolLen), nil
	}

	third := totalUnits / 3
	var tag PhaseTag
	switch {
	case unitIndex <= third:
		tag = IdentifyPhase
	case unitIndex <= 2*third:
		tag = DocumentPhase
	default:
		tag = ActionPhase
	}
	return tag, insightSlice(tag, poolLen), nil
}

// insightSlice splits the pool into thirds with the remainder on the final
// third, mirroring the unit split.
func insightSlice(tag PhaseTag, poolLen int) InsightRange {
	third := poolLen / 3
	switch tag {
	case IdentifyPhase:
		return InsightRange{Start: 0, End: third}
	case DocumentPhase:
		return InsightRange{Start: third, End: 2 * third}
	default:
		return InsightRange{Start: 2 * third, End: poolLen}
	}
}
