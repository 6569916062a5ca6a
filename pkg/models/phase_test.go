package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/penflow/penflow/pkg/models"
)

func TestAssignPhase_ThirtyUnits(t *testing.T) {
	for i := 1; i <= 30; i++ {
		tag, rng, err := models.AssignPhase(i, 30, 18)
		assert.NoError(t, err)
		switch {
		case i <= 10:
			assert.Equal(t, models.IdentifyPhase, tag, "unit %d", i)
			assert.Equal(t, models.InsightRange{Start: 0, End: 6}, rng)
		case i <= 20:
			assert.Equal(t, models.DocumentPhase, tag, "unit %d", i)
			assert.Equal(t, models.InsightRange{Start: 6, End: 12}, rng)
		default:
			assert.Equal(t, models.ActionPhase, tag, "unit %d", i)
			assert.Equal(t, models.InsightRange{Start: 12, End: 18}, rng)
		}
	}
}

func TestAssignPhase_SixUnits(t *testing.T) {
	expected := []models.PhaseTag{
		models.IdentifyPhase, models.IdentifyPhase,
		models.DocumentPhase, models.DocumentPhase,
		models.ActionPhase, models.ActionPhase,
	}
	for i := 1; i <= 6; i++ {
		tag, _, err := models.AssignPhase(i, 6, 6)
		assert.NoError(t, err)
		assert.Equal(t, expected[i-1], tag, "unit %d", i)
	}
}

func TestAssignPhase_SingleUnit(t *testing.T) {
	tag, rng, err := models.AssignPhase(1, 1, 12)
	assert.NoError(t, err)
	assert.Equal(t, models.IdentifyPhase, tag)
	// One unit gets the whole pool.
	assert.Equal(t, models.InsightRange{Start: 0, End: 12}, rng)
}

func TestAssignPhase_TwoUnits(t *testing.T) {
	// Two units split identify/action; the document phase is empty.
	tag1, _, err := models.AssignPhase(1, 2, 6)
	assert.NoError(t, err)
	assert.Equal(t, models.IdentifyPhase, tag1)

	tag2, rng2, err := models.AssignPhase(2, 2, 6)
	assert.NoError(t, err)
	assert.Equal(t, models.ActionPhase, tag2)
	assert.Equal(t, models.InsightRange{Start: 4, End: 6}, rng2)
}

// Every unit count up to 30 must partition 1..n into contiguous,
// non-overlapping, phase-ordered ranges covering each index exactly once.
func TestAssignPhase_PartitionProperty(t *testing.T) {
	order := map[models.PhaseTag]int{
		models.IdentifyPhase: 0,
		models.DocumentPhase: 1,
		models.ActionPhase:   2,
	}
	for total := 1; total <= 30; total++ {
		prev := -1
		for i := 1; i <= total; i++ {
			tag, _, err := models.AssignPhase(i, total, 12)
			assert.NoError(t, err)
			rank, ok := order[tag]
			assert.True(t, ok, "total=%d unit=%d got unknown tag %q", total, i, tag)
			assert.GreaterOrEqual(t, rank, prev, "total=%d unit=%d: phases must be ordered", total, i)
			prev = rank
		}
		// Last unit always lands in the final non-empty phase.
		last, _, err := models.AssignPhase(total, total, 12)
		assert.NoError(t, err)
		if total >= 2 {
			assert.Equal(t, models.ActionPhase, last, "total=%d", total)
		}
	}
}

func TestAssignPhase_Errors(t *testing.T) {
	_, _, err := models.AssignPhase(0, 10, 12)
	assert.Error(t, err)
	_, _, err = models.AssignPhase(11, 10, 12)
	assert.Error(t, err)
	_, _, err = models.AssignPhase(1, 0, 12)
	assert.Error(t, err)
}

func TestAssignPhase_InsightRangesCoverPool(t *testing.T) {
	for poolLen := 0; poolLen <= 20; poolLen++ {
		_, first, err := models.AssignPhase(1, 30, poolLen)
		assert.NoError(t, err)
		_, mid, err := models.AssignPhase(15, 30, poolLen)
		assert.NoError(t, err)
		_, last, err := models.AssignPhase(30, 30, poolLen)
		assert.NoError(t, err)

		assert.Equal(t, 0, first.Start)
		assert.Equal(t, first.End, mid.Start)
		assert.Equal(t, mid.End, last.Start)
		assert.Equal(t, poolLen, last.End)
	}
}
