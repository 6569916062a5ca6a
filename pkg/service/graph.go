package service

import (
	"sort"

	"github.com/penflow/penflow/pkg/models"
)

// TaskGraph declares the fixed stage set and its dependency edges, and
// answers which stages are ready to run for a given run state. The edges
// are not user-configurable; the only choice is strict vs relaxed, picked
// at run creation by the requested variant.
type TaskGraph struct {
	deps map[models.Stage][]models.Stage
}

// StrictGraph serializes editing before media:
//
//	discovery -> research -> curation -> editing -> media -> compilation
//
// with compilation also depending on editing directly.
func StrictGraph() *TaskGraph {
	return &TaskGraph{deps: map[models.Stage][]models.Stage{
		models.DiscoveryStage:   {},
		models.ResearchStage:    {models.DiscoveryStage},
		models.CurationStage:    {models.ResearchStage},
		models.EditingStage:     {models.CurationStage},
		models.MediaStage:       {models.EditingStage},
		models.CompilationStage: {models.MediaStage, models.EditingStage},
	}}
}

// RelaxedGraph lets media run concurrently with editing; both hang off
// curation and compilation waits for both.
func RelaxedGraph() *TaskGraph {
	return &TaskGraph{deps: map[models.Stage][]models.Stage{
		models.DiscoveryStage:   {},
		models.ResearchStage:    {models.DiscoveryStage},
		models.CurationStage:    {models.ResearchStage},
		models.EditingStage:     {models.CurationStage},
		models.MediaStage:       {models.CurationStage},
		models.CompilationStage: {models.MediaStage, models.EditingStage},
	}}
}

// GraphForVariant picks the dependency set for the requested variant.
func GraphForVariant(v models.Variant) *TaskGraph {
	if v.Relaxed() {
		return RelaxedGraph()
	}
	return StrictGraph()
}

// Dependencies returns the declared dependencies of a stage.
func (g *TaskGraph) Dependencies(stage models.Stage) []models.Stage {
	return g.deps[stage]
}

// ReadyStages returns the stages whose dependencies have all succeeded and
// whose own status is still PENDING, in stable (alphabetical) order.
func (g *TaskGraph) ReadyStages(state models.RunState) []models.Stage {
	var ready []models.Stage
	for stage, deps := range g.deps {
		if state.StatusOf(stage) != models.PendingStageStatus {
			continue
		}
		ok := true
		for _, dep := range deps {
			if state.StatusOf(dep) != models.SucceededStageStatus {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, stage)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

// AllSucceeded reports whether every stage of the graph has succeeded.
func (g *TaskGraph) AllSucceeded(state models.RunState) bool {
	for stage := range g.deps {
		if state.StatusOf(stage) != models.SucceededStageStatus {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any stage has failed.
func (g *TaskGraph) AnyFailed(state models.RunState) bool {
	for stage := range g.deps {
		if state.StatusOf(stage) == models.FailedStageStatus {
			return true
		}
	}
	return false
}

// AnyRunning reports whether any stage is currently running.
func (g *TaskGraph) AnyRunning(state models.RunState) bool {
	for stage := range g.deps {
		if state.StatusOf(stage) == models.RunningStageStatus {
			return true
		}
	}
	return false
}
