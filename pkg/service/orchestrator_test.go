package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penflow/penflow/pkg/compiler"
	"github.com/penflow/penflow/pkg/events"
	"github.com/penflow/penflow/pkg/generative"
	"github.com/penflow/penflow/pkg/models"
	"github.com/penflow/penflow/pkg/service"
	"github.com/penflow/penflow/pkg/storage"
)

// programClient answers every stage with well-formed output sized for the
// given variant. Optional per-stage hooks inject latency, gates or failures.
type programClient struct {
	variant models.Variant
	latency func() time.Duration
	hook    func(stage models.Stage) error

	mu     sync.Mutex
	stages []models.Stage
}

func stageOfPrompt(prompt string) models.Stage {
	switch {
	case strings.Contains(prompt, "framing"):
		return models.DiscoveryStage
	case strings.Contains(prompt, "research insights"):
		return models.ResearchStage
	case strings.Contains(prompt, "illustration"):
		return models.MediaStage
	case strings.Contains(prompt, "Polish"):
		return models.EditingStage
	default:
		return models.CurationStage
	}
}

func (p *programClient) Generate(ctx context.Context, prompt string, constraints generative.Constraints) (string, error) {
	stage := stageOfPrompt(prompt)
	p.mu.Lock()
	p.stages = append(p.stages, stage)
	p.mu.Unlock()

	if p.latency != nil {
		select {
		case <-time.After(p.latency()):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.hook != nil {
		if err := p.hook(stage); err != nil {
			return "", err
		}
	}

	switch stage {
	case models.DiscoveryStage:
		return validDiscoveryJSON(), nil
	case models.ResearchStage:
		return validResearchJSON(p.variant.InsightCount()), nil
	case models.MediaStage:
		return validMediaJSON(p.variant.UnitCount()), nil
	default:
		return validUnitsJSON(p.variant.UnitCount(), unitBody()), nil
	}
}

func (p *programClient) calledStages() []models.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

func newService(t *testing.T, store storage.Store, client generative.Client, workers int) (*service.OrchestratorService, *events.Bus) {
	bus := events.NewBus()
	executor := service.NewStageExecutor(client, bus, testLogger{})
	executor.SetBackoffBase(time.Millisecond)
	svc := service.NewOrchestratorService(
		context.Background(), store, bus, executor, compiler.NoopCompiler{}, testLogger{}, workers)
	t.Cleanup(svc.Stop)
	return svc, bus
}

func collectEvents(ch <-chan models.ProgressEvent) []models.ProgressEvent {
	var out []models.ProgressEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventIndex(evs []models.ProgressEvent, kind models.EventKind, stage models.Stage) int {
	for i, ev := range evs {
		if ev.Kind == kind && ev.Stage == stage {
			return i
		}
	}
	return -1
}

func TestOrchestrator_FastRunCompletes(t *testing.T) {
	store := storage.NewMockStore()
	client := &programClient{variant: models.FastVariant}
	svc, _ := newService(t, store, client, 2)

	run, err := svc.CreateRun(models.FastVariant, "user-1", []byte(`{"focus":"gratitude"}`))
	require.NoError(t, err)
	assert.Equal(t, models.PendingRunStatus, run.Status)

	ch, cancel := svc.Subscribe(run.ID)
	defer cancel()
	require.NoError(t, svc.StartRun(run.ID))

	evs := collectEvents(ch)

	final, err := svc.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, final.Status)

	state, err := svc.RunState(run.ID)
	require.NoError(t, err)
	for _, stage := range models.AllStages() {
		assert.Equal(t, models.SucceededStageStatus, state.StatusOf(stage), "stage %s", stage)
	}

	var out models.CompilationOutput
	require.NoError(t, json.Unmarshal(state[models.CompilationStage].Output, &out))
	assert.Equal(t, "Thirty Mornings", out.Title)
	assert.Len(t, out.Units, models.FastVariant.UnitCount())
	assert.Len(t, out.Media, models.FastVariant.UnitCount())

	assert.Equal(t, models.RunStartedEvent, evs[0].Kind)
	assert.Equal(t, models.RunCompletedEvent, evs[len(evs)-1].Kind)
	assert.Equal(t, 100, evs[len(evs)-1].Percent)

	// Sequence numbers are assigned monotonically.
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}

	// The artifact flag is set once the compile handoff goroutine joins.
	svc.Stop()
	final, err = svc.GetRun(run.ID)
	require.NoError(t, err)
	assert.True(t, final.ArtifactReady)
}

func TestOrchestrator_DependencyOrdering(t *testing.T) {
	for i := 0; i < 25; i++ {
		store := storage.NewMockStore()
		client := &programClient{
			variant: models.ComprehensiveVariant,
			latency: func() time.Duration { return time.Duration(rand.Intn(5)) * time.Millisecond },
		}
		svc, _ := newService(t, store, client, 3)

		run, err := svc.CreateRun(models.ComprehensiveVariant, "user-1", nil)
		require.NoError(t, err)
		ch, cancel := svc.Subscribe(run.ID)
		require.NoError(t, svc.StartRun(run.ID))
		evs := collectEvents(ch)
		cancel()

		final, err := svc.GetRun(run.ID)
		require.NoError(t, err)
		require.Equal(t, models.CompletedRunStatus, final.Status, "iteration %d", i)

		// No stage starts before every dependency has succeeded.
		graph := service.GraphForVariant(models.ComprehensiveVariant)
		for _, stage := range models.AllStages() {
			started := eventIndex(evs, models.StageStartedEvent, stage)
			require.NotEqual(t, -1, started, "iteration %d: stage %s never started", i, stage)
			for _, dep := range graph.Dependencies(stage) {
				depDone := eventIndex(evs, models.StageSucceededEvent, dep)
				require.NotEqual(t, -1, depDone)
				assert.Greater(t, started, depDone,
					"iteration %d: stage %s started before %s succeeded", i, stage, dep)
			}
		}
		svc.Stop()
	}
}

func TestOrchestrator_RelaxedGraphOverlapsEditingAndMedia(t *testing.T) {
	editingIn := make(chan struct{})
	mediaIn := make(chan struct{})
	var editingOnce, mediaOnce sync.Once

	// Editing and media each wait for the other to be in flight. On the
	// relaxed graph both are dispatched together so they rendezvous; on a
	// strict graph each would time out and fail the run.
	rendezvous := func(once *sync.Once, mine, other chan struct{}) error {
		once.Do(func() { close(mine) })
		select {
		case <-other:
			return nil
		case <-time.After(2 * time.Second):
			return &generative.ServiceError{StatusCode: 400, Message: "stages did not overlap", Retryable: false}
		}
	}

	client := &programClient{variant: models.ComprehensiveVariant}
	client.hook = func(stage models.Stage) error {
		switch stage {
		case models.EditingStage:
			return rendezvous(&editingOnce, editingIn, mediaIn)
		case models.MediaStage:
			return rendezvous(&mediaOnce, mediaIn, editingIn)
		}
		return nil
	}

	store := storage.NewMockStore()
	svc, _ := newService(t, store, client, 3)
	run, err := svc.CreateRun(models.ComprehensiveVariant, "user-1", nil)
	require.NoError(t, err)
	ch, cancel := svc.Subscribe(run.ID)
	defer cancel()
	require.NoError(t, svc.StartRun(run.ID))
	collectEvents(ch)

	final, err := svc.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, final.Status)
}

func TestOrchestrator_ResumeSkipsSucceededStages(t *testing.T) {
	store := storage.NewMockStore()

	run := models.WorkflowRun{
		ID:        "resume-1",
		Variant:   models.FastVariant,
		Status:    models.RunningRunStatus,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateRun(run))

	state := models.RunState{}
	stageDone(t, state, models.DiscoveryStage, models.DiscoveryOutput{Title: "Thirty Mornings", Theme: "gratitude", Audience: "beginners", Tone: "warm"})
	stageDone(t, state, models.ResearchStage, models.ResearchOutput{Insights: []string{"a", "b", "c", "d", "e", "f"}})
	for _, result := range state {
		result.RunID = run.ID
		require.NoError(t, store.SaveStageResult(result))
	}
	// Curation was mid-flight when the previous process died.
	require.NoError(t, store.SaveStageResult(models.StageResult{
		RunID: run.ID, Stage: models.CurationStage, Status: models.RunningStageStatus,
	}))

	client := &programClient{variant: models.FastVariant}
	svc, _ := newService(t, store, client, 2)

	ch, cancel := svc.Subscribe(run.ID)
	defer cancel()
	require.NoError(t, svc.StartRun(run.ID))
	evs := collectEvents(ch)

	final, err := svc.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, final.Status)

	// Succeeded stages are never re-executed; the interrupted stage is.
	called := client.calledStages()
	assert.NotContains(t, called, models.DiscoveryStage)
	assert.NotContains(t, called, models.ResearchStage)
	assert.Contains(t, called, models.CurationStage)
	assert.Equal(t, models.CurationStage, called[0])

	assert.Equal(t, "run resumed", evs[0].Message)
}

func TestOrchestrator_ResumeWithFailedStageFailsRun(t *testing.T) {
	store := storage.NewMockStore()
	require.NoError(t, store.CreateRun(models.WorkflowRun{
		ID:      "resume-failed",
		Variant: models.FastVariant,
		Status:  models.RunningRunStatus,
	}))
	require.NoError(t, store.SaveStageResult(models.StageResult{
		RunID: "resume-failed", Stage: models.DiscoveryStage, Status: models.SucceededStageStatus,
		Output: []byte(validDiscoveryJSON()),
	}))
	require.NoError(t, store.SaveStageResult(models.StageResult{
		RunID: "resume-failed", Stage: models.ResearchStage, Status: models.FailedStageStatus,
		ErrorMsg: "terminal: prompt rejected",
	}))

	client := &programClient{variant: models.FastVariant}
	svc, _ := newService(t, store, client, 2)
	ch, cancel := svc.Subscribe("resume-failed")
	defer cancel()
	require.NoError(t, svc.StartRun("resume-failed"))
	collectEvents(ch)

	final, err := svc.GetRun("resume-failed")
	require.NoError(t, err)
	assert.Equal(t, models.FailedRunStatus, final.Status)
	assert.Contains(t, final.FailureReason, "research")
	assert.Empty(t, client.calledStages())
}

func TestOrchestrator_UnrecognizedStageStatusFailsAsDeadlock(t *testing.T) {
	store := storage.NewMockStore()
	require.NoError(t, store.CreateRun(models.WorkflowRun{
		ID:      "stuck-1",
		Variant: models.FastVariant,
		Status:  models.RunningRunStatus,
	}))
	// A corrupt status leaves discovery neither ready, running, succeeded
	// nor failed, so nothing can ever be dispatched.
	require.NoError(t, store.SaveStageResult(models.StageResult{
		RunID: "stuck-1", Stage: models.DiscoveryStage, Status: models.StageStatus("SKIPPED"),
	}))

	client := &programClient{variant: models.FastVariant}
	svc, _ := newService(t, store, client, 2)
	ch, cancel := svc.Subscribe("stuck-1")
	defer cancel()
	require.NoError(t, svc.StartRun("stuck-1"))
	evs := collectEvents(ch)

	final, err := svc.GetRun("stuck-1")
	require.NoError(t, err)
	assert.Equal(t, models.FailedRunStatus, final.Status)
	assert.Contains(t, final.FailureReason, "deadlock")
	require.NotEmpty(t, evs)
	assert.Equal(t, models.RunFailedEvent, evs[len(evs)-1].Kind)
	assert.Empty(t, client.calledStages())
}

func TestOrchestrator_StageFailureFailsRun(t *testing.T) {
	client := &programClient{variant: models.FastVariant}
	client.hook = func(stage models.Stage) error {
		if stage == models.ResearchStage {
			return &generative.ServiceError{StatusCode: 400, Message: "prompt rejected", Retryable: false}
		}
		return nil
	}

	store := storage.NewMockStore()
	svc, _ := newService(t, store, client, 2)
	run, err := svc.CreateRun(models.FastVariant, "user-1", nil)
	require.NoError(t, err)
	ch, cancel := svc.Subscribe(run.ID)
	defer cancel()
	require.NoError(t, svc.StartRun(run.ID))
	evs := collectEvents(ch)

	final, err := svc.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedRunStatus, final.Status)
	assert.Contains(t, final.FailureReason, "research")

	assert.NotEqual(t, -1, eventIndex(evs, models.StageFailedEvent, models.ResearchStage))
	assert.Equal(t, models.RunFailedEvent, evs[len(evs)-1].Kind)

	// Nothing downstream of the failure is ever dispatched.
	assert.Equal(t, -1, eventIndex(evs, models.StageStartedEvent, models.CurationStage))

	state, err := svc.RunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedStageStatus, state.StatusOf(models.ResearchStage))
	assert.Equal(t, models.SucceededStageStatus, state.StatusOf(models.DiscoveryStage))
}

func TestOrchestrator_CancelStopsDispatchKeepsInFlightResult(t *testing.T) {
	release := make(chan struct{})
	client := &programClient{variant: models.FastVariant}
	client.hook = func(stage models.Stage) error {
		if stage == models.CurationStage {
			<-release
		}
		return nil
	}

	store := storage.NewMockStore()
	svc, _ := newService(t, store, client, 2)
	run, err := svc.CreateRun(models.FastVariant, "user-1", nil)
	require.NoError(t, err)
	ch, cancel := svc.Subscribe(run.ID)
	defer cancel()
	require.NoError(t, svc.StartRun(run.ID))

	var evs []models.ProgressEvent
	for ev := range ch {
		evs = append(evs, ev)
		if ev.Kind == models.StageStartedEvent && ev.Stage == models.CurationStage {
			require.NoError(t, svc.Cancel(run.ID))
			// The status flip happens in the driver; release the in-flight
			// call only once the cancel has landed.
			require.Eventually(t, func() bool {
				r, err := svc.GetRun(run.ID)
				return err == nil && r.Status == models.CancelledRunStatus
			}, 2*time.Second, 5*time.Millisecond)
			close(release)
		}
	}

	final, err := svc.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledRunStatus, final.Status)

	// The in-flight stage drained and its result was recorded.
	state, err := svc.RunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SucceededStageStatus, state.StatusOf(models.CurationStage))

	// Nothing after the cancel was dispatched, and the run stays cancelled.
	assert.Equal(t, -1, eventIndex(evs, models.StageStartedEvent, models.EditingStage))
	assert.Equal(t, -1, eventIndex(evs, models.StageStartedEvent, models.CompilationStage))
	assert.Error(t, svc.StartRun(run.ID))
	assert.Error(t, svc.Cancel(run.ID))
}

// brokenStageStore rejects every stage write to exercise the orchestrator's
// store retry and run-failure path.
type brokenStageStore struct {
	storage.Store
}

func (b brokenStageStore) SaveStageResult(result models.StageResult) error {
	return fmt.Errorf("disk full")
}

func TestOrchestrator_PersistentStoreWriteFailureFailsRun(t *testing.T) {
	client := &programClient{variant: models.FastVariant}
	store := brokenStageStore{Store: storage.NewMockStore()}
	svc, _ := newService(t, store, client, 2)

	run, err := svc.CreateRun(models.FastVariant, "user-1", nil)
	require.NoError(t, err)
	ch, cancel := svc.Subscribe(run.ID)
	defer cancel()
	require.NoError(t, svc.StartRun(run.ID))
	evs := collectEvents(ch)

	final, err := svc.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedRunStatus, final.Status)
	assert.Contains(t, final.FailureReason, "store write")
	assert.Equal(t, models.RunFailedEvent, evs[len(evs)-1].Kind)
}

func TestOrchestrator_CreateRunRejectsUnknownVariant(t *testing.T) {
	store := storage.NewMockStore()
	svc, _ := newService(t, store, &programClient{variant: models.FastVariant}, 1)

	_, err := svc.CreateRun(models.Variant("leisurely"), "user-1", nil)
	assert.Error(t, err)
}

func TestOrchestrator_CancelRequiresRunningRun(t *testing.T) {
	store := storage.NewMockStore()
	svc, _ := newService(t, store, &programClient{variant: models.FastVariant}, 1)

	run, err := svc.CreateRun(models.FastVariant, "user-1", nil)
	require.NoError(t, err)
	assert.Error(t, svc.Cancel(run.ID))

	assert.ErrorIs(t, svc.Cancel("no-such-run"), storage.ErrNotFound)
}
