package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/penflow/penflow/pkg/compiler"
	"github.com/penflow/penflow/pkg/events"
	"github.com/penflow/penflow/pkg/models"
	"github.com/penflow/penflow/pkg/storage"
)

const (
	// DefaultWorkers bounds concurrent outbound generative calls across
	// all runs, to respect external rate limits.
	DefaultWorkers = 3

	storeWriteAttempts = 3
	storeWriteBackoff  = 100 * time.Millisecond
)

type stageJob struct {
	run   models.WorkflowRun
	stage models.Stage
	state models.RunState
	done  chan<- stageOutcome
}

type stageOutcome struct {
	stage    models.Stage
	payload  []byte
	attempts int
	err      error
}

// OrchestratorService owns run lifecycles: it creates runs, walks the task
// graph with one driver goroutine per run, dispatches stage executions to a
// fixed-size worker pool shared across runs, persists every stage result
// before re-evaluating readiness, and publishes progress events.
type OrchestratorService struct {
	store    storage.Store
	bus      *events.Bus
	executor *StageExecutor
	compiler compiler.Compiler
	logger   Logger
	ctx      context.Context

	jobs     chan stageJob
	wg       sync.WaitGroup
	driverWg sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

func NewOrchestratorService(
	ctx context.Context,
	store storage.Store,
	bus *events.Bus,
	executor *StageExecutor,
	comp compiler.Compiler,
	logger Logger,
	workers int,
) *OrchestratorService {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	s := &OrchestratorService{
		store:    store,
		bus:      bus,
		executor: executor,
		compiler: comp,
		logger:   logger,
		ctx:      ctx,
		jobs:     make(chan stageJob),
		cancels:  make(map[string]chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Stop waits for every driver to finish, then winds down the worker pool.
func (s *OrchestratorService) Stop() {
	s.stopOnce.Do(func() {
		s.driverWg.Wait()
		close(s.jobs)
		s.wg.Wait()
	})
}

func (s *OrchestratorService) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		payload, attempts, err := s.executor.Execute(s.ctx, job.run, job.stage, job.state)
		job.done <- stageOutcome{stage: job.stage, payload: payload, attempts: attempts, err: err}
	}
}

// CreateRun persists a new pending run. The driver is started separately so
// callers can return the run id before any stage dispatches.
func (s *OrchestratorService) CreateRun(variant models.Variant, userRef string, preferences []byte) (models.WorkflowRun, error) {
	if !variant.Valid() {
		return models.WorkflowRun{}, fmt.Errorf("invalid variant %q", variant)
	}
	run := models.WorkflowRun{
		ID:          uuid.New().String(),
		Variant:     variant,
		Status:      models.PendingRunStatus,
		UserRef:     userRef,
		Preferences: preferences,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.store.CreateRun(run); err != nil {
		return models.WorkflowRun{}, errors.Wrap(err, "create run")
	}
	s.logger.Infof("Created run %s (variant %s)", run.ID, variant)
	return run, nil
}

// StartRun spawns the driver for a pending run, or resumes an interrupted
// one. Stages already SUCCEEDED are never re-executed; stages left RUNNING
// by a dead process are reset to PENDING and re-dispatched.
func (s *OrchestratorService) StartRun(runID string) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	s.mu.Lock()
	if _, exists := s.cancels[runID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("run %s is already being driven", runID)
	}
	// Buffered so a cancel issued while the driver is mid-dispatch is not
	// lost.
	cancelCh := make(chan struct{}, 1)
	s.cancels[runID] = cancelCh
	s.mu.Unlock()

	s.driverWg.Add(1)
	go func() {
		defer s.driverWg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, runID)
			s.mu.Unlock()
		}()
		s.drive(run, cancelCh)
	}()
	return nil
}

// Cancel stops a running run: no new stage dispatches, but in-flight
// generative calls are left to finish or time out naturally so the external
// service is never left with orphaned work.
func (s *OrchestratorService) Cancel(runID string) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunningRunStatus {
		return fmt.Errorf("run %s is %s, only RUNNING runs can be cancelled", runID, run.Status)
	}

	s.mu.Lock()
	cancelCh, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		select {
		case cancelCh <- struct{}{}:
		default:
			// driver already saw a cancel signal
		}
		return nil
	}
	// No driver in this process (e.g. not yet resumed after a restart);
	// flip the status directly.
	return s.store.UpdateRunStatus(runID, models.CancelledRunStatus, "")
}

func (s *OrchestratorService) GetRun(runID string) (models.WorkflowRun, error) {
	return s.store.GetRun(runID)
}

func (s *OrchestratorService) ListRuns() ([]models.WorkflowRun, error) {
	return s.store.ListRuns()
}

func (s *OrchestratorService) RunState(runID string) (models.RunState, error) {
	return s.store.LoadRunState(runID)
}

// Subscribe attaches a progress listener to a run.
func (s *OrchestratorService) Subscribe(runID string) (<-chan models.ProgressEvent, func()) {
	return s.bus.Subscribe(runID)
}

// drive is the per-run orchestration loop. It is the run's single writer:
// workers hand results back here and only this goroutine touches the store,
// so parallel stage completions can never race on the run's rows.
func (s *OrchestratorService) drive(run models.WorkflowRun, cancelCh chan struct{}) {
	graph := GraphForVariant(run.Variant)
	outcomes := make(chan stageOutcome, len(models.AllStages()))

	state, err := s.store.LoadRunState(run.ID)
	if err != nil {
		s.failRun(run.ID, errors.Wrap(err, "load run state").Error())
		return
	}
	// A RUNNING stage at driver start is a leftover from an interrupted
	// process; its attempt is lost, so it runs again.
	for stage, result := range state {
		if result.Status == models.RunningStageStatus {
			result.Status = models.PendingStageStatus
			result.ErrorMsg = ""
			state[stage] = result
		}
	}

	if run.Status == models.PendingRunStatus {
		if err := s.updateStatusWithRetry(run.ID, models.RunningRunStatus, ""); err != nil {
			s.failRun(run.ID, err.Error())
			return
		}
		run.Status = models.RunningRunStatus
		s.bus.Publish(run.ID, models.ProgressEvent{Kind: models.RunStartedEvent, Message: "run started"})
	} else {
		s.bus.Publish(run.ID, models.ProgressEvent{Kind: models.RunStartedEvent, Message: "run resumed"})
	}

	inflight := 0
	cancelled := false
	failed := false
	failure := ""
	// A FAILED stage recorded by a previous process already doomed the run;
	// resuming must not mistake it for a deadlock.
	for _, stage := range models.AllStages() {
		if state.StatusOf(stage) == models.FailedStageStatus {
			failed = true
			failure = fmt.Sprintf("stage %s failed: %s", stage, state[stage].ErrorMsg)
			break
		}
	}

	for {
		if !cancelled && !failed {
			for _, stage := range graph.ReadyStages(state) {
				result := models.StageResult{
					RunID:     run.ID,
					Stage:     stage,
					Status:    models.RunningStageStatus,
					StartedAt: timePtr(time.Now()),
				}
				if err := s.saveStageWithRetry(result); err != nil {
					failed, failure = true, err.Error()
					break
				}
				state[stage] = result
				s.bus.Publish(run.ID, models.ProgressEvent{
					Kind:    models.StageStartedEvent,
					Stage:   stage,
					Message: fmt.Sprintf("stage %s started", stage),
				})
				s.jobs <- stageJob{run: run, stage: stage, state: cloneState(state), done: outcomes}
				inflight++
			}
		}

		if inflight == 0 {
			switch {
			case cancelled:
				s.logger.Infof("Run %s cancelled, %d stages recorded", run.ID, len(state))
			case failed:
				s.failRun(run.ID, failure)
			case graph.AllSucceeded(state):
				s.completeRun(run, state)
			default:
				// Invariant violation: nothing ready, nothing running,
				// run not terminal. The task graph is supposed to make
				// this impossible.
				s.logger.Errorf("Run %s: %v", run.ID, ErrDeadlock)
				s.failRun(run.ID, ErrDeadlock.Error())
			}
			s.bus.Close(run.ID)
			return
		}

		select {
		case oc := <-outcomes:
			inflight--
			result := state[oc.stage]
			result.Attempts = oc.attempts
			result.FinishedAt = timePtr(time.Now())
			if oc.err != nil {
				result.Status = models.FailedStageStatus
				result.ErrorMsg = oc.err.Error()
			} else {
				result.Status = models.SucceededStageStatus
				result.Output = oc.payload
				result.ErrorMsg = ""
			}
			// Durability before readiness: the write completes before the
			// resolver sees the stage as done.
			if err := s.saveStageWithRetry(result); err != nil {
				failed, failure = true, err.Error()
				continue
			}
			state[oc.stage] = result
			if oc.err != nil {
				s.bus.Publish(run.ID, models.ProgressEvent{
					Kind:    models.StageFailedEvent,
					Stage:   oc.stage,
					Message: oc.err.Error(),
				})
				if !failed {
					failed, failure = true, fmt.Sprintf("stage %s failed: %v", oc.stage, oc.err)
				}
			} else {
				s.bus.Publish(run.ID, models.ProgressEvent{
					Kind:    models.StageSucceededEvent,
					Stage:   oc.stage,
					Message: fmt.Sprintf("stage %s succeeded after %d attempt(s)", oc.stage, oc.attempts),
					Percent: completionPercent(state),
				})
			}
		case <-cancelCh:
			if cancelled {
				break
			}
			cancelled = true
			if err := s.updateStatusWithRetry(run.ID, models.CancelledRunStatus, ""); err != nil {
				s.logger.Errorf("Failed to mark run %s cancelled: %v", run.ID, err)
			}
			s.logger.Infof("Run %s cancel requested, letting %d in-flight stage(s) finish", run.ID, inflight)
		}
	}
}

func (s *OrchestratorService) completeRun(run models.WorkflowRun, state models.RunState) {
	if err := s.updateStatusWithRetry(run.ID, models.CompletedRunStatus, ""); err != nil {
		s.failRun(run.ID, err.Error())
		return
	}
	s.bus.Publish(run.ID, models.ProgressEvent{Kind: models.RunCompletedEvent, Message: "all stages succeeded", Percent: 100})
	s.logger.Infof("Run %s completed", run.ID)

	// Fire-and-forget handoff to the document compiler. A compile failure
	// is reported via logs and the artifact flag only; the run stays
	// COMPLETED.
	var content models.CompilationOutput
	if err := json.Unmarshal(state[models.CompilationStage].Output, &content); err != nil {
		s.logger.Errorf("Run %s: compilation handoff payload undecodable: %v", run.ID, err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.compiler.Compile(s.ctx, content); err != nil {
			s.logger.Errorf("Run %s: document compiler rejected handoff: %v", run.ID, err)
			return
		}
		if err := s.store.MarkArtifactReady(run.ID); err != nil {
			s.logger.Errorf("Run %s: failed to mark artifact ready: %v", run.ID, err)
			return
		}
		s.logger.Infof("Run %s artifact compiled", run.ID)
	}()
}

func (s *OrchestratorService) failRun(runID, reason string) {
	if err := s.updateStatusWithRetry(runID, models.FailedRunStatus, reason); err != nil {
		s.logger.Errorf("Failed to mark run %s failed: %v", runID, err)
	}
	s.bus.Publish(runID, models.ProgressEvent{Kind: models.RunFailedEvent, Message: reason})
	s.logger.Errorf("Run %s failed: %s", runID, reason)
}

// saveStageWithRetry retries store writes at the orchestrator level: a
// write failure is an infrastructure issue, not a content issue, so it is
// not part of the stage's own retry budget.
func (s *OrchestratorService) saveStageWithRetry(result models.StageResult) error {
	var err error
	for attempt := 1; attempt <= storeWriteAttempts; attempt++ {
		if err = s.store.SaveStageResult(result); err == nil {
			return nil
		}
		s.logger.Errorf("Store write for run %s stage %s failed (attempt %d/%d): %v",
			result.RunID, result.Stage, attempt, storeWriteAttempts, err)
		time.Sleep(storeWriteBackoff)
	}
	return errors.Wrapf(err, "store write for stage %s failed after %d attempts", result.Stage, storeWriteAttempts)
}

func (s *OrchestratorService) updateStatusWithRetry(runID string, status models.RunStatus, reason string) error {
	var err error
	for attempt := 1; attempt <= storeWriteAttempts; attempt++ {
		if err = s.store.UpdateRunStatus(runID, status, reason); err == nil || errors.Is(err, storage.ErrIllegalTransition) {
			return err
		}
		time.Sleep(storeWriteBackoff)
	}
	return errors.Wrapf(err, "status update to %s failed after %d attempts", status, storeWriteAttempts)
}

func completionPercent(state models.RunState) int {
	total := len(models.AllStages())
	done := 0
	for _, stage := range models.AllStages() {
		if state.StatusOf(stage) == models.SucceededStageStatus {
			done++
		}
	}
	return done * 100 / total
}

func cloneState(state models.RunState) models.RunState {
	clone := make(models.RunState, len(state))
	for k, v := range state {
		clone[k] = v
	}
	return clone
}

func timePtr(t time.Time) *time.Time {
	return &t
}
