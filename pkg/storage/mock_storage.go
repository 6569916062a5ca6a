package storage

import (
	"sync"
	"time"

	"github.com/penflow/penflow/pkg/models"
)

// mockStore implements Store with in-memory storage. It is used by the
// examples and by tests that do not need postgres.
type mockStore struct {
	mu      sync.RWMutex
	runs    []models.WorkflowRun
	results []models.StageResult
}

func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) CreateRun(run models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockStore) GetRun(id string) (models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return models.WorkflowRun{}, ErrNotFound
}

func (m *mockStore) ListRuns() ([]models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]models.WorkflowRun, len(m.runs))
	copy(runs, m.runs)
	return runs, nil
}

func (m *mockStore) UpdateRunStatus(id string, status models.RunStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.runs {
		if r.ID != id {
			continue
		}
		if r.Status.Terminal() {
			return ErrIllegalTransition
		}
		m.runs[i].Status = status
		m.runs[i].UpdatedAt = time.Now()
		if reason != "" {
			m.runs[i].FailureReason = reason
		}
		if status.Terminal() {
			now := time.Now()
			m.runs[i].CompletedAt = &now
		}
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) MarkArtifactReady(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.runs {
		if r.ID == id {
			m.runs[i].ArtifactReady = true
			m.runs[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveStageResult(result models.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.results {
		if r.RunID == result.RunID && r.Stage == result.Stage {
			m.results[i] = result
			return nil
		}
	}
	m.results = append(m.results, result)
	return nil
}

func (m *mockStore) GetStageResult(runID string, stage models.Stage) (models.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if r.RunID == runID && r.Stage == stage {
			return r, nil
		}
	}
	return models.StageResult{}, ErrNotFound
}

func (m *mockStore) LoadRunState(runID string) (models.RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := make(models.RunState)
	for _, r := range m.results {
		if r.RunID == runID {
			state[r.Stage] = r
		}
	}
	return state, nil
}

func (m *mockStore) Close() error {
	return nil
}
