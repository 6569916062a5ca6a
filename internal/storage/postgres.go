package storage

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/penflow/penflow/pkg/models"
	"github.com/penflow/penflow/pkg/storage"
)

// PostgresStore implements storage.Store on postgres via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateRun(run models.WorkflowRun) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, variant, status, user_ref, preferences, failure_reason, artifact_ready, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Variant, run.Status, run.UserRef, run.Preferences, run.FailureReason, run.ArtifactReady, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "create run")
	}
	return nil
}

func (s *PostgresStore) GetRun(id string) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.Get(&run, "SELECT * FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowRun{}, errors.Wrapf(err, "get run %s", id)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns() ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	err := s.db.Select(&runs, "SELECT * FROM runs ORDER BY created_at DESC")
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

// UpdateRunStatus moves a run's status. The WHERE predicate keeps
// transitions monotonic: once terminal, a run's status never changes.
func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus, reason string) error {
	res, err := s.db.Exec(`
		UPDATE runs
		SET status = $1,
		    failure_reason = CASE WHEN $2 <> '' THEN $2 ELSE failure_reason END,
		    completed_at = CASE WHEN $1 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN CURRENT_TIMESTAMP ELSE completed_at END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
		status, reason, id)
	if err != nil {
		return errors.Wrapf(err, "update run %s status", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetRun(id); getErr != nil {
			return getErr
		}
		return storage.ErrIllegalTransition
	}
	return nil
}

func (s *PostgresStore) MarkArtifactReady(id string) error {
	res, err := s.db.Exec("UPDATE runs SET artifact_ready = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1", id)
	if err != nil {
		return errors.Wrapf(err, "mark artifact ready for run %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveStageResult upserts a stage result keyed by (run_id, stage).
func (s *PostgresStore) SaveStageResult(r models.StageResult) error {
	_, err := s.db.Exec(`
		INSERT INTO stage_results (run_id, stage, status, attempts, output, error_msg, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, stage) DO UPDATE SET
		    status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    output = EXCLUDED.output,
		    error_msg = EXCLUDED.error_msg,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at`,
		r.RunID, r.Stage, r.Status, r.Attempts, r.Output, r.ErrorMsg, r.StartedAt, r.FinishedAt)
	if err != nil {
		return errors.Wrapf(err, "save stage result %s/%s", r.RunID, r.Stage)
	}
	return nil
}

func (s *PostgresStore) GetStageResult(runID string, stage models.Stage) (models.StageResult, error) {
	var r models.StageResult
	err := s.db.Get(&r, "SELECT * FROM stage_results WHERE run_id = $1 AND stage = $2", runID, stage)
	if err == sql.ErrNoRows {
		return models.StageResult{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StageResult{}, errors.Wrapf(err, "get stage result %s/%s", runID, stage)
	}
	return r, nil
}

func (s *PostgresStore) LoadRunState(runID string) (models.RunState, error) {
	var results []models.StageResult
	err := s.db.Select(&results, "SELECT * FROM stage_results WHERE run_id = $1", runID)
	if err != nil {
		return nil, errors.Wrapf(err, "load run state %s", runID)
	}
	state := make(models.RunState, len(results))
	for _, r := range results {
		state[r.Stage] = r
	}
	return state, nil
}
