package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"dagforge/internal/model"
)

// RunHistoryStorage persists execution runs and task attempts for audit.
// Retention is the operator's concern, expressed through DeleteBefore.
type RunHistoryStorage interface {
	// StoreRun inserts a new execution run.
	StoreRun(ctx context.Context, run *model.ExecutionRun) error

	// UpdateRun updates an existing run's status and completion time.
	UpdateRun(ctx context.Context, run *model.ExecutionRun) error

	// RecordAttempt appends one task attempt outcome.
	RecordAttempt(ctx context.Context, result *model.TaskAttemptResult) error

	// GetRun retrieves a run by ID, without its attempts.
	GetRun(ctx context.Context, runID string) (*model.ExecutionRun, error)

	// ListRuns retrieves runs for a job, newest first.
	ListRuns(ctx context.Context, jobID string, limit int) ([]*model.ExecutionRun, error)

	// ListAttempts retrieves the attempts of one run in arrival order.
	ListAttempts(ctx context.Context, runID string) ([]*model.TaskAttemptResult, error)

	// DeleteBefore deletes runs (and their attempts) older than the given time.
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store.
	Close() error
}

// SQLiteRunHistory implements RunHistoryStorage using SQLite.
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunHistory opens (or creates) the history database at dbPath.
func NewSQLiteRunHistory(logger *zap.Logger, dbPath string) (*SQLiteRunHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteRunHistory{
		logger: logger.Named("run-history"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			logical_time DATETIME NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id);
		CREATE INDEX IF NOT EXISTS idx_runs_logical_time ON runs(logical_time);

		CREATE TABLE IF NOT EXISTS task_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			output BLOB,
			completed_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON task_attempts(run_id);
		CREATE INDEX IF NOT EXISTS idx_attempts_task_id ON task_attempts(task_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// StoreRun implements RunHistoryStorage.StoreRun
func (s *SQLiteRunHistory) StoreRun(ctx context.Context, run *model.ExecutionRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, job_id, logical_time, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.JobID, run.LogicalTime.UTC(), string(run.Status),
		run.StartedAt.UTC(), nullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// UpdateRun implements RunHistoryStorage.UpdateRun
func (s *SQLiteRunHistory) UpdateRun(ctx context.Context, run *model.ExecutionRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		string(run.Status), nullTime(run.CompletedAt), run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", run.RunID)
	}
	return nil
}

// RecordAttempt implements RunHistoryStorage.RecordAttempt
func (s *SQLiteRunHistory) RecordAttempt(ctx context.Context, result *model.TaskAttemptResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attempts (run_id, job_id, task_id, attempt, status, error, output, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.JobID, result.TaskID, result.Attempt,
		string(result.Status), result.Error, result.Output, result.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// GetRun implements RunHistoryStorage.GetRun
func (s *SQLiteRunHistory) GetRun(ctx context.Context, runID string) (*model.ExecutionRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, job_id, logical_time, status, started_at, completed_at
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListRuns implements RunHistoryStorage.ListRuns
func (s *SQLiteRunHistory) ListRuns(ctx context.Context, jobID string, limit int) ([]*model.ExecutionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, job_id, logical_time, status, started_at, completed_at
		FROM runs WHERE job_id = ? ORDER BY logical_time DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.ExecutionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListAttempts implements RunHistoryStorage.ListAttempts
func (s *SQLiteRunHistory) ListAttempts(ctx context.Context, runID string) ([]*model.TaskAttemptResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, job_id, task_id, attempt, status, error, output, completed_at
		FROM task_attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*model.TaskAttemptResult
	for rows.Next() {
		var (
			a           model.TaskAttemptResult
			status      string
			errMsg      sql.NullString
			completedAt time.Time
		)
		if err := rows.Scan(&a.RunID, &a.JobID, &a.TaskID, &a.Attempt, &status, &errMsg, &a.Output, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Status = model.TaskStatus(status)
		a.Error = errMsg.String
		a.CompletedAt = completedAt
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// DeleteBefore implements RunHistoryStorage.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM task_attempts WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`,
		before.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete old attempts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete old runs: %w", err)
	}
	return nil
}

// Close implements RunHistoryStorage.Close
func (s *SQLiteRunHistory) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.ExecutionRun, error) {
	var (
		run         model.ExecutionRun
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(&run.RunID, &run.JobID, &run.LogicalTime, &status, &run.StartedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found")
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = model.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
