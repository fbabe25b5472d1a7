// Package store persists execution reports to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const sqlCreateSchema = `
CREATE TABLE IF NOT EXISTS test_reports (
    id          UUID PRIMARY KEY,
    case_name   TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    status      TEXT NOT NULL,
    exit_code   INTEGER NOT NULL,
    error       TEXT,
    report      TEXT,
    script      TEXT,
    duration_ms BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS test_step_results (
    report_id   UUID NOT NULL REFERENCES test_reports(id) ON DELETE CASCADE,
    step_number INTEGER NOT NULL,
    step_name   TEXT NOT NULL,
    step_type   TEXT,
    status      TEXT NOT NULL,
    start_time  TIMESTAMPTZ,
    end_time    TIMESTAMPTZ,
    duration_ms BIGINT NOT NULL,
    error       TEXT,
    PRIMARY KEY (report_id, step_number)
);`

const sqlInsertReport = `
INSERT INTO test_reports (id, case_name, run_id, status, exit_code, error, report, script, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const sqlRecentReports = `
SELECT id, case_name, run_id, status, exit_code, report, duration_ms, created_at
FROM test_reports
ORDER BY created_at DESC
LIMIT $1`

var stepColumns = []string{"report_id", "step_number", "step_name", "step_type", "status", "start_time", "end_time", "duration_ms", "error"}

// ReportSummary is one row of the report history.
type ReportSummary struct {
	ID         string    `json:"id"`
	CaseName   string    `json:"case_name"`
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Report     string    `json:"report"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store writes execution results to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// EnsureSchema creates the report tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveExecution stores res and its step results in one transaction and
// returns the new report's id.
func (s *Store) SaveExecution(ctx context.Context, caseName string, res *schemas.ExecutionResult) (string, error) {
	if res == nil {
		return "", errors.New("nil execution result")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	id := uuid.NewString()
	_, err = tx.Exec(ctx, sqlInsertReport,
		id,
		caseName,
		res.RunID,
		string(res.Status),
		res.ExitCode,
		res.Error,
		res.Report,
		res.Script,
		res.Duration.Milliseconds(),
		s.now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert report: %w", err)
	}

	if len(res.Steps) > 0 {
		if err := persistSteps(ctx, tx, id, res.Steps); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Execution report saved", zap.String("report_id", id), zap.String("case", caseName), zap.Int("steps", len(res.Steps)))
	return id, nil
}

func persistSteps(ctx context.Context, tx pgx.Tx, reportID string, steps []schemas.StepResult) error {
	rows := make([][]interface{}, len(steps))
	for i, st := range steps {
		rows[i] = []interface{}{
			reportID,
			st.StepNumber,
			st.StepName,
			st.StepType,
			string(st.Status),
			nullableTime(st.StartTime),
			nullableTime(st.EndTime),
			st.DurationMS,
			st.Error,
		}
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"test_step_results"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy step results: %w", err)
	}
	if copied != int64(len(steps)) {
		return fmt.Errorf("step result count mismatch: expected %d, copied %d", len(steps), copied)
	}
	return nil
}

// nullableTime maps the zero time to NULL and everything else to UTC.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// RecentReports lists the newest limit reports.
func (s *Store) RecentReports(ctx context.Context, limit int) ([]ReportSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlRecentReports, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReportSummary, error) {
		var r ReportSummary
		err := row.Scan(&r.ID, &r.CaseName, &r.RunID, &r.Status, &r.ExitCode, &r.Report, &r.DurationMS, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read reports: %w", err)
	}
	return out, nil
}
