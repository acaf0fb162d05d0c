package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/ember/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id              TEXT PRIMARY KEY,
    task_id         TEXT NOT NULL,
    task_type       TEXT NOT NULL,
    workflow_id     TEXT NOT NULL,
    worker_id       TEXT NOT NULL,
    status          TEXT NOT NULL,
    update_result   TEXT NOT NULL,
    update_attempts INTEGER NOT NULL,
    reason          TEXT,
    duration_ms     INTEGER NOT NULL,
    created_at      DATETIME NOT NULL
)`

const createExecutionsTypeIndex = `
CREATE INDEX IF NOT EXISTS idx_executions_task_type ON executions (task_type, created_at)`

const executionColumns = `id, task_id, task_type, workflow_id, worker_id, status,
	update_result, update_attempts, reason, duration_ms, created_at`

// ErrNotFound is returned when an execution record is not found.
var ErrNotFound = errors.New("execution not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createExecutionsTable, createExecutionsTypeIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate executions: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordExecution inserts a journal record. Missing ID and CreatedAt are filled in.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = model.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.TaskType, rec.WorkflowID, rec.WorkerID, rec.Status,
		rec.UpdateResult, rec.UpdateAttempts, nullString(rec.Reason), rec.DurationMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a journal record by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	rec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions returns a page of records ordered by created_at DESC, along
// with the total number of records.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.ExecutionRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	recs, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListByTaskType returns the most recent records for one task type.
func (s *SQLiteStore) ListByTaskType(ctx context.Context, taskType string, limit int) ([]*model.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE task_type = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, taskType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions by type: %w", err)
	}
	return collect(rows)
}

// GetStats aggregates the journal.
func (s *SQLiteStore) GetStats(ctx context.Context) (*ExecutionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &ExecutionStats{}
	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM executions",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("aggregate executions: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	groups := []struct {
		column string
		dst    *map[string]int
	}{
		{"status", &stats.CountByStatus},
		{"task_type", &stats.CountByTaskType},
		{"update_result", &stats.CountByUpdateResult},
	}
	for _, g := range groups {
		m, err := countBy(ctx, tx, g.column)
		if err != nil {
			return nil, err
		}
		*g.dst = m
	}
	return stats, nil
}

// countBy groups on a fixed column name from GetStats, never on user input.
func countBy(ctx context.Context, tx *sql.Tx, column string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM executions GROUP BY "+column,
	)
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	m := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		m[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*model.ExecutionRecord, error) {
	rec := &model.ExecutionRecord{}
	var reason sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.TaskID, &rec.TaskType, &rec.WorkflowID, &rec.WorkerID, &rec.Status,
		&rec.UpdateResult, &rec.UpdateAttempts, &reason, &rec.DurationMS, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	rec.Reason = reason.String
	return rec, nil
}

func collect(rows *sql.Rows) ([]*model.ExecutionRecord, error) {
	defer rows.Close()

	var recs []*model.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return recs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
