package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomhq/loom/pkg/schema"
)

// LibSQLStore implements RunStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and applies
// pending migrations. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// CreateRun inserts a new run row, normally in status "running".
func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, workflow_name, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowName, run.Status, run.StartedAt,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run %q: %s", run.ID, err.Error()).WithCause(err)
	}
	return nil
}

// FinishRun records the terminal status, duration and trace for a run.
func (s *LibSQLStore) FinishRun(ctx context.Context, id string, update RunUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, duration_ms = ?, error_message = ?, trace_json = ?
		 WHERE id = ?`,
		update.Status, update.FinishedAt, update.DurationMs, update.ErrorMessage, update.TraceJSON, id,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "finish run %q: %s", id, err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "finish run %q: %s", id, err.Error()).WithCause(err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "run %q not found", id)
	}
	return nil
}

// GetRun fetches a single run by id.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_name, status, started_at, finished_at,
		        duration_ms, error_message, trace_json
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &run.Status, &run.StartedAt,
		&finished, &run.DurationMs, &run.ErrorMessage, &run.TraceJSON)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "run %q not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get run %q: %s", id, err.Error()).WithCause(err)
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, workflow_id, workflow_name, status, started_at, finished_at,
	                 duration_ms, error_message, trace_json FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list runs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.WorkflowName, &run.Status,
			&run.StartedAt, &finished, &run.DurationMs, &run.ErrorMessage, &run.TraceJSON); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan run: %s", err.Error()).WithCause(err)
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list runs: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// DeleteRunsBefore removes runs that started before the given unix timestamp
// (seconds) and returns the number of rows deleted. Used for retention.
func (s *LibSQLStore) DeleteRunsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE CAST(strftime('%s', started_at) AS INTEGER) < ?`, cutoff,
	)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "delete runs: %s", err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "delete runs: %s", err.Error()).WithCause(err)
	}
	return n, nil
}

var _ RunStore = (*LibSQLStore)(nil)
