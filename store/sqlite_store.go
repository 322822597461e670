package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA journal_mode = WAL;",
		`CREATE TABLE IF NOT EXISTS task_records (
			task_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			owner_id TEXT,
			container_id TEXT,
			tool_mode TEXT,
			status TEXT NOT NULL,
			error_kind TEXT,
			summary TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS task_records_session ON task_records(session_id, ended_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec TaskRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO task_records(
			task_id, session_id, owner_id, container_id, tool_mode, status, error_kind, summary,
			input_tokens, output_tokens, cost_usd, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID,
		rec.SessionID,
		nullIfEmpty(rec.OwnerID),
		nullIfEmpty(rec.ContainerID),
		nullIfEmpty(rec.ToolMode),
		rec.Status,
		nullIfEmpty(rec.ErrorKind),
		nullIfEmpty(rec.Summary),
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		formatTime(rec.StartedAt),
		formatTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task record: %w", err)
	}
	return nil
}

const selectColumns = `SELECT task_id, session_id, owner_id, container_id, tool_mode, status, error_kind, summary,
	input_tokens, output_tokens, cost_usd, started_at, ended_at FROM task_records`

func (s *SQLiteStore) Get(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?`, taskID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE session_id = ? ORDER BY ended_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task records: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (TaskRecord, error) {
	var (
		rec                              TaskRecord
		owner, container, mode, kind, sm sql.NullString
		startedRaw, endedRaw             string
	)
	err := row.Scan(
		&rec.TaskID,
		&rec.SessionID,
		&owner,
		&container,
		&mode,
		&rec.Status,
		&kind,
		&sm,
		&rec.InputTokens,
		&rec.OutputTokens,
		&rec.CostUSD,
		&startedRaw,
		&endedRaw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, err
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("scan task record: %w", err)
	}

	rec.OwnerID = owner.String
	rec.ContainerID = container.String
	rec.ToolMode = mode.String
	rec.ErrorKind = kind.String
	rec.Summary = sm.String

	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedRaw); err != nil {
		return TaskRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.EndedAt, err = time.Parse(time.RFC3339Nano, endedRaw); err != nil {
		return TaskRecord{}, fmt.Errorf("parse ended_at: %w", err)
	}
	return rec, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
