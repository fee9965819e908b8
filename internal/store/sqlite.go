package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createEngineEventsTable = `
CREATE TABLE IF NOT EXISTS engine_events (
    id         TEXT PRIMARY KEY,
    handle_id  TEXT NOT NULL,
    kind       TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
)`

const createEngineEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_engine_events_handle ON engine_events (handle_id, created_at)`

// DefaultListLimit caps listings that do not set a limit.
const DefaultListLimit = 100

// ErrInvalidEvent is returned when an event is missing required fields.
var ErrInvalidEvent = errors.New("invalid engine event")

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

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
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

	for _, stmt := range []string{createEngineEventsTable, createEngineEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate engine events: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordEngineEvent appends one event to the engine log. A missing ID or
// timestamp is filled in.
func (s *SQLiteStore) RecordEngineEvent(ctx context.Context, ev *model.EngineEvent) error {
	if ev.HandleID == "" || ev.Kind == "" {
		return ErrInvalidEvent
	}
	if ev.ID == "" {
		ev.ID = model.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_events (id, handle_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.HandleID, ev.Kind, ev.Detail, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert engine event: %w", err)
	}
	return nil
}

// ListEngineEvents returns events newest first, along with the total number
// of events matching the filter.
func (s *SQLiteStore) ListEngineEvents(ctx context.Context, f EventFilter) ([]*model.EngineEvent, int, error) {
	var where []string
	var args []any
	if f.HandleID != "" {
		where = append(where, "handle_id = ?")
		args = append(args, f.HandleID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := max(f.Offset, 0)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM engine_events"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count engine events: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, handle_id, kind, detail, created_at
		FROM engine_events`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list engine events: %w", err)
	}
	defer rows.Close()

	var events []*model.EngineEvent
	for rows.Next() {
		ev := &model.EngineEvent{}
		if err := rows.Scan(&ev.ID, &ev.HandleID, &ev.Kind, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan engine event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate engine events: %w", err)
	}

	return events, total, nil
}

// CountEngineEvents returns the number of recorded events per kind.
func (s *SQLiteStore) CountEngineEvents(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM engine_events GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("count engine events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event counts: %w", err)
	}
	return counts, nil
}

// PruneEngineEvents deletes events recorded before the cutoff and reports how
// many were removed.
func (s *SQLiteStore) PruneEngineEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM engine_events WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune engine events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
