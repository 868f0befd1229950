package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"hooktun/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertAssignment persists the window→port mapping. The UNIQUE constraint on
// port backs the allocator's uniqueness invariant at the storage layer.
func (s *Store) UpsertAssignment(ctx context.Context, a model.PortAssignment) error {
	if a.WindowHandle == "" {
		return fmt.Errorf("window_handle is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("port %d out of range", a.Port)
	}
	now := time.Now().UTC()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO port_assignments(window_handle, port, assigned_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(window_handle) DO UPDATE SET
	port=excluded.port,
	updated_at=excluded.updated_at
`, string(a.WindowHandle), a.Port, ts(a.AssignedAt), ts(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

func (s *Store) DeleteAssignment(ctx context.Context, handle model.WindowHandle) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM port_assignments WHERE window_handle = ?`, string(handle))
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete assignment rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, handle model.WindowHandle) (model.PortAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT window_handle, port, assigned_at, updated_at
FROM port_assignments WHERE window_handle = ?`, string(handle))
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PortAssignment{}, ErrNotFound
	}
	if err != nil {
		return model.PortAssignment{}, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

func (s *Store) ListAssignments(ctx context.Context) ([]model.PortAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT window_handle, port, assigned_at, updated_at
FROM port_assignments ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PortAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func (s *Store) InsertSessionEvent(ctx context.Context, ev model.SessionEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_events(event_id, window_handle, from_state, to_state, reason_code, occurred_at)
VALUES (?, ?, ?, ?, ?, ?)
`, ev.EventID, string(ev.WindowHandle), string(ev.FromState), string(ev.ToState), nullableStr(ev.ReasonCode), ts(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

func (s *Store) ListSessionEvents(ctx context.Context, handle model.WindowHandle, limit int) ([]model.SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, window_handle, from_state, to_state, reason_code, occurred_at
FROM session_events WHERE window_handle = ?
ORDER BY occurred_at DESC LIMIT ?`, string(handle), limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SessionEvent
	for rows.Next() {
		var ev model.SessionEvent
		var handleRaw, fromRaw, toRaw, occurredRaw string
		var reason sql.NullString
		if err := rows.Scan(&ev.EventID, &handleRaw, &fromRaw, &toRaw, &reason, &occurredRaw); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.WindowHandle = model.WindowHandle(handleRaw)
		ev.FromState = model.SessionState(fromRaw)
		ev.ToState = model.SessionState(toRaw)
		ev.ReasonCode = reason.String
		occurred, err := parseTS(occurredRaw)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		ev.OccurredAt = occurred
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (model.PortAssignment, error) {
	var a model.PortAssignment
	var handleRaw, assignedRaw, updatedRaw string
	if err := row.Scan(&handleRaw, &a.Port, &assignedRaw, &updatedRaw); err != nil {
		return model.PortAssignment{}, err
	}
	a.WindowHandle = model.WindowHandle(handleRaw)
	assigned, err := parseTS(assignedRaw)
	if err != nil {
		return model.PortAssignment{}, fmt.Errorf("parse assigned_at: %w", err)
	}
	a.AssignedAt = assigned
	updated, err := parseTS(updatedRaw)
	if err != nil {
		return model.PortAssignment{}, fmt.Errorf("parse updated_at: %w", err)
	}
	a.UpdatedAt = updated
	return a, nil
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
