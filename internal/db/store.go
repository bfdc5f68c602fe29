// Package db persists the control plane's audit trail: one row per handled
// request plus an archive of posted notifications. The directory graph
// itself is never persisted; short references must not survive a relaunch.
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

// ControlEvent is one handled control-socket request.
type ControlEvent struct {
	RequestID string
	Method    string
	OK        bool
	ErrorKind string
	PeerPID   int
	Duration  time.Duration
	CreatedAt time.Time
}

func (s *Store) RecordEvent(ctx context.Context, ev ControlEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ok := 0
	if ev.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO control_events(request_id, method, ok, error_kind, peer_pid, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.Method, ok, ev.ErrorKind, ev.PeerPID,
		ev.Duration.Milliseconds(), ts(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("record control event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]ControlEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, method, ok, error_kind, peer_pid, duration_ms, created_at
FROM control_events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list control events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ControlEvent
	for rows.Next() {
		var (
			ev         ControlEvent
			ok         int
			durationMS int64
			createdAt  string
		)
		if err := rows.Scan(&ev.RequestID, &ev.Method, &ok, &ev.ErrorKind, &ev.PeerPID, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan control event: %w", err)
		}
		ev.OK = ok == 1
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			ev.CreatedAt = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ArchivedNotification mirrors a posted notification for later inspection.
type ArchivedNotification struct {
	NotificationID string
	Title          string
	Subtitle       string
	Body           string
	SurfaceID      string
	CreatedAt      time.Time
}

func (s *Store) ArchiveNotification(ctx context.Context, n ArchivedNotification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notification_archive(notification_id, title, subtitle, body, surface_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(notification_id) DO NOTHING`,
		n.NotificationID, n.Title, n.Subtitle, n.Body, n.SurfaceID, ts(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("archive notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, limit int) ([]ArchivedNotification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT notification_id, title, subtitle, body, surface_id, created_at
FROM notification_archive ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notification archive: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ArchivedNotification
	for rows.Next() {
		var (
			n         ArchivedNotification
			createdAt string
		)
		if err := rows.Scan(&n.NotificationID, &n.Title, &n.Subtitle, &n.Body, &n.SurfaceID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan archived notification: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			n.CreatedAt = t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PurgeBefore drops audit rows older than cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM control_events WHERE created_at < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge control events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notification_archive WHERE created_at < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge notification archive: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
