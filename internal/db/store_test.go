package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store
}

func TestMigrationsIdempotent(t *testing.T) {
	store := openTestStore(t)
	if err := ApplyMigrations(context.Background(), store.DB()); err != nil {
		t.Fatalf("second apply: %v", err)
	}
}

func TestRecordAndListEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	events := []ControlEvent{
		{RequestID: "1", Method: "workspace.list", OK: true, PeerPID: 42, Duration: 3 * time.Millisecond},
		{RequestID: "2", Method: "surface.split", OK: false, ErrorKind: "ScopeMismatch", PeerPID: 42},
	}
	for _, ev := range events {
		if err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("record %s: %v", ev.Method, err)
		}
	}

	got, err := store.ListEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Method != "surface.split" || got[0].OK {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[0].ErrorKind != "ScopeMismatch" {
		t.Fatalf("error kind = %q", got[0].ErrorKind)
	}
	if got[1].Method != "workspace.list" || !got[1].OK {
		t.Fatalf("second event = %+v", got[1])
	}
}

func TestArchiveNotificationIdempotentPerID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	n := ArchivedNotification{NotificationID: "n-1", Title: "build done"}
	if err := store.ArchiveNotification(ctx, n); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := store.ArchiveNotification(ctx, n); err != nil {
		t.Fatalf("re-archive: %v", err)
	}
	got, err := store.ListNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("archived = %d, want 1", len(got))
	}
}

func TestPurgeBefore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := ControlEvent{RequestID: "old", Method: "system.ping", OK: true, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := ControlEvent{RequestID: "fresh", Method: "system.ping", OK: true}
	if err := store.RecordEvent(ctx, old); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := store.RecordEvent(ctx, fresh); err != nil {
		t.Fatalf("record fresh: %v", err)
	}

	if err := store.PurgeBefore(ctx, time.Now().UTC().Add(-24*time.Hour)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	got, err := store.ListEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "fresh" {
		t.Fatalf("after purge = %+v", got)
	}
}
