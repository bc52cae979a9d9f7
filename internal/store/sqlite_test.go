package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/store"
	"github.com/rupak1811/permiso/internal/testutil"
)

func TestKeyValueLifecycle(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "session.credential"); err != nil || ok {
		t.Fatalf("Get on empty store = ok:%v err:%v, want absent", ok, err)
	}

	if err := s.Set(ctx, "session.credential", "tok-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "session.credential", "tok-2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}

	got, ok, err := s.Get(ctx, "session.credential")
	if err != nil || !ok || got != "tok-2" {
		t.Fatalf("Get = %q ok:%v err:%v, want tok-2", got, ok, err)
	}

	if err := s.Remove(ctx, "session.credential"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "session.credential"); err != nil {
		t.Fatalf("Remove of absent key: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "session.credential"); ok {
		t.Error("key still present after Remove")
	}
}

func TestValuesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permiso.db")
	ctx := context.Background()

	first, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Set(ctx, "session.last_activity_at", "1700000000000"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	got, ok, err := second.Get(ctx, "session.last_activity_at")
	if err != nil || !ok || got != "1700000000000" {
		t.Errorf("after reopen Get = %q ok:%v err:%v", got, ok, err)
	}
}

func TestRecentSessionEventsNewestFirst(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	events := []model.SessionEvent{
		{State: "active", CreatedAt: base},
		{State: "expired", Reason: "expired", CreatedAt: base.Add(11 * time.Minute)},
		{State: "unauthenticated", Reason: "expired", CreatedAt: base.Add(12 * time.Minute)},
	}
	for _, ev := range events {
		if err := s.RecordSessionEvent(ctx, ev); err != nil {
			t.Fatalf("RecordSessionEvent: %v", err)
		}
	}

	got, err := s.RecentSessionEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSessionEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].State != "unauthenticated" || got[1].State != "expired" {
		t.Errorf("order = %s, %s", got[0].State, got[1].State)
	}
	if got[0].ID == "" {
		t.Error("expected generated ID")
	}
}
