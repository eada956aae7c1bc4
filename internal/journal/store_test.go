package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenEphemeral(t *testing.T) {
	store, err := Open(context.Background(), config.JournalConfig{RetentionMode: RetentionEphemeral}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Enabled() {
		t.Fatal("ephemeral journal should have no database")
	}
	if err := store.StartSession(context.Background(), "s", "en-US", "mock"); err != nil {
		t.Fatalf("ephemeral writes should be no-ops: %v", err)
	}
	sessions, err := store.Sessions(context.Background(), 10)
	if err != nil || sessions != nil {
		t.Fatalf("expected nothing recorded, got %v %v", sessions, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, config.JournalConfig{RetentionMode: RetentionPersistent})

	if err := store.StartSession(ctx, "s-1", "en-US", "mock"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	for _, e := range []Event{
		{SessionID: "s-1", Kind: "partial", Text: "hel"},
		{SessionID: "s-1", Kind: "final", Text: "hello world"},
	} {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := store.EndSession(ctx, "s-1", "completed", "hello world"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	sessions, err := store.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Outcome != "completed" || got.FinalText != "hello world" || got.Locale != "en-US" || got.Backend != "mock" {
		t.Fatalf("unexpected session row %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("expected ended_at to be set")
	}

	events, err := store.SessionEvents(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Kind != "partial" || events[1].Text != "hello world" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, config.JournalConfig{RetentionMode: RetentionPersistent, RetentionDays: 1, MaxSessions: 1})

	store.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := store.StartSession(ctx, "old", "en-US", "mock"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := store.AppendEvent(ctx, Event{SessionID: "old", Kind: "final", Text: "bye"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	store.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := store.StartSession(ctx, id, "en-US", "mock"); err != nil {
			t.Fatalf("start session: %v", err)
		}
	}
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	sessions, err := store.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new" {
		t.Fatalf("expected only the newest session kept, got %+v", sessions)
	}
	events, err := store.SessionEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected events of pruned session removed")
	}
}

func TestSessionRetentionStartsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	first, err := Open(ctx, config.JournalConfig{Path: path, RetentionMode: RetentionPersistent}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.StartSession(ctx, "earlier", "en-US", "mock"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openStore(t, config.JournalConfig{Path: path, RetentionMode: RetentionSession})
	sessions, err := second.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected session retention to clear prior runs, got %d", len(sessions))
	}
}
