package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/session"
)

func TestRecorderWritesSessions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, config.JournalConfig{RetentionMode: RetentionPersistent})
	rec := NewRecorder(store, "mock", true)

	rec.OnSessionStarted("a", "en-US")
	rec.OnPartial("hel")
	rec.OnFinal("hello")
	rec.OnSessionEnded("a", session.OutcomeCompleted)
	rec.OnReadyChanged(true)

	rec.OnSessionStarted("b", "zh-TW")
	rec.OnError(errors.New("network lost"))
	rec.OnSessionEnded("b", session.OutcomeFailed)

	rec.OnSessionStarted("c", "en-US")
	rec.OnSessionEnded("c", session.OutcomeCanceled)

	rec.OnPartial("stray")

	sessions, err := store.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	outcomes := map[string]Session{}
	for _, s := range sessions {
		outcomes[s.ID] = s
	}
	if outcomes["a"].Outcome != "completed" || outcomes["a"].FinalText != "hello" {
		t.Fatalf("unexpected session a %+v", outcomes["a"])
	}
	if outcomes["b"].Outcome != "failed" || outcomes["b"].Locale != "zh-TW" {
		t.Fatalf("unexpected session b %+v", outcomes["b"])
	}
	if outcomes["c"].Outcome != "canceled" || outcomes["c"].FinalText != "" {
		t.Fatalf("unexpected session c %+v", outcomes["c"])
	}

	events, err := store.SessionEvents(ctx, "a", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Kind != "partial" || events[1].Kind != "final" {
		t.Fatalf("unexpected events for a: %+v", events)
	}
	events, err = store.SessionEvents(ctx, "b", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Text != "network lost" {
		t.Fatalf("unexpected events for b: %+v", events)
	}
}

func TestRecorderSkipsPartialsWhenDisabled(t *testing.T) {
	store := openStore(t, config.JournalConfig{RetentionMode: RetentionPersistent})
	rec := NewRecorder(store, "mock", false)

	rec.OnSessionStarted("a", "en-US")
	rec.OnPartial("hel")
	rec.OnFinal("hello")
	rec.OnSessionEnded("a", session.OutcomeCompleted)

	events, err := store.SessionEvents(context.Background(), "a", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "final" {
		t.Fatalf("expected only the final event, got %+v", events)
	}
}
