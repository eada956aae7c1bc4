package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/session"
)

const writeTimeout = 2 * time.Second

// Recorder is a session.Listener that writes each session to the journal.
type Recorder struct {
	store         *Store
	backend       string
	recordPartial bool
	log           *slog.Logger

	mu        sync.Mutex
	sessionID string
	finalText string
}

func NewRecorder(store *Store, backend string, recordPartials bool) *Recorder {
	return &Recorder{
		store:         store,
		backend:       backend,
		recordPartial: recordPartials,
		log:           store.log,
	}
}

func (r *Recorder) OnSessionStarted(id, locale string) {
	r.mu.Lock()
	r.sessionID, r.finalText = id, ""
	r.mu.Unlock()
	r.write("start session", func(ctx context.Context) error {
		return r.store.StartSession(ctx, id, locale, r.backend)
	})
}

func (r *Recorder) OnSessionEnded(id string, outcome session.Outcome) {
	r.mu.Lock()
	final := r.finalText
	r.sessionID, r.finalText = "", ""
	r.mu.Unlock()
	r.write("end session", func(ctx context.Context) error {
		return r.store.EndSession(ctx, id, string(outcome), final)
	})
}

func (r *Recorder) OnPartial(text string) {
	if !r.recordPartial {
		return
	}
	r.append("partial", text)
}

func (r *Recorder) OnFinal(text string) {
	r.mu.Lock()
	r.finalText = text
	r.mu.Unlock()
	r.append("final", text)
}

func (r *Recorder) OnError(err error) {
	r.append("error", err.Error())
}

func (r *Recorder) OnReadyChanged(bool) {}

func (r *Recorder) append(kind, text string) {
	r.mu.Lock()
	id := r.sessionID
	r.mu.Unlock()
	if id == "" {
		return
	}
	r.write("append "+kind, func(ctx context.Context) error {
		return r.store.AppendEvent(ctx, Event{SessionID: id, Kind: kind, Text: text})
	})
}

func (r *Recorder) write(what string, fn func(context.Context) error) {
	if !r.store.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.log.Warn("journal write failed", slog.String("op", what), slogError(err))
	}
}
