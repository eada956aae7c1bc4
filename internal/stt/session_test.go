package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan Event, 64)}
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

func (l *eventLog) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (l *eventLog) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-l.ch:
		t.Fatalf("unexpected event %v %q", ev.Kind, ev.Text)
	case <-time.After(d):
	}
}

// fakeStream lets tests push events by hand.
type fakeStream struct {
	mu        sync.Mutex
	sent      int
	closeSend int
	closed    int
	sendErr   error
	events    chan Event
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan Event, 16)}
}

func (f *fakeStream) Send(audio.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return f.sendErr
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSend++
	return nil
}

func (f *fakeStream) Events() <-chan Event { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeStream) counts() (sent, closeSend, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.closeSend, f.closed
}

type fakeBackend struct {
	stream *fakeStream
	err    error
}

func (b fakeBackend) Name() string { return "fake" }

func (b fakeBackend) Open(context.Context, StreamConfig) (Stream, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.stream, nil
}

func chunk(n int) audio.Chunk {
	return audio.Chunk{SampleRate: 16000, Samples: make([]int16, n)}
}

func TestSessionDeliversPartialsThenFinal(t *testing.T) {
	stream := newFakeStream()
	log := newEventLog()
	sess, err := Open(context.Background(), fakeBackend{stream: stream}, StreamConfig{Locale: "en-US", SampleRate: 16000}, log.handle, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	stream.events <- Partial("hel")
	stream.events <- Event{Kind: EventPartial, Text: "hello", IsFinal: true}
	stream.events <- Partial("ignored")

	if ev := log.next(t); ev.Kind != EventPartial || ev.Text != "hel" {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if ev := log.next(t); ev.Kind != EventFinal || ev.Text != "hello" {
		t.Fatalf("expected final folded from flagged partial, got %+v", ev)
	}
	log.expectQuiet(t, 50*time.Millisecond)

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not shut down after final")
	}
	if _, _, closed := stream.counts(); closed != 1 {
		t.Fatalf("expected stream closed once, got %d", closed)
	}
}

func TestSessionFeedIgnoredAfterEndInput(t *testing.T) {
	stream := newFakeStream()
	log := newEventLog()
	sess, err := Open(context.Background(), fakeBackend{stream: stream}, StreamConfig{Locale: "en-US"}, log.handle, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Feed(chunk(10))
	sess.EndInput()
	sess.EndInput()
	sess.Feed(chunk(10))

	sent, closeSend, _ := stream.counts()
	if sent != 1 {
		t.Fatalf("expected 1 chunk forwarded, got %d", sent)
	}
	if closeSend != 1 {
		t.Fatalf("expected CloseSend once, got %d", closeSend)
	}
	sess.Cancel()
}

func TestSessionStreamEndWithoutResult(t *testing.T) {
	t.Run("after end of input yields last partial", func(t *testing.T) {
		stream := newFakeStream()
		log := newEventLog()
		sess, err := Open(context.Background(), fakeBackend{stream: stream}, StreamConfig{Locale: "en-US"}, log.handle, discardLogger())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		stream.events <- Partial("so far")
		log.next(t)
		sess.EndInput()
		close(stream.events)
		if ev := log.next(t); ev.Kind != EventFinal || ev.Text != "so far" {
			t.Fatalf("expected final with last partial, got %+v", ev)
		}
	})
	t.Run("before end of input is an error", func(t *testing.T) {
		stream := newFakeStream()
		log := newEventLog()
		if _, err := Open(context.Background(), fakeBackend{stream: stream}, StreamConfig{Locale: "en-US"}, log.handle, discardLogger()); err != nil {
			t.Fatalf("open: %v", err)
		}
		close(stream.events)
		ev := log.next(t)
		if ev.Kind != EventError || !errors.Is(ev.Err, ErrStreamClosed) {
			t.Fatalf("expected stream closed error, got %+v", ev)
		}
	})
}

func TestSessionSendFailureBecomesError(t *testing.T) {
	stream := newFakeStream()
	stream.sendErr = errors.New("socket gone")
	log := newEventLog()
	sess, err := Open(context.Background(), fakeBackend{stream: stream}, StreamConfig{Locale: "en-US"}, log.handle, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Feed(chunk(4))
	ev := log.next(t)
	if ev.Kind != EventError || ev.Err == nil {
		t.Fatalf("expected error event, got %+v", ev)
	}
	sess.Feed(chunk(4))
	log.expectQuiet(t, 50*time.Millisecond)
}

func TestSessionCancelStopsDelivery(t *testing.T) {
	stream := newFakeStream()
	log := newEventLog()
	sess, err := Open(context.Background(), fakeBackend{stream: stream}, StreamConfig{Locale: "en-US"}, log.handle, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Cancel()
	sess.Cancel()
	stream.events <- Final("late")
	log.expectQuiet(t, 50*time.Millisecond)

	sess.Feed(chunk(4))
	sess.EndInput()
	sent, closeSend, closed := stream.counts()
	if sent != 0 || closeSend != 0 {
		t.Fatalf("expected no traffic after cancel, sent=%d closeSend=%d", sent, closeSend)
	}
	if closed != 1 {
		t.Fatalf("expected stream closed once, got %d", closed)
	}
}

func TestSessionCancelFromHandler(t *testing.T) {
	stream := newFakeStream()
	log := newEventLog()
	var sess *Session
	ready := make(chan struct{})
	handler := func(ev Event) {
		<-ready
		sess.Cancel()
		log.handle(ev)
	}
	var err error
	sess, err = Open(context.Background(), fakeBackend{stream: stream}, StreamConfig{Locale: "en-US"}, handler, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	close(ready)
	stream.events <- Partial("one")
	stream.events <- Partial("two")
	if ev := log.next(t); ev.Text != "one" {
		t.Fatalf("unexpected event %+v", ev)
	}
	log.expectQuiet(t, 50*time.Millisecond)
}

func TestSessionCancelDuringDelivery(t *testing.T) {
	stream := newFakeStream()
	log := newEventLog()
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := func(ev Event) {
		if ev.Text == "one" {
			close(entered)
			<-release
		}
		log.handle(ev)
	}
	sess, err := Open(context.Background(), fakeBackend{stream: stream}, StreamConfig{Locale: "en-US"}, handler, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stream.events <- Partial("one")
	<-entered

	canceled := make(chan struct{})
	go func() {
		sess.Cancel()
		close(canceled)
	}()
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("cancel blocked behind a handler call in progress")
	}

	stream.events <- Final("two")
	close(release)
	if ev := log.next(t); ev.Text != "one" {
		t.Fatalf("expected the in-flight partial to complete, got %+v", ev)
	}
	log.expectQuiet(t, 50*time.Millisecond)
	select {
	case <-sess.Done():
	default:
		t.Fatal("expected session done after cancel")
	}
}

func TestOpenClassifiesErrors(t *testing.T) {
	_, err := Open(context.Background(), fakeBackend{err: errors.New("boom")}, StreamConfig{Locale: "en-US"}, func(Event) {}, discardLogger())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	_, err = Open(context.Background(), fakeBackend{err: ErrLocaleUnsupported}, StreamConfig{Locale: "xx"}, func(Event) {}, discardLogger())
	if !errors.Is(err, ErrLocaleUnsupported) || errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected locale unsupported only, got %v", err)
	}
}
