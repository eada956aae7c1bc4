package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

// Handler receives session events. It is always called from the session's
// delivery goroutine, one event at a time.
type Handler func(Event)

// Session owns one recognition request.
//
// Feed, EndInput and Cancel are safe from any goroutine, including from
// inside the Handler. Exactly one terminal event is delivered unless the
// session is canceled first; nothing is delivered after a terminal event.
// Once Cancel returns no further event is accepted for delivery, but a
// Handler call already under way is not waited for; callers that must ignore
// it check their own ownership, as session.Controller does.
type Session struct {
	stream  Stream
	handler Handler
	log     *slog.Logger

	mu       sync.Mutex
	ended    bool
	done     bool
	lastText string

	sendErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// Open starts a recognition request on backend and begins delivering its
// events to handler.
func Open(ctx context.Context, backend Backend, cfg StreamConfig, handler Handler, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	stream, err := backend.Open(ctx, cfg)
	if err != nil {
		if !errors.Is(err, ErrLocaleUnsupported) && !errors.Is(err, ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		return nil, err
	}
	s := &Session{
		stream:  stream,
		handler: handler,
		log:     log.With(slog.String("backend", backend.Name())),
		sendErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// Feed forwards a chunk to the recognizer. After end of input, a terminal
// event or Cancel it is a no-op.
func (s *Session) Feed(chunk audio.Chunk) {
	if !s.accepting() {
		return
	}
	if err := s.stream.Send(chunk); err != nil {
		if !s.accepting() {
			return
		}
		select {
		case s.sendErr <- fmt.Errorf("send audio: %w", err):
		default:
		}
	}
}

func (s *Session) accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && !s.done
}

// EndInput tells the recognizer no more audio follows. The final or error
// event still arrives asynchronously.
func (s *Session) EndInput() {
	s.mu.Lock()
	if s.ended || s.done {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	if err := s.stream.CloseSend(); err != nil {
		s.log.Warn("failed to signal end of input", slogError(err))
		select {
		case s.sendErr <- fmt.Errorf("end input: %w", err):
		default:
		}
	}
}

// Cancel aborts the request. It does not wait for a Handler call in progress.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.done = true
	s.ended = true
	s.mu.Unlock()
	s.shutdown()
}

// Done is closed once the session has been shut down, by a terminal event or
// by Cancel.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) pump() {
	defer s.shutdown()
	events := s.stream.Events()
	for {
		select {
		case <-s.closed:
			return
		case err := <-s.sendErr:
			s.deliver(Failure(err))
			return
		case ev, ok := <-events:
			if !ok {
				s.deliver(s.closedEvent())
				return
			}
			ev = ev.normalized()
			if !s.deliver(ev) || ev.Terminal() {
				return
			}
		}
	}
}

// closedEvent stands in for a terminal event when a stream ends without one.
func (s *Session) closedEvent() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Final(s.lastText)
	}
	return Failure(ErrStreamClosed)
}

func (s *Session) deliver(ev Event) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	if ev.Terminal() {
		s.done = true
	}
	if ev.Kind == EventPartial {
		s.lastText = ev.Text
	}
	s.mu.Unlock()

	s.handler(ev)
	return true
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.stream.Close(); err != nil {
			s.log.Debug("close recognition stream", slogError(err))
		}
	})
}
