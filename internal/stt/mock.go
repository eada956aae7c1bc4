package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

// MockOptions tunes the mock backend.
type MockOptions struct {
	// Languages restricts accepted locales; empty accepts any.
	Languages []string
	// PartialEvery emits a partial after every N chunks. Zero means 1.
	PartialEvery int
	// Unavailable makes Open and Available fail.
	Unavailable bool
}

type mockBackend struct {
	opts      MockOptions
	languages map[string]struct{}
}

// NewMockBackend returns a deterministic recognizer that reports how much
// audio it has heard.
func NewMockBackend(opts MockOptions) Backend {
	if opts.PartialEvery <= 0 {
		opts.PartialEvery = 1
	}
	return &mockBackend{opts: opts, languages: languageSet(opts.Languages)}
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Available(ctx context.Context) error {
	if m.opts.Unavailable {
		return fmt.Errorf("%w: mock recognizer disabled", ErrBackendUnavailable)
	}
	return ctx.Err()
}

func (m *mockBackend) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if err := m.Available(ctx); err != nil {
		return nil, err
	}
	if !supports(m.languages, cfg.Locale) {
		return nil, fmt.Errorf("%w: %q", ErrLocaleUnsupported, cfg.Locale)
	}
	return &mockStream{
		every:  m.opts.PartialEvery,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}, nil
}

type mockStream struct {
	every int

	mu      sync.Mutex
	chunks  int
	samples int
	ended   bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

var errMockClosed = errors.New("mock stream closed")

func (s *mockStream) Send(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return errMockClosed
	default:
	}
	if s.ended {
		return nil
	}
	s.chunks++
	s.samples += len(chunk.Samples)
	if s.chunks%s.every == 0 {
		s.emit(Partial(fmt.Sprintf("[partial transcript length=%d]", s.samples)))
	}
	return nil
}

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	s.emit(Final(fmt.Sprintf("[final transcript length=%d]", s.samples)))
	close(s.events)
	return nil
}

func (s *mockStream) Events() <-chan Event { return s.events }

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *mockStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
