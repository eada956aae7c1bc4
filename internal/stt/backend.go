// Package stt wraps streaming speech recognizers. A Backend opens Streams;
// Session drives one Stream for the lifetime of a listening session and
// delivers its events in order.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

var (
	ErrLocaleUnsupported  = errors.New("locale not supported by recognizer")
	ErrBackendUnavailable = errors.New("recognizer unavailable")
	ErrStreamClosed       = errors.New("recognition stream closed before a result")
)

// StreamConfig describes the audio a stream will receive.
type StreamConfig struct {
	Locale     string
	SampleRate int
}

// Backend abstracts streaming STT engines.
type Backend interface {
	Name() string
	// Open starts a recognition request. Errors wrap ErrLocaleUnsupported or
	// ErrBackendUnavailable.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one in-flight recognition request.
//
// Events yields zero or more partials followed by one final or error event,
// after which the channel is closed. Send and CloseSend may be called from a
// different goroutine than the one reading Events. Close releases the request
// and must unblock any pending send on the events channel.
type Stream interface {
	Send(chunk audio.Chunk) error
	CloseSend() error
	Events() <-chan Event
	Close() error
}

// AvailabilityChecker is implemented by backends that can tell whether they
// are authorized and reachable before a session is opened.
type AvailabilityChecker interface {
	Available(ctx context.Context) error
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.STTConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockBackend(MockOptions{Languages: cfg.Languages}), nil
	case "exec":
		return NewExecBackend(cfg, log)
	case "websocket":
		return NewWebsocketBackend(cfg, log)
	case "vosk":
		return NewVoskBackend(cfg, log)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func languageSet(languages []string) map[string]struct{} {
	if len(languages) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(languages))
	for _, l := range languages {
		set[l] = struct{}{}
	}
	return set
}

// supports reports whether locale is allowed; a nil set allows everything.
func supports(set map[string]struct{}, locale string) bool {
	if locale == "" {
		return false
	}
	if set == nil {
		return true
	}
	_, ok := set[locale]
	return ok
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
