//go:build vosk

package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

// voskBackend recognizes locally with one Vosk model per locale, loaded from
// <model_path>/<locale>.
type voskBackend struct {
	root string
	log  *slog.Logger

	mu     sync.Mutex
	models map[string]*vosk.VoskModel
}

type voskResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

func NewVoskBackend(cfg config.STTConfig, log *slog.Logger) (Backend, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("vosk backend requires stt.model_path")
	}
	if log == nil {
		log = slog.Default()
	}
	vosk.SetLogLevel(-1)
	return &voskBackend{
		root:   cfg.ModelPath,
		log:    log.With(slog.String("backend", "vosk")),
		models: make(map[string]*vosk.VoskModel),
	}, nil
}

func (b *voskBackend) Name() string { return "vosk" }

func (b *voskBackend) Available(context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: vosk model directory %s missing", ErrBackendUnavailable, b.root)
	}
	return nil
}

func (b *voskBackend) model(locale string) (*vosk.VoskModel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.models[locale]; ok {
		return m, nil
	}
	dir := filepath.Join(b.root, locale)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: no vosk model for %q", ErrLocaleUnsupported, locale)
	}
	m, err := vosk.NewModel(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: load vosk model %s: %w", ErrBackendUnavailable, dir, err)
	}
	b.models[locale] = m
	return m, nil
}

func (b *voskBackend) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if cfg.Locale == "" {
		return nil, fmt.Errorf("%w: empty locale", ErrLocaleUnsupported)
	}
	if err := b.Available(ctx); err != nil {
		return nil, err
	}
	model, err := b.model(cfg.Locale)
	if err != nil {
		return nil, err
	}
	rec, err := vosk.NewRecognizer(model, float64(cfg.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("%w: create vosk recognizer: %w", ErrBackendUnavailable, err)
	}
	return &voskStream{
		rec:    rec,
		log:    b.log,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}, nil
}

type voskStream struct {
	log *slog.Logger

	mu        sync.Mutex
	rec       *vosk.VoskRecognizer
	committed []string
	ended     bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *voskStream) Send(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return errors.New("vosk stream closed")
	}
	if s.ended {
		return nil
	}
	var res voskResult
	if s.rec.AcceptWaveform(chunk.PCM()) == 1 {
		if err := json.Unmarshal([]byte(s.rec.Result()), &res); err != nil {
			return fmt.Errorf("decode vosk result: %w", err)
		}
		if text := strings.TrimSpace(res.Text); text != "" {
			s.committed = append(s.committed, text)
			s.emit(Partial(strings.Join(s.committed, " ")))
		}
		return nil
	}
	if err := json.Unmarshal([]byte(s.rec.PartialResult()), &res); err != nil {
		return fmt.Errorf("decode vosk partial: %w", err)
	}
	if text := strings.TrimSpace(res.Partial); text != "" {
		s.emit(Partial(strings.Join(append(append([]string(nil), s.committed...), text), " ")))
	}
	return nil
}

func (s *voskStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.rec == nil {
		return nil
	}
	s.ended = true
	defer close(s.events)

	var res voskResult
	if err := json.Unmarshal([]byte(s.rec.FinalResult()), &res); err != nil {
		s.emit(Failure(fmt.Errorf("decode vosk final: %w", err)))
		return nil
	}
	if text := strings.TrimSpace(res.Text); text != "" {
		s.committed = append(s.committed, text)
	}
	s.emit(Final(strings.Join(s.committed, " ")))
	return nil
}

func (s *voskStream) Events() <-chan Event { return s.events }

func (s *voskStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		s.rec.Free()
		s.rec = nil
	}
	return nil
}

func (s *voskStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
