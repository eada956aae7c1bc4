package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/mattn/go-shellwords"
)

// execBackend shells out to an external transcriber. The command receives a
// WAV file of everything heard so far and prints {"text", "confidence"}.
type execBackend struct {
	cmd       []string
	cfg       config.STTConfig
	languages map[string]struct{}
	log       *slog.Logger
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecBackend(cfg config.STTConfig, log *slog.Logger) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &execBackend{
		cmd:       args,
		cfg:       cfg,
		languages: languageSet(cfg.Languages),
		log:       log.With(slog.String("backend", "exec")),
	}, nil
}

func (b *execBackend) Name() string { return "exec" }

func (b *execBackend) Available(context.Context) error {
	if _, err := exec.LookPath(b.cmd[0]); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *execBackend) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if !supports(b.languages, cfg.Locale) {
		return nil, fmt.Errorf("%w: %q", ErrLocaleUnsupported, cfg.Locale)
	}
	if err := b.Available(ctx); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &execStream{
		backend:    b,
		locale:     cfg.Locale,
		sampleRate: cfg.SampleRate,
		interval:   time.Duration(b.cfg.PartialEveryMS) * time.Millisecond,
		lastRun:    time.Now(),
		ctx:        runCtx,
		cancel:     cancel,
		events:     make(chan Event, 8),
	}, nil
}

type execStream struct {
	backend    *execBackend
	locale     string
	sampleRate int
	interval   time.Duration

	mu       sync.Mutex
	pcm      []byte
	lastRun  time.Time
	inflight bool
	ended    bool
	partials sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
}

func (s *execStream) Send(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if s.ended {
		return nil
	}
	s.pcm = append(s.pcm, chunk.PCM()...)
	if s.interval <= 0 || s.inflight || time.Since(s.lastRun) < s.interval {
		return nil
	}
	s.inflight = true
	s.lastRun = time.Now()
	snapshot := append([]byte(nil), s.pcm...)
	s.partials.Add(1)
	go s.runPartial(snapshot)
	return nil
}

func (s *execStream) runPartial(pcm []byte) {
	defer s.partials.Done()
	res, err := s.backend.transcribe(s.ctx, pcm, s.sampleRate, s.locale, false)

	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()

	if err != nil {
		if s.ctx.Err() == nil {
			s.backend.log.Warn("partial transcription failed", slogError(err))
		}
		return
	}
	if res.Text == "" {
		return
	}
	ev := Partial(res.Text)
	ev.Confidence = res.Confidence
	s.emit(ev)
}

func (s *execStream) CloseSend() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	pcm := s.pcm
	s.pcm = nil
	s.mu.Unlock()

	go func() {
		defer close(s.events)
		s.partials.Wait()
		res, err := s.backend.transcribe(s.ctx, pcm, s.sampleRate, s.locale, true)
		if err != nil {
			s.emit(Failure(err))
			return
		}
		ev := Final(res.Text)
		ev.Confidence = res.Confidence
		s.emit(ev)
	}()
	return nil
}

func (s *execStream) Events() <-chan Event { return s.events }

func (s *execStream) Close() error {
	s.cancel()
	return nil
}

func (s *execStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (b *execBackend) transcribe(ctx context.Context, pcm []byte, sampleRate int, locale string, final bool) (execResult, error) {
	file, err := os.CreateTemp("", "loqa_listen_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate); err != nil {
		return execResult{}, err
	}

	args := append([]string{}, b.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}
	if locale != "" {
		args = append(args, "--language", locale)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, b.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return execResult{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}}
	buffer.Data = make([]int, len(pcm)/2)
	for i := range buffer.Data {
		buffer.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
