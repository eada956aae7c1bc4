package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusSourceDeliversFrames(t *testing.T) {
	client := startBus(t)
	src := NewBusSource(client, "kitchen")
	rec := &chunkRecorder{}
	if err := src.Start(context.Background(), rec.sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(src.Stop)

	frame := protocol.AudioFrame{
		Source:     "kitchen",
		Sequence:   7,
		SampleRate: 16000,
		Channels:   1,
		PCM:        Chunk{Samples: []int16{5, -5}}.PCM(),
	}
	if err := client.PublishJSON(protocol.AudioFrameSubject("kitchen"), frame); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.PublishJSON(protocol.AudioFrameSubject("garage"), frame); err != nil {
		t.Fatalf("publish: %v", err)
	}

	chunks := waitForChunks(t, rec, 1)
	if chunks[0].Sequence != 7 || chunks[0].Samples[1] != -5 {
		t.Fatalf("unexpected chunk %+v", chunks[0])
	}
}

func TestBusSourceWithoutBus(t *testing.T) {
	src := NewBusSource(nil, "kitchen")
	if err := src.Start(context.Background(), func(Chunk) {}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	src.Stop()
}
