// Package audio defines the capture side of a listening session: fixed-size
// PCM chunks pushed by a Source at a steady cadence.
package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
)

// DefaultChunkSamples matches the tap size used by most capture stacks.
const DefaultChunkSamples = 1024

// ErrDeviceUnavailable means there is no usable input device, or access to it
// was refused.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// Source delivers audio chunks to a sink until stopped.
//
// Start acquires the device and returns once capture is running; ctx bounds
// acquisition only. Chunks are delivered sequentially from a single goroutine.
// Stop releases the device, is idempotent, is safe before Start, and returns
// only after the sink will no longer be called. A stopped Source may be
// started again.
type Source interface {
	Start(ctx context.Context, sink func(Chunk)) error
	Stop()
}

// NewSource builds the Source selected by cfg.Mode.
func NewSource(cfg config.AudioConfig, busClient *bus.Client) (Source, error) {
	chunk := cfg.ChunkSamples
	if chunk <= 0 {
		chunk = DefaultChunkSamples
	}
	switch cfg.Mode {
	case "wav":
		return &WAVSource{Path: cfg.WAVPath, SampleRate: cfg.SampleRate, ChunkSamples: chunk}, nil
	case "bus":
		return NewBusSource(busClient, cfg.Source), nil
	case "mic":
		return NewMicSource(cfg.SampleRate, chunk), nil
	default:
		return nil, fmt.Errorf("unknown audio mode %q", cfg.Mode)
	}
}
