//go:build portaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// MicSource captures the default input device through PortAudio.
type MicSource struct {
	sampleRate int
	frames     int

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
	done    chan struct{}
}

func NewMicSource(sampleRate, framesPerBuffer int) *MicSource {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultChunkSamples
	}
	return &MicSource{sampleRate: sampleRate, frames: framesPerBuffer}
}

func (m *MicSource) Start(ctx context.Context, sink func(Chunk)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("microphone already running")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	buffer := make([]int16, m.frames)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), m.frames, buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	m.stream = stream
	m.running = true
	m.done = make(chan struct{})
	go m.readLoop(stream, buffer, sink, m.done)
	return nil
}

func (m *MicSource) readLoop(stream *portaudio.Stream, buffer []int16, sink func(Chunk), done chan struct{}) {
	defer close(done)
	for seq := 0; ; seq++ {
		err := stream.Read()
		m.mu.Lock()
		running := m.running
		m.mu.Unlock()
		if !running {
			return
		}
		if err != nil {
			// Overflows are transient; give the device a moment.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		samples := make([]int16, len(buffer))
		copy(samples, buffer)
		sink(Chunk{Sequence: seq, SampleRate: m.sampleRate, Samples: samples, Timestamp: time.Now()})
	}
}

func (m *MicSource) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stream := m.stream
	done := m.done
	m.stream = nil
	m.mu.Unlock()

	// Stopping the stream unblocks a pending Read.
	_ = stream.Stop()
	<-done
	_ = stream.Close()
	portaudio.Terminate()
}
