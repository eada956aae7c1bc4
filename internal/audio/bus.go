package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource captures audio frames published by remote devices on
// audio.frame.<source>.
type BusSource struct {
	bus    *bus.Client
	source string

	mu   sync.Mutex
	sub  *nats.Subscription
	sink func(Chunk)
}

func NewBusSource(busClient *bus.Client, source string) *BusSource {
	return &BusSource{bus: busClient, source: source}
}

func (b *BusSource) Start(ctx context.Context, sink func(Chunk)) error {
	if b.bus == nil || !b.bus.Healthy() {
		return fmt.Errorf("%w: bus not connected", ErrDeviceUnavailable)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return fmt.Errorf("bus source %s already running", b.source)
	}

	subject := protocol.AudioFrameSubject(b.source)
	sub, err := b.bus.Conn().Subscribe(subject, b.handleFrame)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrDeviceUnavailable, subject, err)
	}
	if err := b.bus.Conn().FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%w: flush subscription: %w", ErrDeviceUnavailable, err)
	}
	b.sub = sub
	b.sink = sink
	return nil
}

func (b *BusSource) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		b.bus.Logger().Warn("failed to decode audio frame", slogError(err))
		return
	}
	chunk, err := ChunkFromPCM(frame.Sequence, frame.SampleRate, frame.Channels, frame.PCM, time.Now())
	if err != nil {
		b.bus.Logger().Warn("dropping audio frame", slogError(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink == nil {
		return
	}
	b.sink(chunk)
}

func (b *BusSource) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.sink = nil
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}
