package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// WAVSource replays a WAV file as if it were a live microphone: chunks are
// paced at their real duration and, once the file is exhausted, silence keeps
// flowing until Stop.
type WAVSource struct {
	Path         string
	SampleRate   int // target rate; zero keeps the file's rate
	ChunkSamples int
	Pace         time.Duration // zero paces at real time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (w *WAVSource) Start(ctx context.Context, sink func(Chunk)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return errors.New("wav source already running")
	}

	samples, rate, err := loadWAV(w.Path, w.SampleRate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	size := w.ChunkSamples
	if size <= 0 {
		size = DefaultChunkSamples
	}
	interval := w.Pace
	if interval <= 0 {
		interval = time.Duration(size) * time.Second / time.Duration(rate)
	}

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(samples, rate, size, interval, sink, w.stop, w.done)
	return nil
}

func (w *WAVSource) run(samples []int16, rate, size int, interval time.Duration, sink func(Chunk), stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pos := 0
	for seq := 0; ; seq++ {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			buf := make([]int16, size)
			if pos < len(samples) {
				pos += copy(buf, samples[pos:])
			}
			sink(Chunk{Sequence: seq, SampleRate: rate, Samples: buf, Timestamp: now})
		}
	}
}

func (w *WAVSource) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// loadWAV decodes path into mono 16-bit samples at targetRate.
func loadWAV(path string, targetRate int) ([]int16, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}

	frames := len(buf.Data) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += buf.Data[i*channels+ch]
		}
		mono[i] = toInt16(sum/channels, depth)
	}

	rate := buf.Format.SampleRate
	if targetRate > 0 && rate > 0 && targetRate != rate {
		mono = resample(mono, rate, targetRate)
		rate = targetRate
	}
	if rate <= 0 {
		return nil, 0, fmt.Errorf("%s has no sample rate", path)
	}
	return mono, rate, nil
}

func toInt16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

// resample converts between rates by nearest-sample picking, which is enough
// for speech fed to a recognizer.
func resample(in []int16, from, to int) []int16 {
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	for i := range out {
		src := int(int64(i) * int64(from) / int64(to))
		if src >= len(in) {
			src = len(in) - 1
		}
		out[i] = in[src]
	}
	return out
}
