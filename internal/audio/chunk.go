package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Chunk is one buffer of mono 16-bit PCM produced by a Source. Consumers must
// treat Samples as read-only.
type Chunk struct {
	Sequence   int
	SampleRate int
	Samples    []int16
	Timestamp  time.Time
}

// Duration reports how much audio the chunk carries.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// PCM encodes the samples as little-endian bytes.
func (c Chunk) PCM() []byte {
	out := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ChunkFromPCM decodes little-endian 16-bit PCM, down-mixing interleaved
// channels to mono.
func ChunkFromPCM(sequence, sampleRate, channels int, pcm []byte, ts time.Time) (Chunk, error) {
	if len(pcm)%2 != 0 {
		return Chunk{}, fmt.Errorf("pcm payload not aligned")
	}
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	samples := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		samples[i] = int16(sum / channels)
	}
	return Chunk{
		Sequence:   sequence,
		SampleRate: sampleRate,
		Samples:    samples,
		Timestamp:  ts,
	}, nil
}
