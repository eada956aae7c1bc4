//go:build !portaudio

package audio

import (
	"context"
	"fmt"
)

// MicSource is unavailable in builds without the portaudio tag.
type MicSource struct{}

func NewMicSource(int, int) *MicSource { return &MicSource{} }

func (m *MicSource) Start(context.Context, func(Chunk)) error {
	return fmt.Errorf("%w: built without portaudio (build with: go build -tags portaudio)", ErrDeviceUnavailable)
}

func (m *MicSource) Stop() {}
