//go:build !vosk

package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/config"
)

func NewVoskBackend(config.STTConfig, *slog.Logger) (Backend, error) {
	return nil, errors.New("vosk backend not compiled in; rebuild with -tags vosk")
}
