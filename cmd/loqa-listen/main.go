// Command loqa-listen transcribes one utterance from the microphone, a WAV
// file or the bus and prints the final transcript on stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

var version = "0.1.0-dev"

const setupTimeout = 10 * time.Second

func main() {
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	os.Exit(run(os.Args[1:], interrupts, os.Stdout, os.Stderr))
}

// console prints session progress and reports how the session ended.
type console struct {
	session.ListenerFuncs
	ended chan session.Outcome
}

func (c *console) OnSessionStarted(string, string) {}

func (c *console) OnSessionEnded(_ string, outcome session.Outcome) {
	c.ended <- outcome
}

// syncWriter serializes writes from the listener goroutine and run.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func run(args []string, interrupts <-chan os.Signal, stdout, stderr io.Writer) int {
	stdout = &syncWriter{w: stdout}
	stderr = &syncWriter{w: stderr}
	fs := flag.NewFlagSet("loqa-listen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	locale := fs.String("locale", "", "Recognition locale (defaults to stt.language)")
	wavPath := fs.String("wav", "", "Transcribe a WAV file instead of live audio")
	verbose := fs.Bool("v", false, "Log at info level")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "loqa-listen: %v\n", err)
		return 1
	}
	level := slog.LevelWarn
	if *verbose {
		level = cfg.Telemetry.Level()
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if *configPath == "" {
		cfg.Audio.Mode = "mic"
	}
	if *wavPath != "" {
		cfg.Audio.Mode = "wav"
		cfg.Audio.WAVPath = *wavPath
	}
	if *locale == "" {
		*locale = cfg.STT.Language
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	var busClient *bus.Client
	if cfg.Audio.Mode == "bus" {
		busClient, err = bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			fmt.Fprintf(stderr, "loqa-listen: %v\n", err)
			return 1
		}
		defer busClient.Close()
	}

	source, err := audio.NewSource(cfg.Audio, busClient)
	if err != nil {
		fmt.Fprintf(stderr, "loqa-listen: %v\n", err)
		return 1
	}
	backend, err := stt.New(cfg.STT, logger)
	if err != nil {
		fmt.Fprintf(stderr, "loqa-listen: %v\n", err)
		return 1
	}

	out := &console{ended: make(chan session.Outcome, 1)}
	out.Partial = func(text string) { fmt.Fprintf(stderr, "… %s\n", text) }
	out.Final = func(text string) { fmt.Fprintln(stdout, text) }
	out.Error = func(err error) { fmt.Fprintf(stderr, "loqa-listen: recognition failed: %v\n", err) }

	ctrl, err := session.New(session.Options{
		Source:        source,
		Backend:       backend,
		Listener:      out,
		SilenceWindow: time.Duration(cfg.STT.SilenceTimeoutMS) * time.Millisecond,
		SampleRate:    cfg.Audio.SampleRate,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "loqa-listen: %v\n", err)
		return 1
	}
	defer ctrl.Close()

	if err := ctrl.Prepare(ctx); err != nil {
		fmt.Fprintf(stderr, "loqa-listen: %v\n", err)
		return 1
	}
	if err := ctrl.Begin(ctx, *locale); err != nil {
		fmt.Fprintf(stderr, "loqa-listen: %v\n", err)
		return 1
	}

	interrupted := 0
	for {
		select {
		case outcome := <-out.ended:
			switch outcome {
			case session.OutcomeCompleted:
				return 0
			case session.OutcomeCanceled:
				return 130
			default:
				return 1
			}
		case <-interrupts:
			interrupted++
			if interrupted == 1 {
				fmt.Fprintln(stderr, "finishing; interrupt again to abort")
				ctrl.RequestStop()
				continue
			}
			ctrl.Cancel()
		}
	}
}
