// Command loqad runs the listening daemon: it exposes a session controller
// over the bus and serves health, status and metrics over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		check       bool
	)

	flag.StringVar(&configPath, "config", "loqa-listen.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&check, "check", false, "Validate the configuration, print the effective settings and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loqad: %v\n", err)
		os.Exit(1)
	}

	if check {
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			fmt.Fprintf(os.Stderr, "loqad: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Telemetry.Level()})).
		With(slog.String("runtime", cfg.RuntimeName), slog.String("node", cfg.Node.ID))
	logger.Info("starting loqad",
		slog.String("version", version),
		slog.String("audio", cfg.Audio.Mode),
		slog.String("recognizer", cfg.STT.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
