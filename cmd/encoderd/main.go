// SPDX-License-Identifier: MIT

// encoderd is the fleet worker: it connects to the dispatcher, accepts
// encode jobs, and runs them through ffmpeg.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/fleet/encoder"
	"github.com/fetcharr/fetcharr/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.LoadEncoder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "fetcharr-encoderd",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := encoder.New(encoder.Config{
		DispatcherAddr:    cfg.DispatcherAddr,
		EncoderID:         cfg.EncoderID,
		GPUDevice:         cfg.GPUDevice,
		MaxConcurrent:     cfg.MaxConcurrent,
		Version:           version,
		Capabilities:      cfg.Capabilities,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		DrainTimeout:      cfg.DrainTimeout,
	}, &encoder.CommandTranscoder{Binary: cfg.FFmpegBinary})

	logger.Info().
		Str(log.FieldEncoderID, cfg.EncoderID).
		Str("dispatcher_addr", cfg.DispatcherAddr).
		Str(log.FieldGPUDevice, cfg.GPUDevice).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("starting encoderd")

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("encoderd exited")
		os.Exit(1)
	}
	logger.Info().Msg("encoderd stopped")
}
