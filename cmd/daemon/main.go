// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command daemon runs the autocapture runtime core: governor, scheduler,
// conductor loop and the operator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ninjra/autocapture-prime/internal/config"
	"github.com/ninjra/autocapture-prime/internal/daemon"
	"github.com/ninjra/autocapture-prime/internal/log"
	"github.com/ninjra/autocapture-prime/internal/signals"
	"github.com/ninjra/autocapture-prime/internal/telemetry"
	"github.com/ninjra/autocapture-prime/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "daemon:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath      = flag.String("config", "", "path to YAML config file")
		addr            = flag.String("addr", "", "operator API listen address (overrides config)")
		activityPath    = flag.String("activity", "", "activity signal file path (overrides config)")
		safeMode        = flag.Bool("safe-mode", false, "start with safe mode forced on")
		simulateSidecar = flag.Bool("simulate-sidecar", false, "write a synthetic activity feed instead of running the daemon")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if *activityPath != "" {
		cfg.Signals.Path = *activityPath
	}
	if *safeMode {
		cfg.Governor.SafeMode = true
	}

	log.Configure(log.Config{
		Level:   cfg.Log.Level,
		Service: cfg.Log.Service,
		Version: version.Version,
	})
	logger := log.Base()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *simulateSidecar {
		return simulateActivity(ctx, cfg.Signals.Path)
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Log.Service,
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	holder := config.NewHolder(cfg, *configPath, logger.With().Str("component", "config").Logger())
	app := daemon.New(holder, logger)

	logger.Info().
		Str("event", "daemon.starting").
		Str("activity_path", cfg.Signals.Path).
		Str("addr", cfg.API.Addr).
		Msg("runtime core starting")

	return app.Run(ctx)
}

// simulateActivity stands in for the out-of-process sidecar during local
// development: a 10 Hz feed that reports one active minute, then idle.
func simulateActivity(ctx context.Context, path string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var seq uint64
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			seq++
			// 60 s active, then idle until stopped.
			active := now.Sub(start) < time.Minute
			idle := 0.0
			if !active {
				idle = now.Sub(start.Add(time.Minute)).Seconds()
			}
			rec := signals.Record{
				TS:          now.UTC(),
				IdleSeconds: idle,
				UserActive:  active,
				Source:      "sim-sidecar",
				Seq:         seq,
			}
			if err := signals.WriteFile(path, rec); err != nil {
				return err
			}
		}
	}
}
