// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon owns the long-lived runtime lifecycle: the conductor loop,
// the operator HTTP server, the signal watcher, the config watcher and the
// lease sweep.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ninjra/autocapture-prime/internal/api"
	"github.com/ninjra/autocapture-prime/internal/conductor"
	"github.com/ninjra/autocapture-prime/internal/config"
	"github.com/ninjra/autocapture-prime/internal/governor"
	"github.com/ninjra/autocapture-prime/internal/scheduler"
	"github.com/ninjra/autocapture-prime/internal/signals"
)

// sweepInterval paces the lease-reclaim sweep. Reclaim latency only has to
// beat the budget window, not the tick rate.
const sweepInterval = 5 * time.Second

// App wires the runtime core together and runs it.
type App struct {
	logger    zerolog.Logger
	holder    *config.Holder
	gov       *governor.Governor
	sched     *scheduler.Scheduler
	cond      *conductor.Conductor
	apiServer *api.Server
	watcher   *signals.Watcher // nil when watching is disabled
	addr      string
}

// New assembles the runtime core from configuration.
func New(holder *config.Holder, logger zerolog.Logger) *App {
	cfg := holder.Get()

	reader := signals.NewReader(cfg.Signals.Path, signals.ReaderOptions{
		MaxStaleness: cfg.Signals.MaxStaleness(),
		FailOpen:     cfg.Signals.FailOpen,
	})

	var src signals.Source = reader
	var watcher *signals.Watcher
	if cfg.Signals.Watch {
		watcher = signals.NewWatcher(reader, cfg.Signals.Path, logger.With().Str("component", "signals").Logger())
		src = watcher
	}

	gov := governor.New(cfg.Governor,
		governor.WithLogger(logger.With().Str("component", "governor").Logger()))
	sched := scheduler.New(cfg.Scheduler, cfg.Governor, gov, src,
		scheduler.WithLogger(logger.With().Str("component", "scheduler").Logger()))
	cond := conductor.New(src, gov, sched,
		conductor.WithLogger(logger.With().Str("component", "conductor").Logger()),
		conductor.WithTickRate(cfg.Conductor.TickHz))

	return &App{
		logger:    logger,
		holder:    holder,
		gov:       gov,
		sched:     sched,
		cond:      cond,
		apiServer: api.New(gov, sched, cond, holder, logger.With().Str("component", "api").Logger()),
		watcher:   watcher,
		addr:      cfg.API.Addr,
	}
}

// Governor exposes the governor for wiring work planners.
func (a *App) Governor() *governor.Governor { return a.gov }

// Scheduler exposes the scheduler for wiring work planners.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Run starts all owned background subsystems and blocks until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: startup should not fail if it cannot
	// be established.
	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str("event", "config.watcher_start_failed").Msg("failed to start config watcher")
	}

	// Config swaps feed the governor at runtime.
	applyCh := make(chan config.Snapshot, 1)
	a.holder.RegisterListener(applyCh)
	// A swap made before the listener was registered is picked up here.
	if err := a.gov.UpdateConfig(a.holder.Get().Governor); err != nil {
		a.logger.Warn().Err(err).Str("event", "governor.config_rejected").Msg("governor config rejected")
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap := <-applyCh:
				if err := a.gov.UpdateConfig(snap.App.Governor); err != nil {
					a.logger.Warn().Err(err).Str("event", "governor.config_rejected").Msg("governor config rejected")
				}
			}
		}
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	g.Go(func() error { return a.cond.Run(ctx) })

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.gov.Sweep()
			}
		}
	})

	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.apiServer.Router(a.holder.Get().API),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info().Str("event", "api.listening").Str("addr", a.addr).Msg("operator API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})

	err := g.Wait()
	a.sched.Close()
	return err
}
