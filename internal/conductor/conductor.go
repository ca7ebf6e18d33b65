// SPDX-License-Identifier: MIT

// Package conductor drives the runtime core: per tick it samples activity
// signals, asks the governor for a decision, and lets the scheduler run
// pending work. A forced tick raises query intent for exactly one decision.
package conductor

import (
	"context"
	"sync/atomic"

	"github.com/ninjra/autocapture-prime/internal/governor"
	"github.com/ninjra/autocapture-prime/internal/scheduler"
	"github.com/ninjra/autocapture-prime/internal/signals"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// TelemetryRecord is the structured record published at each decision.
type TelemetryRecord struct {
	Mode              governor.Mode      `json:"mode"`
	Reason            governor.Reason    `json:"reason"`
	HeavyAllowed      bool               `json:"heavy_allowed"`
	BudgetRemainingMS int64              `json:"budget_remaining_ms"`
	Jobs              scheduler.Counters `json:"jobs"`
}

// Sink receives telemetry records. The sink itself is an external
// collaborator; the default implementation logs through zerolog.
type Sink interface {
	Emit(rec TelemetryRecord)
}

// LogSink emits telemetry records as structured log events.
type LogSink struct {
	Logger zerolog.Logger
}

// Emit writes one record at debug level.
func (s LogSink) Emit(rec TelemetryRecord) {
	s.Logger.Debug().
		Str("event", "conductor.tick").
		Str("mode", string(rec.Mode)).
		Str("reason", string(rec.Reason)).
		Bool("heavy_allowed", rec.HeavyAllowed).
		Int64("budget_remaining_ms", rec.BudgetRemainingMS).
		Int("admitted", rec.Jobs.Admitted).
		Int("deferred", rec.Jobs.Deferred).
		Int("preempted", rec.Jobs.Preempted).
		Msg("tick")
}

// Conductor wires the signal source, governor and scheduler together.
type Conductor struct {
	src    signals.Source
	gov    *governor.Governor
	sched  *scheduler.Scheduler
	sink   Sink
	logger zerolog.Logger
	tracer trace.Tracer

	tickHz float64
	// forceNext raises query intent on the next tick; consumed once.
	forceNext atomic.Bool
}

// Option customises conductor construction.
type Option func(*Conductor)

// WithSink installs the telemetry sink.
func WithSink(sink Sink) Option {
	return func(c *Conductor) { c.sink = sink }
}

// WithLogger injects the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Conductor) { c.logger = l }
}

// WithTickRate sets the tick frequency for Run.
func WithTickRate(hz float64) Option {
	return func(c *Conductor) {
		if hz > 0 {
			c.tickHz = hz
		}
	}
}

// New creates a Conductor.
func New(src signals.Source, gov *governor.Governor, sched *scheduler.Scheduler, opts ...Option) *Conductor {
	c := &Conductor{
		src:    src,
		gov:    gov,
		sched:  sched,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("autocapture/conductor"),
		tickHz: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = LogSink{Logger: c.logger}
	}
	return c
}

// Tick performs one sample → decide → run cycle.
func (c *Conductor) Tick(ctx context.Context) governor.Decision {
	return c.tick(ctx, false)
}

// RunOnce performs one tick. With force, query intent is merged into the
// sampled signals for exactly this decision; the stored signals feed is not
// modified.
func (c *Conductor) RunOnce(ctx context.Context, force bool) governor.Decision {
	return c.tick(ctx, force)
}

// ForceNextTick arranges for the next loop tick to carry query intent.
// The flag is consumed by exactly one tick.
func (c *Conductor) ForceNextTick() {
	c.forceNext.Store(true)
}

func (c *Conductor) tick(ctx context.Context, force bool) governor.Decision {
	ctx, span := c.tracer.Start(ctx, "conductor.tick")
	defer span.End()

	reading := c.src.Latest(ctx)
	if force || c.forceNext.Swap(false) {
		reading = reading.WithQueryIntent()
	}

	decision := c.gov.Decide(reading)
	c.sched.RunPending(ctx, reading)

	rec := TelemetryRecord{
		Mode:              decision.Mode,
		Reason:            decision.Reason,
		HeavyAllowed:      decision.HeavyAllowed,
		BudgetRemainingMS: decision.BudgetRemainingMS,
		Jobs:              c.sched.SampleCounters(),
	}
	c.sink.Emit(rec)

	span.SetAttributes(
		attribute.String("governor.mode", string(decision.Mode)),
		attribute.String("governor.reason", string(decision.Reason)),
		attribute.Bool("governor.heavy_allowed", decision.HeavyAllowed),
	)
	return decision
}

// Run ticks at the configured rate until ctx is cancelled.
func (c *Conductor) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(c.tickHz), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.tick(ctx, false)
	}
}
