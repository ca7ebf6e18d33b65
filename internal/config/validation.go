// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Validate checks every numeric range. It returns the first violation; the
// caller must discard the candidate record on error.
func Validate(cfg AppConfig) error {
	if cfg.Log.Level != "" {
		if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
			return fmt.Errorf("%w: log.level %q", ErrOutOfRange, cfg.Log.Level)
		}
	}
	if err := cfg.Governor.Validate(); err != nil {
		return err
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return err
	}
	if cfg.Signals.MaxStalenessSeconds <= 0 {
		return fmt.Errorf("%w: signals.maxStalenessSeconds %v", ErrOutOfRange, cfg.Signals.MaxStalenessSeconds)
	}
	if cfg.Conductor.TickHz <= 0 {
		return fmt.Errorf("%w: conductor.tickHz %v", ErrOutOfRange, cfg.Conductor.TickHz)
	}
	if cfg.API.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: api.requestsPerMinute %d", ErrOutOfRange, cfg.API.RequestsPerMinute)
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("%w: telemetry.samplingRate %v", ErrOutOfRange, cfg.Telemetry.SamplingRate)
	}
	return nil
}

// Validate checks the governor section's ranges.
func (g GovernorConfig) Validate() error {
	if g.IdleWindowSeconds < 0 {
		return fmt.Errorf("%w: governor.idleWindowSeconds %d", ErrOutOfRange, g.IdleWindowSeconds)
	}
	if g.PreemptGraceMS < 0 {
		return fmt.Errorf("%w: governor.preemptGraceMs %d", ErrOutOfRange, g.PreemptGraceMS)
	}
	if g.SuspendDeadlineMS < 0 {
		return fmt.Errorf("%w: governor.suspendDeadlineMs %d", ErrOutOfRange, g.SuspendDeadlineMS)
	}
	if g.HeavyBudgetMSPerWindow < 0 {
		return fmt.Errorf("%w: governor.heavyBudgetMsPerWindow %d", ErrOutOfRange, g.HeavyBudgetMSPerWindow)
	}
	if g.BudgetWindowSeconds <= 0 {
		return fmt.Errorf("%w: governor.budgetWindowSeconds %d", ErrOutOfRange, g.BudgetWindowSeconds)
	}
	if g.PreemptPollMS <= 0 {
		return fmt.Errorf("%w: governor.preemptPollMs %d", ErrOutOfRange, g.PreemptPollMS)
	}
	return nil
}

// Validate checks the scheduler section's ranges.
func (s SchedulerConfig) Validate() error {
	if s.MaxJobsPerTick <= 0 {
		return fmt.Errorf("%w: scheduler.maxJobsPerTick %d", ErrOutOfRange, s.MaxJobsPerTick)
	}
	if s.CPUWorkers <= 0 {
		return fmt.Errorf("%w: scheduler.cpuWorkers %d", ErrOutOfRange, s.CPUWorkers)
	}
	if s.GPUSlots < 0 {
		return fmt.Errorf("%w: scheduler.gpuSlots %d", ErrOutOfRange, s.GPUSlots)
	}
	if s.DefaultHeavyEstimateMS <= 0 {
		return fmt.Errorf("%w: scheduler.defaultHeavyEstimateMs %d", ErrOutOfRange, s.DefaultHeavyEstimateMS)
	}
	return nil
}
