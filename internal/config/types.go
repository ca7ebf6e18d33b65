// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config holds the runtime-core configuration: governor knobs,
// scheduler pools, signal feed location and the operator API surface.
// Updates are full-replacement records validated atomically; an invalid
// update leaves the previous configuration in force.
package config

import "time"

// AppConfig is the root configuration record.
type AppConfig struct {
	Log       LogConfig       `yaml:"log,omitempty" json:"log"`
	Governor  GovernorConfig  `yaml:"governor" json:"governor"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Signals   SignalsConfig   `yaml:"signals" json:"signals"`
	Conductor ConductorConfig `yaml:"conductor,omitempty" json:"conductor"`
	API       APIConfig       `yaml:"api,omitempty" json:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level   string `yaml:"level,omitempty" json:"level"`
	Service string `yaml:"service,omitempty" json:"service"`
}

// GovernorConfig carries the governor's scheduling knobs. Times are plain
// integers in the unit named by the field, matching the activity sidecar
// convention.
type GovernorConfig struct {
	IdleWindowSeconds      int   `yaml:"idleWindowSeconds" json:"idle_window_s"`
	PreemptGraceMS         int64 `yaml:"preemptGraceMs" json:"preempt_grace_ms"`
	SuspendDeadlineMS      int64 `yaml:"suspendDeadlineMs" json:"suspend_deadline_ms"`
	HeavyBudgetMSPerWindow int64 `yaml:"heavyBudgetMsPerWindow" json:"heavy_budget_ms_per_window"`
	BudgetWindowSeconds    int   `yaml:"budgetWindowSeconds" json:"budget_window_s"`
	PreemptPollMS          int64 `yaml:"preemptPollMs" json:"preempt_poll_ms"`
	SafeMode               bool  `yaml:"safeMode,omitempty" json:"safe_mode"`
}

// SchedulerConfig sizes the worker pools and per-tick admission.
type SchedulerConfig struct {
	MaxJobsPerTick         int   `yaml:"maxJobsPerTick" json:"max_jobs_per_tick"`
	CPUWorkers             int   `yaml:"cpuWorkers" json:"cpu_workers"`
	GPUSlots               int   `yaml:"gpuSlots" json:"gpu_slots"`
	DefaultHeavyEstimateMS int64 `yaml:"defaultHeavyEstimateMs" json:"default_heavy_estimate_ms"`
}

// SignalsConfig locates the activity feed and sets its trust policy.
type SignalsConfig struct {
	Path                string  `yaml:"path" json:"path"`
	MaxStalenessSeconds float64 `yaml:"maxStalenessSeconds" json:"max_staleness_s"`
	FailOpen            bool    `yaml:"failOpen,omitempty" json:"fail_open"`
	Watch               bool    `yaml:"watch,omitempty" json:"watch"`
}

// ConductorConfig paces the tick loop.
type ConductorConfig struct {
	TickHz float64 `yaml:"tickHz" json:"tick_hz"`
}

// APIConfig configures the operator HTTP surface.
type APIConfig struct {
	Addr              string `yaml:"addr,omitempty" json:"addr"`
	RequestsPerMinute int    `yaml:"requestsPerMinute,omitempty" json:"requests_per_minute"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty" json:"enabled"`
	ExporterType string  `yaml:"exporterType,omitempty" json:"exporter_type"`
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint"`
	Environment  string  `yaml:"environment,omitempty" json:"environment"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"sampling_rate"`
}

// Default returns the documented defaults.
func Default() AppConfig {
	return AppConfig{
		Log: LogConfig{
			Level:   "info",
			Service: "autocapture",
		},
		Governor: GovernorConfig{
			IdleWindowSeconds:      30,
			PreemptGraceMS:         150,
			SuspendDeadlineMS:      500,
			HeavyBudgetMSPerWindow: 60000,
			BudgetWindowSeconds:    300,
			PreemptPollMS:          50,
		},
		Scheduler: SchedulerConfig{
			MaxJobsPerTick:         8,
			CPUWorkers:             2,
			GPUSlots:               1,
			DefaultHeavyEstimateMS: 15000,
		},
		Signals: SignalsConfig{
			Path:                "activity.json",
			MaxStalenessSeconds: 3,
			Watch:               true,
		},
		Conductor: ConductorConfig{
			TickHz: 2,
		},
		API: APIConfig{
			Addr:              "127.0.0.1:8677",
			RequestsPerMinute: 120,
		},
		Telemetry: TelemetryConfig{
			ExporterType: "noop",
			SamplingRate: 1.0,
		},
	}
}

// IdleWindow returns the idle threshold as a duration.
func (g GovernorConfig) IdleWindow() time.Duration {
	return time.Duration(g.IdleWindowSeconds) * time.Second
}

// PreemptGrace returns the preemption grace as a duration.
func (g GovernorConfig) PreemptGrace() time.Duration {
	return time.Duration(g.PreemptGraceMS) * time.Millisecond
}

// SuspendDeadline returns the suspend deadline as a duration.
func (g GovernorConfig) SuspendDeadline() time.Duration {
	return time.Duration(g.SuspendDeadlineMS) * time.Millisecond
}

// BudgetWindow returns the rolling budget window as a duration.
func (g GovernorConfig) BudgetWindow() time.Duration {
	return time.Duration(g.BudgetWindowSeconds) * time.Second
}

// PreemptPoll returns the job polling contract as a duration.
func (g GovernorConfig) PreemptPoll() time.Duration {
	return time.Duration(g.PreemptPollMS) * time.Millisecond
}

// MaxStaleness returns the staleness threshold as a duration.
func (s SignalsConfig) MaxStaleness() time.Duration {
	return time.Duration(s.MaxStalenessSeconds * float64(time.Second))
}
