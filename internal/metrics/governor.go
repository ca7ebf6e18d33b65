// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the runtime core.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autocapture",
		Name:      "governor_decisions_total",
		Help:      "Governor decisions by mode and reason",
	}, []string{"mode", "reason"})

	leaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autocapture",
		Name:      "governor_leases_total",
		Help:      "Lease requests by outcome and reason",
	}, []string{"outcome", "reason"})

	preemptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autocapture",
		Name:      "governor_preemptions_total",
		Help:      "Positive preemption answers by reason",
	}, []string{"reason"})

	budgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autocapture",
		Name:      "governor_budget_remaining_ms",
		Help:      "Remaining heavy-work budget in the current window",
	})

	leaseReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autocapture",
		Name:      "governor_leases_reclaimed_total",
		Help:      "Leases reclaimed by the supervising sweep",
	})
)

// RecordDecision records one governor decision outcome.
func RecordDecision(mode, reason string, budgetRemainingMS int64) {
	decisionTotal.WithLabelValues(normalizeModeLabel(mode), normalizeReasonLabel(reason)).Inc()
	budgetRemaining.Set(float64(budgetRemainingMS))
}

// RecordLease records one lease request outcome.
func RecordLease(allowed bool, reason string) {
	outcome := "denied"
	if allowed {
		outcome = "granted"
	}
	leaseTotal.WithLabelValues(outcome, normalizeReasonLabel(reason)).Inc()
}

// RecordPreemption records a positive should-preempt answer.
func RecordPreemption(reason string) {
	preemptTotal.WithLabelValues(normalizeReasonLabel(reason)).Inc()
}

// RecordLeaseReclaimed records a sweep reclaiming an unreleased lease.
func RecordLeaseReclaimed() {
	leaseReclaimedTotal.Inc()
}

func normalizeModeLabel(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "active_capture_only", "idle_drain", "user_query", "safe_mode":
		return strings.ToLower(strings.TrimSpace(mode))
	default:
		return "unknown"
	}
}

func normalizeReasonLabel(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "user_active", "idle_window", "forced_query", "budget_exhausted", "jobs_exhausted", "safe_mode":
		return strings.ToLower(strings.TrimSpace(reason))
	default:
		return "unknown"
	}
}
