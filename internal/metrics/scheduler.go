// SPDX-License-Identifier: MIT

package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autocapture",
		Name:      "scheduler_jobs_total",
		Help:      "Job admissions and terminal outcomes by state",
	}, []string{"state", "class"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autocapture",
		Name:      "scheduler_queue_depth",
		Help:      "Jobs waiting in the queue by class",
	}, []string{"class"})

	retryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autocapture",
		Name:      "scheduler_retries_total",
		Help:      "Jobs re-enqueued with backoff after a failure",
	})
)

// RecordJobState records a job state transition.
func RecordJobState(state string, heavy bool) {
	jobOutcomeTotal.WithLabelValues(normalizeStateLabel(state), classLabel(heavy)).Inc()
}

// SetQueueDepth publishes the current queue depth for one job class.
func SetQueueDepth(heavy bool, depth int) {
	queueDepth.WithLabelValues(classLabel(heavy)).Set(float64(depth))
}

// RecordRetry records a backoff re-enqueue.
func RecordRetry() {
	retryTotal.Inc()
}

func classLabel(heavy bool) string {
	if heavy {
		return "heavy"
	}
	return "light"
}

func normalizeStateLabel(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "queued", "admitted", "deferred", "running", "completed", "preempted", "failed", "rogue", "dead_letter":
		return strings.ToLower(strings.TrimSpace(state))
	default:
		return "unknown"
	}
}
