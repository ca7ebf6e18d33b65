// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ninjra/autocapture-prime/internal/config"
	"github.com/ninjra/autocapture-prime/internal/governor"
	"github.com/ninjra/autocapture-prime/internal/signals"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxJobsPerTick:         8,
		CPUWorkers:             2,
		GPUSlots:               1,
		DefaultHeavyEstimateMS: 500,
	}
}

func testGovernorConfig() config.GovernorConfig {
	return config.GovernorConfig{
		IdleWindowSeconds:      30,
		PreemptGraceMS:         150,
		SuspendDeadlineMS:      500,
		HeavyBudgetMSPerWindow: 60000,
		BudgetWindowSeconds:    300,
		PreemptPollMS:          50,
	}
}

type rig struct {
	gov   *governor.Governor
	sched *Scheduler
	src   *signals.InprocSource
	seq   uint64
}

func newRig(t *testing.T, gcfg config.GovernorConfig, opts ...Option) *rig {
	t.Helper()
	src := signals.NewInprocSource()
	gov := governor.New(gcfg)
	opts = append([]Option{WithJitter(func() float64 { return 0 })}, opts...)
	sched := New(testSchedulerConfig(), gcfg, gov, src, opts...)
	return &rig{gov: gov, sched: sched, src: src}
}

func (r *rig) set(rec signals.Record) signals.Reading {
	r.seq++
	rec.Source = "test"
	rec.Seq = r.seq
	r.src.Set(rec)
	return r.src.Latest(context.Background())
}

func (r *rig) idle() signals.Reading {
	return r.set(signals.Record{IdleSeconds: 60, UserActive: false, TS: time.Now()})
}

func (r *rig) active() signals.Reading {
	return r.set(signals.Record{IdleSeconds: 0, UserActive: true, TS: time.Now()})
}

func (r *rig) forced() signals.Reading {
	return r.set(signals.Record{IdleSeconds: 0, UserActive: true, QueryIntent: true, TS: time.Now()})
}

// tick mirrors the conductor: decide, then run pending work.
func (r *rig) tick(t *testing.T, reading signals.Reading) Summary {
	t.Helper()
	r.gov.Decide(reading)
	return r.sched.RunPending(context.Background(), reading)
}

func TestRunPending_ForcedQueryUnblocksHeavy(t *testing.T) {
	t.Parallel()
	r := newRig(t, testGovernorConfig())

	var runs atomic.Int32
	require.NoError(t, r.sched.Enqueue(Job{
		Name:        "ocr-batch",
		Heavy:       true,
		EstimatedMS: 50,
		Work: func(context.Context, CancelCheck) error {
			runs.Add(1)
			return nil
		},
	}))

	sum := r.tick(t, r.forced())
	require.Equal(t, 1, sum.Ran)
	require.Equal(t, int32(1), runs.Load(), "job must run exactly once")
	require.Equal(t, governor.ModeUserQuery, r.gov.Status().Mode)

	heavy, _ := r.sched.QueueDepth()
	require.Zero(t, heavy)
}

func TestRunPending_ActiveUserBlocksHeavyAllowsLight(t *testing.T) {
	t.Parallel()
	r := newRig(t, testGovernorConfig())

	var heavyRuns, lightRuns atomic.Int32
	require.NoError(t, r.sched.Enqueue(Job{
		Name:  "vision-extract",
		Heavy: true,
		Work: func(context.Context, CancelCheck) error {
			heavyRuns.Add(1)
			return nil
		},
	}))
	require.NoError(t, r.sched.Enqueue(Job{
		Name: "ledger-flush",
		Work: func(context.Context, CancelCheck) error {
			lightRuns.Add(1)
			return nil
		},
	}))

	sum := r.tick(t, r.active())
	require.Equal(t, 1, sum.Ran)
	require.Equal(t, 1, sum.Deferred)
	require.Zero(t, heavyRuns.Load())
	require.Equal(t, int32(1), lightRuns.Load())
	require.Equal(t, governor.ReasonUserActive, r.gov.Status().Reason)

	heavy, _ := r.sched.QueueDepth()
	require.Equal(t, 1, heavy, "deferred heavy job stays queued")
}

func TestRunPending_LightRunsUnderSafeMode(t *testing.T) {
	t.Parallel()
	gcfg := testGovernorConfig()
	gcfg.SafeMode = true
	r := newRig(t, gcfg)

	var lightRuns atomic.Int32
	require.NoError(t, r.sched.Enqueue(Job{
		Name: "metadata-sync",
		Work: func(context.Context, CancelCheck) error {
			lightRuns.Add(1)
			return nil
		},
	}))

	r.tick(t, r.idle())
	require.Equal(t, int32(1), lightRuns.Load(), "light jobs never require a lease")
}

func TestRunPending_PriorityThenFIFO(t *testing.T) {
	t.Parallel()
	r := newRig(t, testGovernorConfig())

	var order []string
	run := func(name string) WorkFunc {
		return func(context.Context, CancelCheck) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, r.sched.Enqueue(Job{Name: "first-low", Priority: 1, Work: run("first-low")}))
	require.NoError(t, r.sched.Enqueue(Job{Name: "high", Priority: 5, Work: run("high")}))
	require.NoError(t, r.sched.Enqueue(Job{Name: "second-low", Priority: 1, Work: run("second-low")}))

	r.tick(t, r.active())
	require.Equal(t, []string{"high", "first-low", "second-low"}, order)
}

func TestRunPending_BudgetExhaustionPreempts(t *testing.T) {
	t.Parallel()
	gcfg := testGovernorConfig()
	gcfg.HeavyBudgetMSPerWindow = 80
	gcfg.BudgetWindowSeconds = 1
	gcfg.PreemptPollMS = 10
	r := newRig(t, gcfg)

	var runs atomic.Int32
	var firstRunMS atomic.Int64
	require.NoError(t, r.sched.Enqueue(Job{
		Name:        "index-rebuild",
		Heavy:       true,
		EstimatedMS: 120,
		Work: func(ctx context.Context, preempted CancelCheck) error {
			attempt := runs.Add(1)
			if attempt > 1 {
				return nil
			}
			start := time.Now()
			for i := 0; i < 60; i++ {
				time.Sleep(10 * time.Millisecond)
				if preempted() {
					firstRunMS.Store(time.Since(start).Milliseconds())
					return ErrPreempted
				}
			}
			return nil
		},
	}))

	sum := r.tick(t, r.idle())
	require.Equal(t, 1, sum.Ran)
	require.Equal(t, 1, sum.Preempted)
	require.GreaterOrEqual(t, firstRunMS.Load(), int64(75), "job must run until the budget is spent")
	require.Less(t, firstRunMS.Load(), int64(80+gcfg.SuspendDeadlineMS))

	heavy, _ := r.sched.QueueDepth()
	require.Equal(t, 1, heavy, "preempted job re-enters the queue without consuming an attempt")

	// Within the same window the budget stays exhausted.
	sum = r.tick(t, r.idle())
	require.Zero(t, sum.Ran)
	require.Equal(t, 1, sum.Deferred)

	// One full budget window later the job is admitted again.
	time.Sleep(1100 * time.Millisecond)
	sum = r.tick(t, r.idle())
	require.Equal(t, 1, sum.Ran)
	require.Equal(t, int32(2), runs.Load())
}

func TestRunPending_ModeFlipPreemptsWithinGrace(t *testing.T) {
	t.Parallel()
	gcfg := testGovernorConfig()
	gcfg.PreemptGraceMS = 50
	gcfg.PreemptPollMS = 10
	r := newRig(t, gcfg)

	flipAfter := 100 * time.Millisecond
	var ranFor atomic.Int64
	require.NoError(t, r.sched.Enqueue(Job{
		Name:        "vlm-extract",
		Heavy:       true,
		EstimatedMS: 2000,
		Work: func(ctx context.Context, preempted CancelCheck) error {
			start := time.Now()
			for i := 0; i < 200; i++ {
				time.Sleep(10 * time.Millisecond)
				if preempted() {
					ranFor.Store(time.Since(start).Milliseconds())
					return ErrPreempted
				}
			}
			return nil
		},
	}))

	timer := time.AfterFunc(flipAfter, func() {
		r.active()
	})
	defer timer.Stop()

	sum := r.tick(t, r.idle())
	require.Equal(t, 1, sum.Preempted)
	require.GreaterOrEqual(t, ranFor.Load(), int64(100), "no preemption before the flip")
	require.Less(t, ranFor.Load(), int64(600), "preemption must land within flip + grace + poll slack")
}

func TestRunPending_RogueJobCooldown(t *testing.T) {
	t.Parallel()
	gcfg := testGovernorConfig()
	gcfg.SuspendDeadlineMS = 60
	gcfg.HeavyBudgetMSPerWindow = 10000
	r := newRig(t, gcfg)

	require.NoError(t, r.sched.Enqueue(Job{
		Name:        "stubborn-ocr",
		Heavy:       true,
		EstimatedMS: 50,
		Work: func(context.Context, CancelCheck) error {
			// Ignores the preemption contract entirely.
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}))

	r.tick(t, r.idle())
	r.sched.Close() // wait for the rogue watcher to release the lease

	counters := r.sched.SampleCounters()
	require.Equal(t, 1, counters.Rogue)

	d := r.gov.Decide(r.idle())
	require.LessOrEqual(t, d.BudgetRemainingMS, int64(10000-190),
		"rogue lease must be charged with the full overrun")

	// Re-enqueueing under the same name is excluded for a budget window.
	require.NoError(t, r.sched.Enqueue(Job{
		Name:        "stubborn-ocr",
		Heavy:       true,
		EstimatedMS: 50,
		Work: func(context.Context, CancelCheck) error {
			return nil
		},
	}))
	sum := r.tick(t, r.idle())
	require.Zero(t, sum.Ran)
	heavy, _ := r.sched.QueueDepth()
	require.Equal(t, 1, heavy)
}

func TestRunPending_NonPreemptibleOnlyInIdleDrain(t *testing.T) {
	t.Parallel()
	r := newRig(t, testGovernorConfig())

	var runs atomic.Int32
	require.NoError(t, r.sched.Enqueue(Job{
		Name:           "compaction",
		Heavy:          true,
		EstimatedMS:    20,
		NonPreemptible: true,
		Work: func(context.Context, CancelCheck) error {
			runs.Add(1)
			return nil
		},
	}))

	sum := r.tick(t, r.forced())
	require.Zero(t, runs.Load(), "non-preemptible jobs are not admitted in user_query")
	require.Equal(t, 1, sum.Deferred)

	sum = r.tick(t, r.idle())
	require.Equal(t, 1, sum.Ran)
	require.Equal(t, int32(1), runs.Load())
}

func TestRetry_BackoffAndRecovery(t *testing.T) {
	t.Parallel()
	r := newRig(t, testGovernorConfig())

	var runs atomic.Int32
	require.NoError(t, r.sched.Enqueue(Job{
		Name:        "flaky-flush",
		MaxAttempts: 3,
		Work: func(context.Context, CancelCheck) error {
			if runs.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	r.tick(t, r.active())
	require.Equal(t, int32(1), runs.Load())

	// Backoff holds the job back on an immediate retick.
	r.tick(t, r.active())
	require.Equal(t, int32(1), runs.Load())

	time.Sleep(300 * time.Millisecond) // past 250 ms base backoff
	r.tick(t, r.active())
	require.Equal(t, int32(2), runs.Load())

	time.Sleep(600 * time.Millisecond) // past 500 ms doubled backoff
	r.tick(t, r.active())
	require.Equal(t, int32(3), runs.Load())

	_, light := r.sched.QueueDepth()
	require.Zero(t, light)
}

func TestRetry_DeadLetterOnExhaustion(t *testing.T) {
	t.Parallel()

	var dead []string
	var lastErr error
	r := newRig(t, testGovernorConfig(), WithDeadLetter(func(job Job, err error) {
		dead = append(dead, job.Name)
		lastErr = err
	}))

	wantErr := errors.New("permanent")
	require.NoError(t, r.sched.Enqueue(Job{
		Name:        "broken-job",
		MaxAttempts: 1,
		Work: func(context.Context, CancelCheck) error {
			return wantErr
		},
	}))

	r.tick(t, r.active())
	require.Equal(t, []string{"broken-job"}, dead)
	require.ErrorIs(t, lastErr, wantErr)

	_, light := r.sched.QueueDepth()
	require.Zero(t, light)
}

func TestEnqueue_Validation(t *testing.T) {
	t.Parallel()
	r := newRig(t, testGovernorConfig())

	require.Error(t, r.sched.Enqueue(Job{Work: func(context.Context, CancelCheck) error { return nil }}))
	require.Error(t, r.sched.Enqueue(Job{Name: "no-work"}))
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	noJitter := func() float64 { return 0 }
	tests := []struct {
		attempt int
		jitter  func() float64
		want    time.Duration
	}{
		{attempt: 1, jitter: noJitter, want: 250 * time.Millisecond},
		{attempt: 2, jitter: noJitter, want: 500 * time.Millisecond},
		{attempt: 3, jitter: noJitter, want: time.Second},
		{attempt: 8, jitter: noJitter, want: 30 * time.Second},
		{attempt: 20, jitter: noJitter, want: 30 * time.Second},
		{attempt: 1, jitter: func() float64 { return 1 }, want: 300 * time.Millisecond},
		{attempt: 1, jitter: func() float64 { return -1 }, want: 200 * time.Millisecond},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, backoffDelay(tt.attempt, tt.jitter), "attempt %d", tt.attempt)
	}
}

func TestPendingHeavy_CountsQueuedHeavyNotLight(t *testing.T) {
	t.Parallel()
	r := newRig(t, testGovernorConfig())

	require.NoError(t, r.sched.Enqueue(Job{
		Name:  "queued-heavy",
		Heavy: true,
		Work:  func(context.Context, CancelCheck) error { return nil },
	}))
	require.Equal(t, 1, r.sched.PendingHeavy())

	require.NoError(t, r.sched.Enqueue(Job{
		Name: "queued-light",
		Work: func(context.Context, CancelCheck) error { return nil },
	}))
	require.Equal(t, 1, r.sched.PendingHeavy(), "light jobs do not count")
}
