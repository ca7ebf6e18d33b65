// SPDX-License-Identifier: MIT

// Package scheduler owns the job queue and drives heavy work through the
// governor's lease and preemption contract. Light jobs run inline on the
// coordinator; heavy jobs run on a small worker pool, one worker per
// admitted job.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ninjra/autocapture-prime/internal/config"
	"github.com/ninjra/autocapture-prime/internal/governor"
	"github.com/ninjra/autocapture-prime/internal/log"
	"github.com/ninjra/autocapture-prime/internal/metrics"
	"github.com/ninjra/autocapture-prime/internal/signals"
	"github.com/rs/zerolog"
)

const (
	retryBase = 250 * time.Millisecond
	retryCap  = 30 * time.Second
	// retryJitter is the symmetric jitter fraction applied to backoff.
	retryJitter = 0.2
)

// Counters accumulates scheduler activity between telemetry samples.
type Counters struct {
	Admitted   int `json:"admitted"`
	Deferred   int `json:"deferred"`
	Preempted  int `json:"preempted"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Rogue      int `json:"rogue"`
	DeadLetter int `json:"dead_letter"`
}

// Summary reports what one RunPending call did.
type Summary struct {
	Ran       int
	Deferred  int
	Preempted int
}

// Scheduler accepts jobs and runs pending work per tick under governor
// admission. The queue lock is disjoint from the governor lock; governor
// methods are always called without holding it.
type Scheduler struct {
	cfg  config.SchedulerConfig
	gcfg config.GovernorConfig
	gov  *governor.Governor
	src  signals.Source

	mu            sync.Mutex
	q             jobQueue
	seq           uint64
	cooldown      map[string]time.Time
	inflightHeavy int
	counters      Counters
	tickPreempted int

	cpuSlots chan struct{}
	gpuSlots chan struct{}

	deadLetter DeadLetterFunc
	clock      func() time.Time
	jitter     func() float64 // uniform in [-1, 1]
	logger     zerolog.Logger

	bg sync.WaitGroup // rogue watchers that outlive their tick
}

// Option customises scheduler construction.
type Option func(*Scheduler)

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger injects the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithJitter injects the backoff jitter source.
func WithJitter(fn func() float64) Option {
	return func(s *Scheduler) { s.jitter = fn }
}

// WithDeadLetter installs the callback for jobs whose attempts run out.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(s *Scheduler) { s.deadLetter = fn }
}

// New creates a Scheduler bound to the given governor and signal source.
func New(cfg config.SchedulerConfig, gcfg config.GovernorConfig, gov *governor.Governor, src signals.Source, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		gcfg:     gcfg,
		gov:      gov,
		src:      src,
		cooldown: make(map[string]time.Time),
		cpuSlots: make(chan struct{}, max(cfg.CPUWorkers, 1)),
		gpuSlots: make(chan struct{}, cfg.GPUSlots),
		clock:    time.Now,
		jitter:   func() float64 { return rand.Float64()*2 - 1 },
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	gov.SetPendingHeavyFunc(s.PendingHeavy)
	return s
}

// Enqueue adds a job to the queue.
func (s *Scheduler) Enqueue(job Job) error {
	if job.Name == "" {
		return errors.New("job name required")
	}
	if job.Work == nil {
		return errors.New("job work required")
	}
	if job.Heavy && job.EstimatedMS <= 0 {
		job.EstimatedMS = s.cfg.DefaultHeavyEstimateMS
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.q.push(&entry{job: job, attempt: 1, seq: s.seq})
	s.publishDepthLocked()
	metrics.RecordJobState(string(StateQueued), job.Heavy)
	return nil
}

// PendingHeavy reports heavy jobs queued or in flight. Wired into the
// governor so idle drain can report jobs_exhausted.
func (s *Scheduler) PendingHeavy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	heavy, _ := s.q.counts()
	return heavy + s.inflightHeavy
}

// SampleCounters returns the activity counters accumulated since the last
// sample and resets them.
func (s *Scheduler) SampleCounters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters
	s.counters = Counters{}
	return c
}

// QueueDepth reports the current queue size by class.
func (s *Scheduler) QueueDepth() (heavy, light int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.counts()
}

// RunPending pops jobs in priority order and runs a bounded number of them.
// Light jobs run inline under any mode. Heavy jobs are admitted one lease
// at a time, in pop order, so two same-tier jobs acquire their leases in
// admission order. The call returns once every job it started has either
// finished or been handed to a rogue watcher.
func (s *Scheduler) RunPending(ctx context.Context, reading signals.Reading) Summary {
	now := s.clock()

	var (
		runnable []*entry
		keep     []*entry
	)
	s.mu.Lock()
	for len(runnable) < s.cfg.MaxJobsPerTick && !s.q.empty() {
		e := s.q.pop()
		if e.readyAt.After(now) {
			keep = append(keep, e)
			continue
		}
		if e.job.Heavy {
			if until, ok := s.cooldown[e.job.Name]; ok {
				if now.Before(until) {
					e.readyAt = until
					keep = append(keep, e)
					continue
				}
				delete(s.cooldown, e.job.Name)
			}
			// Popped heavy jobs stay counted as in flight until their lease
			// is settled, so the governor does not report jobs_exhausted
			// for the very job asking for a lease.
			s.inflightHeavy++
		}
		runnable = append(runnable, e)
	}
	for _, e := range keep {
		s.q.push(e)
	}
	s.mu.Unlock()

	var (
		wg          sync.WaitGroup
		summary     Summary
		heavyDenied bool
	)
	unclaim := func() {
		s.mu.Lock()
		s.inflightHeavy--
		s.mu.Unlock()
	}
	for _, e := range runnable {
		if !e.job.Heavy {
			s.runLight(ctx, e)
			summary.Ran++
			continue
		}

		if heavyDenied {
			unclaim()
			s.deferEntry(e, time.Time{})
			summary.Deferred++
			continue
		}

		lease := s.gov.Lease(e.job.EstimatedMS, e.job.RequireGPU)
		unclaim()
		if !lease.Allowed {
			// Do not spin: one denial settles this tick for every
			// remaining heavy job.
			heavyDenied = true
			s.deferEntry(e, time.Time{})
			summary.Deferred++
			s.logger.Debug().
				Str("event", "scheduler.job_deferred").
				Str("job_name", e.job.Name).
				Str("reason", string(lease.Reason)).
				Msg("lease denied, job deferred")
			continue
		}

		if e.job.NonPreemptible && lease.Mode != governor.ModeIdleDrain {
			s.gov.Release(lease.ID, 0)
			s.deferEntry(e, time.Time{})
			summary.Deferred++
			continue
		}

		if !s.acquireSlot(e.job.RequireGPU) {
			s.gov.Release(lease.ID, 0)
			s.deferEntry(e, time.Time{})
			summary.Deferred++
			continue
		}

		s.noteAdmitted(e)
		summary.Ran++
		wg.Add(1)
		go func(e *entry, lease governor.Lease) {
			defer wg.Done()
			defer s.releaseSlot(e.job.RequireGPU)
			s.runHeavy(ctx, e, lease, reading)
		}(e, lease)
	}
	wg.Wait()

	s.mu.Lock()
	summary.Preempted = s.tickPreempted
	s.tickPreempted = 0
	s.publishDepthLocked()
	s.mu.Unlock()
	return summary
}

// Close waits for detached rogue watchers. Call on shutdown.
func (s *Scheduler) Close() {
	s.bg.Wait()
}

func (s *Scheduler) acquireSlot(gpu bool) bool {
	slots := s.cpuSlots
	if gpu {
		slots = s.gpuSlots
	}
	select {
	case slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) releaseSlot(gpu bool) {
	slots := s.cpuSlots
	if gpu {
		slots = s.gpuSlots
	}
	<-slots
}

func (s *Scheduler) noteAdmitted(e *entry) {
	s.mu.Lock()
	s.inflightHeavy++
	s.counters.Admitted++
	s.mu.Unlock()
	metrics.RecordJobState(string(StateAdmitted), e.job.Heavy)
}

func (s *Scheduler) deferEntry(e *entry, readyAt time.Time) {
	s.mu.Lock()
	e.readyAt = readyAt
	s.q.push(e)
	s.counters.Deferred++
	s.mu.Unlock()
	metrics.RecordJobState("deferred", e.job.Heavy)
}

// runLight executes a light job inline on the coordinator. Light jobs never
// take a lease and their preemption handle always answers no.
func (s *Scheduler) runLight(ctx context.Context, e *entry) {
	ctx = log.ContextWithJobName(ctx, e.job.Name)
	s.mu.Lock()
	s.counters.Admitted++
	s.mu.Unlock()

	start := s.clock()
	err := e.job.Work(ctx, func() bool { return false })
	s.settle(e, err, s.clock().Sub(start))
}

// runHeavy executes one admitted heavy job on its own worker. The
// preemption handle resamples current signals on every poll. If the job
// overruns its grant by more than the suspend deadline it is marked rogue:
// the lease stays charged for the full overrun, released by a detached
// watcher once the work finally returns.
func (s *Scheduler) runHeavy(ctx context.Context, e *entry, lease governor.Lease, tickReading signals.Reading) {
	ctx = log.ContextWithJobName(ctx, e.job.Name)
	ctx = log.ContextWithLeaseID(ctx, lease.ID)

	preempted := func() bool {
		return s.gov.ShouldPreempt(s.latestReading(ctx, tickReading))
	}
	if e.job.NonPreemptible {
		preempted = func() bool { return false }
	}

	metrics.RecordJobState(string(StateRunning), true)
	start := s.clock()
	done := make(chan error, 1)
	go func() {
		done <- e.job.Work(ctx, preempted)
	}()

	rogueAfter := time.Duration(lease.GrantedMS)*time.Millisecond + s.gcfg.SuspendDeadline()
	timer := time.NewTimer(rogueAfter)
	defer timer.Stop()

	select {
	case err := <-done:
		elapsed := s.clock().Sub(start)
		charged := elapsed.Milliseconds()
		if e.job.NonPreemptible && charged < lease.GrantedMS {
			// Non-preemptible jobs consume their full grant.
			charged = lease.GrantedMS
		}
		s.gov.Release(lease.ID, charged)
		s.finishHeavy(e, err, elapsed)
	case <-timer.C:
		s.markRogue(e, lease, start, done)
	}
}

func (s *Scheduler) latestReading(ctx context.Context, fallback signals.Reading) signals.Reading {
	if s.src != nil {
		return s.src.Latest(ctx)
	}
	return fallback
}

func (s *Scheduler) finishHeavy(e *entry, err error, elapsed time.Duration) {
	s.mu.Lock()
	s.inflightHeavy--
	s.mu.Unlock()
	s.settle(e, err, elapsed)
}

// settle routes a finished job through the state machine: completed,
// preempted (re-queued, attempt preserved) or failed (retry with backoff,
// dead-letter on exhaustion).
func (s *Scheduler) settle(e *entry, err error, elapsed time.Duration) {
	switch {
	case err == nil:
		s.mu.Lock()
		s.counters.Completed++
		s.mu.Unlock()
		metrics.RecordJobState(string(StateCompleted), e.job.Heavy)
		s.logger.Debug().
			Str("event", "scheduler.job_completed").
			Str("job_name", e.job.Name).
			Int64("elapsed_ms", elapsed.Milliseconds()).
			Msg("job completed")

	case errors.Is(err, ErrPreempted):
		s.mu.Lock()
		s.counters.Preempted++
		s.tickPreempted++
		e.readyAt = time.Time{}
		s.q.push(e)
		s.mu.Unlock()
		metrics.RecordJobState(string(StatePreempted), e.job.Heavy)
		s.logger.Info().
			Str("event", "scheduler.job_preempted").
			Str("job_name", e.job.Name).
			Int("attempt", e.attempt).
			Int64("elapsed_ms", elapsed.Milliseconds()).
			Msg("job suspended, re-queued")

	default:
		s.mu.Lock()
		s.counters.Failed++
		s.mu.Unlock()
		metrics.RecordJobState(string(StateFailed), e.job.Heavy)

		if e.attempt >= e.job.MaxAttempts {
			s.mu.Lock()
			s.counters.DeadLetter++
			s.mu.Unlock()
			metrics.RecordJobState("dead_letter", e.job.Heavy)
			s.logger.Warn().
				Str("event", "scheduler.job_dead_letter").
				Str("job_name", e.job.Name).
				Int("attempt", e.attempt).
				Err(err).
				Msg("attempts exhausted")
			if s.deadLetter != nil {
				s.deadLetter(e.job, err)
			}
			return
		}

		delay := backoffDelay(e.attempt, s.jitter)
		s.mu.Lock()
		e.attempt++
		e.lastErr = err
		e.readyAt = s.clock().Add(delay)
		s.q.push(e)
		s.mu.Unlock()
		metrics.RecordRetry()
		s.logger.Info().
			Str("event", "scheduler.job_retry").
			Str("job_name", e.job.Name).
			Int("attempt", e.attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("job failed, re-queued with backoff")
	}
}

// markRogue handles a job that ignored its preemption contract. The job is
// terminal, excluded for one full budget window, and a detached watcher
// releases the lease with the full overrun charged once the work returns.
func (s *Scheduler) markRogue(e *entry, lease governor.Lease, start time.Time, done <-chan error) {
	until := s.clock().Add(s.gcfg.BudgetWindow())
	s.mu.Lock()
	s.inflightHeavy--
	s.counters.Rogue++
	s.cooldown[e.job.Name] = until
	s.mu.Unlock()
	metrics.RecordJobState(string(StateRogue), true)
	s.logger.Warn().
		Str("event", "scheduler.job_rogue").
		Str("job_name", e.job.Name).
		Str("lease_id", lease.ID).
		Int64("granted_ms", lease.GrantedMS).
		Time("cooldown_until", until).
		Msg("job overran its grant past the suspend deadline")

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		<-done
		elapsed := s.clock().Sub(start)
		s.gov.Release(lease.ID, elapsed.Milliseconds())
		s.logger.Warn().
			Str("event", "scheduler.rogue_returned").
			Str("job_name", e.job.Name).
			Int64("elapsed_ms", elapsed.Milliseconds()).
			Msg("rogue job finally returned, lease charged with full overrun")
	}()
}

// backoffDelay is exponential from retryBase, doubled per attempt, capped at
// retryCap and jittered by ±retryJitter.
func backoffDelay(attempt int, jitter func() float64) time.Duration {
	d := retryBase
	for i := 1; i < attempt && d < retryCap; i++ {
		d *= 2
	}
	if d > retryCap {
		d = retryCap
	}
	scaled := float64(d) * (1 + retryJitter*jitter())
	return time.Duration(scaled)
}

func (s *Scheduler) publishDepthLocked() {
	heavy, light := s.q.counts()
	metrics.SetQueueDepth(true, heavy)
	metrics.SetQueueDepth(false, light)
}
