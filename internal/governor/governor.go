// Package governor decides, at any moment, whether heavy background work may
// run without harming foreground responsiveness. It selects the scheduling
// mode from activity signals, issues time-bounded leases against a rolling
// budget, and answers cooperative preemption queries.
package governor

import (
	"sync"
	"time"

	"github.com/ninjra/autocapture-prime/internal/config"
	"github.com/ninjra/autocapture-prime/internal/metrics"
	"github.com/ninjra/autocapture-prime/internal/signals"
	"github.com/rs/zerolog"
)

// Mode is the current scheduling regime.
type Mode string

const (
	ModeActiveCaptureOnly Mode = "active_capture_only"
	ModeIdleDrain         Mode = "idle_drain"
	ModeUserQuery         Mode = "user_query"
	ModeSafeMode          Mode = "safe_mode"
)

// Reason tags why a decision came out the way it did. Reason values are the
// operator contract: status output must name exactly why heavy processing is
// or is not happening.
type Reason string

const (
	ReasonUserActive      Reason = "user_active"
	ReasonIdleWindow      Reason = "idle_window"
	ReasonForcedQuery     Reason = "forced_query"
	ReasonBudgetExhausted Reason = "budget_exhausted"
	ReasonJobsExhausted   Reason = "jobs_exhausted"
	ReasonSafeMode        Reason = "safe_mode"
)

// allowsHeavy is the set-membership predicate for the heavy-allowing modes.
// Mode checks anywhere in this package go through it; testing a single mode
// for equality is how the drain stall happened.
func allowsHeavy(m Mode) bool {
	switch m {
	case ModeIdleDrain, ModeUserQuery:
		return true
	default:
		return false
	}
}

// Decision is the outcome of one decide call.
type Decision struct {
	Mode              Mode
	HeavyAllowed      bool
	Reason            Reason
	BudgetRemainingMS int64
}

// Status is the read-only telemetry snapshot.
type Status struct {
	Mode              Mode      `json:"mode"`
	Reason            Reason    `json:"reason"`
	HeavyAllowed      bool      `json:"heavy_allowed"`
	BudgetRemainingMS int64     `json:"budget_remaining_ms"`
	OutstandingLeases int       `json:"outstanding_leases"`
	ModeChangedAt     time.Time `json:"mode_changed_at"`
	SafeModeLatched   bool      `json:"safe_mode_latched"`
}

// PendingHeavyFunc reports how many heavy jobs are pending or in flight.
// Injected by the scheduler so idle drain can wind down when there is
// nothing left to run.
type PendingHeavyFunc func() int

type leaseState struct {
	grantedMS  int64
	requireGPU bool
	issuedAt   time.Time
}

// Governor holds the single small state record behind one mutex: mode,
// mode-change time, latest signals, budget window counter and outstanding
// leases. Every public operation takes the mutex for its whole critical
// section.
type Governor struct {
	mu            sync.Mutex
	cfg           config.GovernorConfig
	mode          Mode
	modeChangedAt time.Time
	last          Decision

	sig     signals.Record
	haveSig bool
	lastSeq map[string]uint64

	windowStart time.Time
	chargedMS   int64
	outstanding map[string]*leaseState

	pendingHeavy PendingHeavyFunc
	latched      bool

	clock  func() time.Time
	logger zerolog.Logger
	newID  func() string
}

// Option customises governor construction.
type Option func(*Governor)

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Governor) { g.clock = clock }
}

// WithLogger injects the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a Governor with the given configuration.
func New(cfg config.GovernorConfig, opts ...Option) *Governor {
	g := &Governor{
		cfg:          cfg,
		mode:         ModeActiveCaptureOnly,
		lastSeq:      make(map[string]uint64),
		outstanding:  make(map[string]*leaseState),
		pendingHeavy: func() int { return 0 },
		clock:        time.Now,
		logger:       zerolog.Nop(),
		newID:        newLeaseID,
	}
	for _, opt := range opts {
		opt(g)
	}
	now := g.clock()
	g.modeChangedAt = now
	g.windowStart = now
	g.last = Decision{
		Mode:              g.mode,
		Reason:            ReasonUserActive,
		BudgetRemainingMS: cfg.HeavyBudgetMSPerWindow,
	}
	return g
}

// SetPendingHeavyFunc wires the scheduler's pending-heavy supplier.
func (g *Governor) SetPendingHeavyFunc(fn PendingHeavyFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fn != nil {
		g.pendingHeavy = fn
	}
}

// Decide consumes the latest activity reading and returns the current
// decision. Two consecutive calls with the same signals return equal
// decisions and do not move the mode-change timestamp.
func (g *Governor) Decide(reading signals.Reading) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	g.observeLocked(reading)
	d := g.decideLocked(now)
	metrics.RecordDecision(string(d.Mode), string(d.Reason), d.BudgetRemainingMS)
	return d
}

// observeLocked stores the reading's record as the latest signals value.
// Records with a lower sequence number than the last one seen from the same
// source never replace newer state. An unavailable feed collapses to the
// fail-closed fallback: the user is assumed active.
func (g *Governor) observeLocked(reading signals.Reading) {
	rec := reading.Record
	if reading.Health == signals.HealthUnavailable {
		rec = signals.Record{
			TS:         g.clock(),
			UserActive: true,
			Source:     "fallback",
		}
	}
	if prev, ok := g.lastSeq[rec.Source]; ok && rec.Seq < prev {
		return
	}
	g.lastSeq[rec.Source] = rec.Seq
	g.sig = rec
	g.haveSig = true
}

func (g *Governor) decideLocked(now time.Time) Decision {
	g.rollWindowLocked(now)
	live := g.liveRemainingLocked(now)

	sig := g.sig
	if !g.haveSig {
		sig = signals.Record{UserActive: true}
	}

	var (
		mode   Mode
		reason Reason
		heavy  bool
	)
	switch {
	case g.cfg.SafeMode || g.latched:
		mode, reason = ModeSafeMode, ReasonSafeMode
	case sig.QueryIntent:
		mode = ModeUserQuery
		if live > 0 {
			heavy, reason = true, ReasonForcedQuery
		} else {
			reason = ReasonBudgetExhausted
		}
	case !sig.UserActive && sig.IdleSeconds >= float64(g.cfg.IdleWindowSeconds):
		mode = ModeIdleDrain
		switch {
		case live <= 0:
			reason = ReasonBudgetExhausted
		case g.pendingHeavy() <= 0:
			reason = ReasonJobsExhausted
		default:
			heavy, reason = true, ReasonIdleWindow
		}
	default:
		mode, reason = ModeActiveCaptureOnly, ReasonUserActive
	}

	if mode != g.mode {
		g.logger.Info().
			Str("event", "governor.mode_changed").
			Str("old_mode", string(g.mode)).
			Str("new_mode", string(mode)).
			Str("reason", string(reason)).
			Msg("scheduling mode changed")
		g.mode = mode
		g.modeChangedAt = now
	}

	d := Decision{
		Mode:              mode,
		HeavyAllowed:      heavy,
		Reason:            reason,
		BudgetRemainingMS: live,
	}
	g.last = d
	return d
}

// ShouldPreempt answers whether the currently running heavy work must
// suspend. It recomputes the decision from the given signals, then applies
// the grace policy: outside the heavy-allowing modes the job may run on for
// the configured grace (tightened by the suspend deadline); inside idle
// drain it yields only when the budget or the work itself runs out. A
// forced-query mode never preempts by mode alone.
func (g *Governor) ShouldPreempt(reading signals.Reading) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	g.observeLocked(reading)
	d := g.decideLocked(now)

	if !allowsHeavy(d.Mode) {
		grace := g.cfg.PreemptGrace()
		if deadline := g.cfg.SuspendDeadline(); deadline > 0 {
			if grace == 0 || deadline < grace {
				grace = deadline
			}
		}
		if now.Sub(g.modeChangedAt) >= grace {
			metrics.RecordPreemption(string(d.Reason))
			return true
		}
		return false
	}

	// Inside a heavy-allowing mode the only preemption cause is the work
	// budget (or the work itself) running out.
	if !d.HeavyAllowed &&
		(d.Reason == ReasonBudgetExhausted || d.Reason == ReasonJobsExhausted) {
		metrics.RecordPreemption(string(d.Reason))
		return true
	}
	return false
}

// Status returns the read-only telemetry snapshot. It does not recompute
// the decision and never moves the mode-change timestamp.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Mode:              g.last.Mode,
		Reason:            g.last.Reason,
		HeavyAllowed:      g.last.HeavyAllowed,
		BudgetRemainingMS: g.last.BudgetRemainingMS,
		OutstandingLeases: len(g.outstanding),
		ModeChangedAt:     g.modeChangedAt,
		SafeModeLatched:   g.latched,
	}
}

// SetSafeMode toggles the operator safe-mode override at runtime.
func (g *Governor) SetSafeMode(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.SafeMode == on {
		return
	}
	g.cfg.SafeMode = on
	g.logger.Info().
		Str("event", "governor.safe_mode_toggled").
		Bool("safe_mode", on).
		Msg("safe mode toggled")
}

// Reset clears a fatal safe-mode latch after operator intervention.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.latched {
		return
	}
	g.latched = false
	g.logger.Warn().
		Str("event", "governor.reset").
		Msg("safe-mode latch cleared by operator")
}

// UpdateConfig replaces the governor configuration. Invalid values reject
// the whole update and the prior configuration stays in force.
func (g *Governor) UpdateConfig(cfg config.GovernorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	return nil
}

// rollWindowLocked resets the budget counter when the current window has
// fully elapsed.
func (g *Governor) rollWindowLocked(now time.Time) {
	if window := g.cfg.BudgetWindow(); window > 0 && now.Sub(g.windowStart) >= window {
		g.windowStart = now
		g.chargedMS = 0
	}
	if g.chargedMS < 0 {
		// Broken accounting is fatal: refuse heavy work until reset.
		g.logger.Error().
			Str("event", "governor.invariant_broken").
			Int64("charged_ms", g.chargedMS).
			Msg("negative budget counter, latching safe mode")
		g.chargedMS = 0
		g.latched = true
	}
}

// liveRemainingLocked is the budget still available right now, counting the
// running time already accrued by outstanding leases. Drives decide and
// preemption.
func (g *Governor) liveRemainingLocked(now time.Time) int64 {
	remaining := g.cfg.HeavyBudgetMSPerWindow - g.chargedMS
	for _, ls := range g.outstanding {
		accrued := now.Sub(ls.issuedAt).Milliseconds()
		if accrued > ls.grantedMS {
			accrued = ls.grantedMS
		}
		if accrued > 0 {
			remaining -= accrued
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// grantRemainingLocked is the budget available to new leases, reserving the
// full grant of every outstanding lease.
func (g *Governor) grantRemainingLocked() int64 {
	remaining := g.cfg.HeavyBudgetMSPerWindow - g.chargedMS
	for _, ls := range g.outstanding {
		remaining -= ls.grantedMS
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}
