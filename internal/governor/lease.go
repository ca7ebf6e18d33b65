package governor

import (
	"time"

	"github.com/google/uuid"
	"github.com/ninjra/autocapture-prime/internal/metrics"
)

// Lease is a time-bounded permission to run one heavy job.
type Lease struct {
	Allowed   bool
	GrantedMS int64
	Mode      Mode
	Reason    Reason
	ID        string
}

func newLeaseID() string {
	return uuid.NewString()
}

// Lease recomputes the decision under the lock and grants a lease when the
// mode is one of the heavy-allowing modes and heavy work is allowed. The
// grant is capped by the remaining budget, net of every outstanding grant.
// Denials carry the current mode and reason; lease acquisition never blocks.
func (g *Governor) Lease(estimatedMS int64, requireGPU bool) Lease {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	d := g.decideLocked(now)

	if !allowsHeavy(d.Mode) || !d.HeavyAllowed {
		metrics.RecordLease(false, string(d.Reason))
		return Lease{Mode: d.Mode, Reason: d.Reason}
	}

	granted := estimatedMS
	if remaining := g.grantRemainingLocked(); granted > remaining {
		granted = remaining
	}
	if granted <= 0 {
		metrics.RecordLease(false, string(ReasonBudgetExhausted))
		return Lease{Mode: d.Mode, Reason: ReasonBudgetExhausted}
	}

	id := g.newID()
	g.outstanding[id] = &leaseState{
		grantedMS:  granted,
		requireGPU: requireGPU,
		issuedAt:   now,
	}

	metrics.RecordLease(true, string(d.Reason))
	g.logger.Debug().
		Str("event", "governor.lease_granted").
		Str("lease_id", id).
		Int64("granted_ms", granted).
		Str("mode", string(d.Mode)).
		Msg("lease granted")

	return Lease{
		Allowed:   true,
		GrantedMS: granted,
		Mode:      d.Mode,
		Reason:    d.Reason,
		ID:        id,
	}
}

// Release returns a lease and charges the window counter with the actual
// elapsed milliseconds, clamped to be non-negative. Estimated time is never
// charged; only real run time counts against the budget. Releasing an
// unknown lease ID is a no-op.
func (g *Governor) Release(leaseID string, actualMS int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.outstanding[leaseID]; !ok {
		g.logger.Warn().
			Str("event", "governor.release_unknown_lease").
			Str("lease_id", leaseID).
			Msg("release for unknown lease ignored")
		return
	}
	delete(g.outstanding, leaseID)

	if actualMS < 0 {
		actualMS = 0
	}
	g.chargedMS += actualMS

	g.logger.Debug().
		Str("event", "governor.lease_released").
		Str("lease_id", leaseID).
		Int64("elapsed_ms", actualMS).
		Int64("charged_ms", g.chargedMS).
		Msg("lease released")
}

// Sweep reclaims leases whose holder never released them, charging the full
// grant. Run periodically by the daemon; the deadline is the grant plus the
// suspend deadline.
func (g *Governor) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	deadline := g.cfg.SuspendDeadline()
	reclaimed := 0
	for id, ls := range g.outstanding {
		expiry := ls.issuedAt.Add(time.Duration(ls.grantedMS)*time.Millisecond + deadline)
		if now.Before(expiry) {
			continue
		}
		delete(g.outstanding, id)
		g.chargedMS += ls.grantedMS
		reclaimed++
		metrics.RecordLeaseReclaimed()
		g.logger.Warn().
			Str("event", "governor.lease_reclaimed").
			Str("lease_id", id).
			Int64("granted_ms", ls.grantedMS).
			Bool("require_gpu", ls.requireGPU).
			Msg("unreleased lease reclaimed by sweep")
	}
	return reclaimed
}
