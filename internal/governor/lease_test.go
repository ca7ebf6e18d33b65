package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ninjra/autocapture-prime/internal/config"
	"github.com/ninjra/autocapture-prime/internal/signals"
)

func TestLease_DeniedOutsideHeavyAllowingModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cfg        config.GovernorConfig
		rec        signals.Record
		wantMode   Mode
		wantReason Reason
	}{
		{
			name:       "active user",
			cfg:        testConfig(),
			rec:        activeSignals(),
			wantMode:   ModeActiveCaptureOnly,
			wantReason: ReasonUserActive,
		},
		{
			name: "safe mode",
			cfg: func() config.GovernorConfig {
				c := testConfig()
				c.SafeMode = true
				return c
			}(),
			rec:        idleSignals(),
			wantMode:   ModeSafeMode,
			wantReason: ReasonSafeMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, _ := newTestGovernor(t, tt.cfg)
			g.SetPendingHeavyFunc(func() int { return 1 })
			g.Decide(fresh(tt.rec))

			lease := g.Lease(1000, false)
			require.False(t, lease.Allowed)
			require.Zero(t, lease.GrantedMS)
			require.Equal(t, tt.wantMode, lease.Mode)
			require.Equal(t, tt.wantReason, lease.Reason)
		})
	}
}

// The drain-stall regression: a lease must be granted in USER_QUERY, not
// only in IDLE_DRAIN.
func TestLease_AllowedInUserQuery(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, testConfig())

	g.Decide(fresh(forcedSignals()))
	lease := g.Lease(1000, false)
	require.True(t, lease.Allowed)
	require.Equal(t, ModeUserQuery, lease.Mode)
	require.Equal(t, ReasonForcedQuery, lease.Reason)
	require.NotEmpty(t, lease.ID)
}

func TestLease_BudgetAccounting(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HeavyBudgetMSPerWindow = 1000
	g, _ := newTestGovernor(t, cfg)

	first := g.Lease(600, false)
	require.False(t, first.Allowed, "no lease before a heavy-allowing decision")

	g.Decide(fresh(forcedSignals()))

	first = g.Lease(600, false)
	require.True(t, first.Allowed)
	require.Equal(t, int64(600), first.GrantedMS)

	// The second grant is capped by the outstanding reservation.
	second := g.Lease(600, false)
	require.True(t, second.Allowed)
	require.Equal(t, int64(400), second.GrantedMS)

	// Budget is charged with actual run time, not estimates.
	g.Release(first.ID, 100)
	g.Release(second.ID, 200)

	d := g.Decide(fresh(forcedSignals()))
	require.Equal(t, int64(700), d.BudgetRemainingMS)

	third := g.Lease(5000, false)
	require.True(t, third.Allowed)
	require.Equal(t, int64(700), third.GrantedMS, "grant must be capped by the remaining budget")
	g.Release(third.ID, 700)

	exhausted := g.Lease(1, false)
	require.False(t, exhausted.Allowed)
	require.Equal(t, ReasonBudgetExhausted, exhausted.Reason)
}

func TestRelease_ClampsNegativeCharge(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HeavyBudgetMSPerWindow = 1000
	g, _ := newTestGovernor(t, cfg)

	g.Decide(fresh(forcedSignals()))
	lease := g.Lease(500, false)
	require.True(t, lease.Allowed)

	g.Release(lease.ID, -50)
	d := g.Decide(fresh(forcedSignals()))
	require.Equal(t, int64(1000), d.BudgetRemainingMS, "negative charges clamp to zero")
}

func TestRelease_UnknownLeaseIgnored(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, testConfig())

	g.Release("no-such-lease", 100)
	d := g.Decide(fresh(forcedSignals()))
	require.Equal(t, testConfig().HeavyBudgetMSPerWindow, d.BudgetRemainingMS)
}

func TestLease_BudgetWindowRolls(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HeavyBudgetMSPerWindow = 100
	cfg.BudgetWindowSeconds = 1
	g, clock := newTestGovernor(t, cfg)

	g.Decide(fresh(forcedSignals()))
	lease := g.Lease(100, false)
	require.True(t, lease.Allowed)
	g.Release(lease.ID, 100)

	denied := g.Lease(10, false)
	require.False(t, denied.Allowed)

	// One full budget window later the same work is admitted again.
	clock.Advance(time.Second)
	g.Decide(fresh(forcedSignals()))
	again := g.Lease(10, false)
	require.True(t, again.Allowed)
}

func TestSweep_ReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HeavyBudgetMSPerWindow = 1000
	g, clock := newTestGovernor(t, cfg)

	g.Decide(fresh(forcedSignals()))
	lease := g.Lease(100, false)
	require.True(t, lease.Allowed)

	require.Zero(t, g.Sweep(), "live leases are not reclaimed")

	clock.Advance(time.Duration(lease.GrantedMS)*time.Millisecond + testConfig().SuspendDeadline() + time.Millisecond)
	require.Equal(t, 1, g.Sweep())
	require.Zero(t, g.Status().OutstandingLeases)

	d := g.Decide(fresh(forcedSignals()))
	require.Equal(t, int64(900), d.BudgetRemainingMS, "reclaimed leases charge their full grant")
}
