// SPDX-License-Identifier: MIT

package signals

import (
	"context"
	"encoding/json"
	"os"
	"time"
)

const (
	// DefaultMaxStaleness is how old a record may be before it is
	// considered stale.
	DefaultMaxStaleness = 3 * time.Second

	// readTimeout bounds the file read; a hung filesystem must not stall
	// the conductor tick.
	readTimeout = 100 * time.Millisecond
)

// wireRecord is the on-disk JSON shape. ts_utc, idle_seconds and
// user_active are required; source and seq are optional.
type wireRecord struct {
	TS          *string  `json:"ts_utc"`
	IdleSeconds *float64 `json:"idle_seconds"`
	UserActive  *bool    `json:"user_active"`
	QueryIntent bool     `json:"query_intent"`
	Source      string   `json:"source"`
	Seq         uint64   `json:"seq"`
}

// ReaderOptions configures a file Reader.
type ReaderOptions struct {
	MaxStaleness time.Duration
	// FailOpen controls behaviour on stale or unreadable input. When true
	// the reader substitutes idle defaults (user absent); when false it
	// returns the unavailable sentinel and the governor falls back to
	// treating the user as active.
	FailOpen bool
	Clock    func() time.Time
}

// Reader reads the activity file written atomically by an out-of-process
// producer. It never returns an error; every failure collapses to a stale
// or unavailable reading.
type Reader struct {
	path     string
	staleAge time.Duration
	failOpen bool
	clock    func() time.Time
}

// NewReader creates a Reader for the given path.
func NewReader(path string, opts ReaderOptions) *Reader {
	staleAge := opts.MaxStaleness
	if staleAge <= 0 {
		staleAge = DefaultMaxStaleness
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reader{
		path:     path,
		staleAge: staleAge,
		failOpen: opts.FailOpen,
		clock:    clock,
	}
}

// Latest reads and parses the activity file.
func (r *Reader) Latest(ctx context.Context) Reading {
	data, ok := r.readFile(ctx)
	if !ok {
		return r.degraded()
	}

	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return r.degraded()
	}
	if wire.TS == nil || wire.IdleSeconds == nil || wire.UserActive == nil {
		return r.degraded()
	}
	ts, err := time.Parse(time.RFC3339Nano, *wire.TS)
	if err != nil {
		return r.degraded()
	}
	if *wire.IdleSeconds < 0 {
		return r.degraded()
	}

	now := r.clock()
	if now.Sub(ts) > r.staleAge {
		return r.degraded()
	}

	return Reading{
		Record: Record{
			TS:          ts,
			IdleSeconds: *wire.IdleSeconds,
			UserActive:  *wire.UserActive,
			QueryIntent: wire.QueryIntent,
			Source:      wire.Source,
			Seq:         wire.Seq,
		},
		Health: HealthFresh,
	}
}

// readFile reads the file under the I/O timeout. The read runs on its own
// goroutine so a hung stat/read cannot block the caller past the deadline.
func (r *Reader) readFile(ctx context.Context) ([]byte, bool) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(r.path) // #nosec G304 -- path comes from config
		ch <- result{data: data, err: err}
	}()

	timer := time.NewTimer(readTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		return nil, false
	case res := <-ch:
		if res.err != nil {
			return nil, false
		}
		return res.data, true
	}
}

func (r *Reader) degraded() Reading {
	if r.failOpen {
		return IdleDefaults(r.clock())
	}
	return Unavailable()
}
