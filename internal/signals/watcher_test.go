// SPDX-License-Identifier: MIT

package signals

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type lockedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *lockedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *lockedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestWatcher_RefreshesOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "activity.json")
	require.NoError(t, WriteFile(path, Record{TS: time.Now().UTC(), IdleSeconds: 0, UserActive: true, Seq: 1}))

	reader := NewReader(path, ReaderOptions{})
	w := NewWatcher(reader, path, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return w.Latest(ctx).Health == HealthFresh
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, w.Latest(ctx).Record.UserActive)

	require.NoError(t, WriteFile(path, Record{TS: time.Now().UTC(), IdleSeconds: 45, UserActive: false, Seq: 2}))
	require.Eventually(t, func() bool {
		got := w.Latest(ctx)
		return got.Health == HealthFresh && !got.Record.UserActive
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWatcher_CachedRecordDecaysToStale(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "activity.json")

	ts := time.Now().UTC()
	require.NoError(t, WriteFile(path, Record{TS: ts, IdleSeconds: 0, UserActive: true, Seq: 1}))

	clock := &lockedClock{now: ts}
	reader := NewReader(path, ReaderOptions{Clock: clock.Now})
	w := NewWatcher(reader, path, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return w.Latest(ctx).Health == HealthFresh
	}, 2*time.Second, 10*time.Millisecond)

	// The producer dies; the cached record must not stay trusted forever.
	clock.Set(ts.Add(10 * time.Second))
	require.Equal(t, HealthUnavailable, w.Latest(ctx).Health)

	cancel()
	<-done
}
