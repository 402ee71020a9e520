package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/internal/browser/browsertest"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/session"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingReleaser wraps a pool and counts releases per instance.
type countingReleaser struct {
	pool  *browser.Pool
	mu    sync.Mutex
	count map[string]int
}

func (r *countingReleaser) Release(ctx context.Context, inst *browser.Instance) {
	r.mu.Lock()
	r.count[inst.ID()]++
	r.mu.Unlock()
	r.pool.Release(ctx, inst)
}

func (r *countingReleaser) releases(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[id]
}

type fixture struct {
	mgr      *session.Manager
	pool     *browser.Pool
	launcher *browsertest.Launcher
	releaser *countingReleaser
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := browsertest.NewLauncher()
	pool := browser.NewPool(l, browser.PoolConfig{MaxInstances: 2, AcquireTimeout: 100 * time.Millisecond}, logging.Nop(), nil)
	r := &countingReleaser{pool: pool, count: map[string]int{}}
	c := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	mgr := session.NewManager(r, session.Config{Now: c.Now}, logging.Nop(), nil)
	t.Cleanup(func() {
		mgr.CloseAll(context.Background())
		_ = pool.CloseAll()
	})
	return &fixture{mgr: mgr, pool: pool, launcher: l, releaser: r, clock: c}
}

func (f *fixture) create(t *testing.T, url string, ttl int) *session.Session {
	t.Helper()
	ctx := context.Background()
	inst, err := f.pool.Acquire(ctx)
	require.NoError(t, err)
	s, err := f.mgr.Create(ctx, inst, url, ttl, session.CreateOptions{})
	require.NoError(t, err)
	return s
}

func TestCreate_ActiveAfterNavigation(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "https://example.com", 0)

	snap := s.Snapshot(f.clock.Now())
	assert.Equal(t, models.StatusActive, snap.Status)
	assert.Equal(t, "https://example.com", snap.URL)
	assert.Equal(t, int64(15*60), snap.RemainingSeconds)
	assert.Equal(t, []string{"https://example.com"}, browsertest.DriverOf(s.Instance()).Visited())
	assert.Equal(t, 1, f.mgr.Count())
}

func TestCreate_AppliesPageOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst, err := f.pool.Acquire(ctx)
	require.NoError(t, err)

	on := true
	s, err := f.mgr.Create(ctx, inst, "https://example.com", 5, session.CreateOptions{
		Viewport:  &models.Viewport{Width: 800, Height: 600},
		UserAgent: "agent/1.0",
		Recording: &on,
	})
	require.NoError(t, err)

	opts := browsertest.DriverOf(inst).Options()
	assert.Equal(t, 800, opts.Viewport.Width)
	assert.Equal(t, "agent/1.0", opts.UserAgent)
	assert.True(t, s.Recording())
}

func TestClampTTL(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 15, f.mgr.ClampTTL(0))
	assert.Equal(t, 15, f.mgr.ClampTTL(-4))
	assert.Equal(t, 1, f.mgr.ClampTTL(1))
	assert.Equal(t, 60, f.mgr.ClampTTL(61))
	assert.Equal(t, 60, f.mgr.ClampTTL(10_000))
	assert.Equal(t, 42, f.mgr.ClampTTL(42))
}

func TestCreate_NavigationFailureReleasesInstance(t *testing.T) {
	f := newFixture(t)
	f.launcher.Prepare = func(d *browsertest.Driver) {
		d.NavigateFunc = func(ctx context.Context, url string) error {
			return errors.New("net::ERR_NAME_NOT_RESOLVED")
		}
	}
	ctx := context.Background()
	inst, err := f.pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = f.mgr.Create(ctx, inst, "https://nope.invalid", 0, session.CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, f.mgr.Count())
	assert.Equal(t, 1, f.releaser.releases(inst.ID()))
	assert.Equal(t, 0, f.pool.Stats().InUse)
}

func TestCreate_NavigationTimeoutDiscardsInstance(t *testing.T) {
	f := newFixture(t)
	f.launcher.Prepare = func(d *browsertest.Driver) {
		d.NavigateFunc = func(ctx context.Context, url string) error {
			<-ctx.Done()
			return ctx.Err()
		}
	}
	inst, err := f.pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.mgr.Create(ctx, inst, "https://slow.example", 0, session.CreateOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, inst.Tainted())
	assert.Equal(t, 1, browsertest.DriverOf(inst).Closed())
	assert.Equal(t, 0, f.pool.Stats().Live)
}

func TestGet_ExpiredWithoutSweep(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "https://example.com", 1)

	_, err := f.mgr.Get(s.ID())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.mgr.Get(s.ID())
	require.ErrorIs(t, err, session.ErrNotFound)

	require.Eventually(t, func() bool { return f.releaser.releases(s.Instance().ID()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusExpired, s.Status())
}

func TestGet_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Get("does-not-exist")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "https://example.com", 0)

	require.NoError(t, f.mgr.Close(ctx, s.ID()))
	require.ErrorIs(t, f.mgr.Close(ctx, s.ID()), session.ErrNotFound)
	assert.Equal(t, 1, f.releaser.releases(s.Instance().ID()))
	assert.Equal(t, models.StatusClosed, s.Status())

	_, err := f.mgr.Get(s.ID())
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestClose_AfterExpiryDoesNotDoubleRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "https://example.com", 1)

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.mgr.Sweep())
	require.ErrorIs(t, f.mgr.Close(ctx, s.ID()), session.ErrNotFound)

	require.Eventually(t, func() bool { return f.releaser.releases(s.Instance().ID()) == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.releaser.releases(s.Instance().ID()))
}

func TestClose_RacingSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "https://example.com", 1)
	f.clock.Advance(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = f.mgr.Close(ctx, s.ID()) }()
		go func() { defer wg.Done(); f.mgr.Sweep() }()
	}
	wg.Wait()
	f.mgr.CloseAll(ctx)

	assert.Equal(t, 1, f.releaser.releases(s.Instance().ID()))
}

func TestSweep_LeavesLiveSessions(t *testing.T) {
	f := newFixture(t)
	short := f.create(t, "https://a.example", 1)
	long := f.create(t, "https://b.example", 30)

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, f.mgr.Sweep())

	_, err := f.mgr.Get(short.ID())
	require.ErrorIs(t, err, session.ErrNotFound)
	_, err = f.mgr.Get(long.ID())
	require.NoError(t, err)

	list := f.mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, long.ID(), list[0].SessionID)
	assert.Equal(t, int64(25*60), list[0].RemainingSeconds)
}

func TestTTLIsAbsolute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "https://example.com", 2)
	expires := s.ExpiresAt()

	f.clock.Advance(90 * time.Second)
	require.NoError(t, f.mgr.Do(ctx, s.ID(), func(s *session.Session) error {
		return s.Instance().Navigate(ctx, "https://example.com/next", "")
	}))
	assert.Equal(t, expires, s.ExpiresAt())

	f.clock.Advance(30 * time.Second)
	err := f.mgr.Do(ctx, s.ID(), func(*session.Session) error { return nil })
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestRecordAction(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, "https://example.com", 0)
	action := models.RecordedAction{ToolName: "browser_click", Success: false, Error: "no element"}

	f.mgr.RecordAction(s.ID(), action)
	assert.Empty(t, s.Actions(), "recording is off by default")

	require.NoError(t, f.mgr.SetRecording(s.ID(), true))
	f.mgr.RecordAction(s.ID(), action)
	f.mgr.RecordAction(s.ID(), models.RecordedAction{ToolName: "browser_get_text", Success: true})
	actions := s.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "browser_click", actions[0].ToolName)
	assert.False(t, actions[0].Success)

	// unknown ids are ignored
	f.mgr.RecordAction("missing", action)
	require.ErrorIs(t, f.mgr.SetRecording("missing", true), session.ErrNotFound)
}

func TestDo_SerializesOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "https://example.com", 0)

	var inside, overlap int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.mgr.Do(ctx, s.ID(), func(s *session.Session) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				s.IncrementCalls()
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap))
	assert.Equal(t, int64(10), s.Snapshot(f.clock.Now()).CallCount)
}

func TestCloseWaitsForInFlightOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "https://example.com", 0)

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.mgr.Do(ctx, s.ID(), func(*session.Session) error {
			close(started)
			<-finish
			return nil
		})
	}()
	<-started

	closed := make(chan struct{})
	go func() {
		_ = f.mgr.Close(ctx, s.ID())
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close released the instance while an operation was running")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 0, f.releaser.releases(s.Instance().ID()))

	close(finish)
	require.NoError(t, <-done)
	<-closed
	assert.Equal(t, 1, f.releaser.releases(s.Instance().ID()))
}

func TestCloseAll(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "https://a.example", 0)
	b := f.create(t, "https://b.example", 0)

	f.mgr.CloseAll(context.Background())
	assert.Equal(t, 0, f.mgr.Count())
	assert.Equal(t, 1, f.releaser.releases(a.Instance().ID()))
	assert.Equal(t, 1, f.releaser.releases(b.Instance().ID()))
	assert.Equal(t, 0, f.pool.Stats().InUse)
}
