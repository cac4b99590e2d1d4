package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// recordingSleeper captures requested admission waits without sleeping.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleeper) Pause(_ context.Context, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, delay)
}

func (r *recordingSleeper) last() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.waits) == 0 {
		return 0
	}
	return r.waits[len(r.waits)-1]
}

func newTestController(cfg Config) (*Controller, *fakeClock, *recordingSleeper) {
	c := New(cfg, nil)
	clock := newFakeClock()
	sleep := &recordingSleeper{}
	c.clock = clock
	c.sleep = sleep
	return c, clock, sleep
}

func TestAdmitSpacesSequentialStarts(t *testing.T) {
	c, _, sleep := newTestController(Config{
		BaseDelay:   time.Second,
		Concurrency: 4,
	})
	ctx := context.Background()

	p1, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	p1.Release()
	require.Empty(t, sleep.waits, "first admission should not wait")

	p2, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	p2.Release()
	require.Equal(t, time.Second, sleep.last(), "second start must be spaced by the base delay")
}

func TestAdmitSpacingComputedAtAdmissionTime(t *testing.T) {
	c, clock, sleep := newTestController(Config{
		BaseDelay:   time.Second,
		Concurrency: 4,
	})
	ctx := context.Background()

	// Two overlapping admissions: neither permit is released, yet the
	// second start is still pushed out by the full delay.
	p1, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	p2, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	require.Equal(t, time.Second, sleep.last())

	// A third admission after 400ms of wall time owes the remainder
	// relative to the second request's stamped start.
	clock.advance(400 * time.Millisecond)
	p3, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	require.Equal(t, 1600*time.Millisecond, sleep.last())

	p1.Release()
	p2.Release()
	p3.Release()
}

func TestAdmitDifferentTargetsDoNotInterfere(t *testing.T) {
	c, _, sleep := newTestController(Config{
		BaseDelay:   time.Second,
		Concurrency: 4,
	})
	ctx := context.Background()

	p1, err := c.Admit(ctx, "https://a.example.com")
	require.NoError(t, err)
	p1.Release()

	p2, err := c.Admit(ctx, "https://b.example.com")
	require.NoError(t, err)
	p2.Release()
	require.Empty(t, sleep.waits, "first admission per target should not wait")
}

func TestPerTargetOverride(t *testing.T) {
	c, _, sleep := newTestController(Config{
		BaseDelay:   time.Second,
		Concurrency: 1,
		PerTarget: map[string]time.Duration{
			"https://slow.example.com": 5 * time.Second,
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p, err := c.Admit(ctx, "https://slow.example.com")
		require.NoError(t, err)
		p.Release()
	}
	require.Equal(t, 5*time.Second, sleep.last())
}

func TestReportFailureEscalatesAfterThreshold(t *testing.T) {
	c, _, sleep := newTestController(Config{
		BaseDelay:   time.Second,
		Concurrency: 1,
	})
	ctx := context.Background()

	p, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	p.Release()

	// Two failures stay at the base delay; the third escalates to
	// base * 2^(3-2) = 2s, randomized by at most ±20%.
	c.Report("https://example.com", false)
	c.Report("https://example.com", false)
	require.Equal(t, time.Second, c.Snapshot()[0].Delay)

	c.Report("https://example.com", false)
	p, err = c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	p.Release()

	wait := sleep.last()
	require.GreaterOrEqual(t, wait, 1600*time.Millisecond)
	require.LessOrEqual(t, wait, 2400*time.Millisecond)
}

func TestReportSuccessResetsToBaseDelay(t *testing.T) {
	c, _, _ := newTestController(Config{
		BaseDelay:   time.Second,
		Concurrency: 1,
	})

	for i := 0; i < 5; i++ {
		c.Report("https://example.com", false)
	}
	require.Greater(t, c.Snapshot()[0].Delay, time.Second)
	require.Equal(t, 5, c.Snapshot()[0].ConsecutiveErrors)

	c.Report("https://example.com", true)
	status := c.Snapshot()[0]
	require.Equal(t, time.Second, status.Delay)
	require.Zero(t, status.ConsecutiveErrors)
}

func TestBackoffIsMonotonicNonDecreasing(t *testing.T) {
	c, _, _ := newTestController(Config{
		BaseDelay:   time.Second,
		Concurrency: 1,
	})

	var previous time.Duration
	for i := 0; i < 12; i++ {
		c.Report("https://example.com", false)
		delay := c.Snapshot()[0].Delay
		require.GreaterOrEqual(t, delay, previous,
			"delay shrank after failure %d", i+1)
		previous = delay
	}
}

func TestTenFailuresForceCoolDown(t *testing.T) {
	c, _, sleep := newTestController(Config{
		BaseDelay:   time.Second,
		Concurrency: 1,
	})
	ctx := context.Background()

	p, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	p.Release()

	for i := 0; i < 10; i++ {
		c.Report("https://example.com", false)
	}

	p, err = c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	p.Release()
	require.GreaterOrEqual(t, sleep.last(), 3600*time.Second)
}

func TestConcurrencyCapIsNeverExceeded(t *testing.T) {
	const limit = 3
	c := New(Config{Concurrency: limit}, nil)
	ctx := context.Background()

	var (
		inflight atomic.Int64
		peak     atomic.Int64
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := c.Admit(ctx, "https://example.com")
			if err != nil {
				t.Error(err)
				return
			}
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inflight.Add(-1)
			permit.Release()
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestAdmitCanceledDuringWaitReleasesSlot(t *testing.T) {
	c := New(Config{
		BaseDelay:   200 * time.Millisecond,
		Concurrency: 1,
	}, nil)

	p, err := c.Admit(context.Background(), "https://example.com")
	require.NoError(t, err)
	p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Admit(ctx, "https://example.com")
	require.Error(t, err)

	// The slot must be back: a fresh admission to another target
	// succeeds immediately.
	p, err = c.Admit(context.Background(), "https://other.example.com")
	require.NoError(t, err)
	p.Release()
}

func TestPermitReleaseIsIdempotent(t *testing.T) {
	c := New(Config{Concurrency: 1}, nil)
	ctx := context.Background()

	p, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	p.Release()
	p.Release()

	// A double release must not inflate capacity beyond the limit.
	p2, err := c.Admit(ctx, "https://example.com")
	require.NoError(t, err)
	defer p2.Release()

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Admit(blocked, "https://example.com")
	require.Error(t, err, "capacity should still be exhausted by the held permit")
}
