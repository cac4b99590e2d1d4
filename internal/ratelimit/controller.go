// Package ratelimit implements per-target pacing, adaptive backoff and
// global concurrency admission for the fetch pipeline.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scrapecore/scrapecore/internal/telemetry"
)

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// sleeper abstracts how admission waits are served so tests can observe
// requested delays without sleeping.
type sleeper interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerSleeper struct{}

func (timerSleeper) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Config tunes the controller. Zero values fall back to defaults.
type Config struct {
	BaseDelay     time.Duration
	Jitter        time.Duration
	Concurrency   int
	PerTarget     map[string]time.Duration
	MaxBackoff    time.Duration
	CoolDown      time.Duration
	EscalateAfter int
	CoolDownAfter int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 300 * time.Second
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 3600 * time.Second
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 3
	}
	if c.CoolDownAfter <= 0 {
		c.CoolDownAfter = 10
	}
	return c
}

// target carries the pacing state for one network authority. It is created
// lazily on first admission and lives for the process lifetime.
type target struct {
	base      time.Duration
	delay     time.Duration
	lastStart time.Time
	errCount  int
}

// Controller admits fetches under a global concurrency cap and per-target
// minimum spacing, and escalates a target's delay on reported failures.
// It never fails an admission; it only waits (or returns the context error).
type Controller struct {
	cfg    Config
	sem    *semaphore.Weighted
	clock  Clock
	sleep  sleeper
	logger *zap.Logger

	mu      sync.Mutex
	targets map[string]*target
	rng     *rand.Rand
}

// New builds a Controller from cfg.
func New(cfg Config, logger *zap.Logger) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		clock:   systemClock{},
		sleep:   timerSleeper{},
		logger:  logger,
		targets: make(map[string]*target),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Permit represents one held concurrency slot. Release is safe to call
// multiple times; the slot is returned exactly once.
type Permit struct {
	c    *Controller
	once sync.Once
}

// Release returns the concurrency slot.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.c.sem.Release(1)
		telemetry.FetchFinished()
	})
}

// Admit blocks until a concurrency slot is free and the target's spacing
// requirement is satisfied. The returned Permit must be released on every
// exit path. The only error is context cancellation.
func (c *Controller) Admit(ctx context.Context, targetID string) (*Permit, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire admission slot: %w", err)
	}
	telemetry.FetchStarted()
	permit := &Permit{c: c}

	wait := c.reserve(targetID)
	if wait > 0 {
		c.logger.Debug("admission delayed",
			zap.String("target", targetID),
			zap.Duration("wait", wait),
		)
		telemetry.ObserveAdmissionDelay(targetID, wait)
		c.sleep.Pause(ctx, wait)
		if err := ctx.Err(); err != nil {
			permit.Release()
			return nil, fmt.Errorf("admission wait canceled: %w", err)
		}
	}
	return permit, nil
}

// reserve computes the spacing wait for targetID and stamps its next start
// time. Stamping happens at admission, not completion, so overlapping
// in-flight requests to the same target still space out their starts.
func (c *Controller) reserve(targetID string) time.Duration {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.targetLocked(targetID)
	if st.lastStart.IsZero() {
		st.lastStart = now
		return 0
	}

	required := st.delay + c.jitterLocked() - now.Sub(st.lastStart)
	if required < 0 {
		required = 0
	}
	st.lastStart = now.Add(required)
	return required
}

// Report feeds a fetch outcome back into the target's backoff state.
// A success resets the consecutive-error count and restores the base
// delay; failures escalate per the backoff schedule.
func (c *Controller) Report(targetID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.targetLocked(targetID)
	if ok {
		st.errCount = 0
		st.delay = st.base
		return
	}

	st.errCount++
	switch {
	case st.errCount >= c.cfg.CoolDownAfter:
		st.delay = c.cfg.CoolDown
		c.logger.Warn("target placed in cool-down",
			zap.String("target", targetID),
			zap.Int("consecutive_errors", st.errCount),
			zap.Duration("cool_down", c.cfg.CoolDown),
		)
	case st.errCount >= c.cfg.EscalateAfter:
		escalated := c.escalatedDelayLocked(st)
		c.logger.Warn("target backoff escalated",
			zap.String("target", targetID),
			zap.Int("consecutive_errors", st.errCount),
			zap.Duration("delay", escalated),
		)
		st.delay = escalated
	}
}

// escalatedDelayLocked computes base * 2^(n-2), capped, with ±20%
// randomization, never shrinking below the current delay so consecutive
// failures produce a non-decreasing schedule.
func (c *Controller) escalatedDelayLocked(st *target) time.Duration {
	d := float64(st.base) * math.Pow(2, float64(st.errCount-2))
	if d > float64(c.cfg.MaxBackoff) {
		d = float64(c.cfg.MaxBackoff)
	}
	d *= 0.8 + 0.4*c.rng.Float64()
	escalated := time.Duration(d)
	if escalated < st.delay {
		escalated = st.delay
	}
	return escalated
}

func (c *Controller) targetLocked(targetID string) *target {
	st, ok := c.targets[targetID]
	if !ok {
		base := c.cfg.BaseDelay
		if override, exists := c.cfg.PerTarget[targetID]; exists {
			base = override
		}
		st = &target{base: base, delay: base}
		c.targets[targetID] = st
	}
	return st
}

func (c *Controller) jitterLocked() time.Duration {
	if c.cfg.Jitter <= 0 {
		return 0
	}
	spread := int64(2 * c.cfg.Jitter)
	return time.Duration(c.rng.Int63n(spread)) - c.cfg.Jitter
}

// TargetStatus is a point-in-time view of one target's pacing state.
type TargetStatus struct {
	Target            string        `json:"target"`
	Delay             time.Duration `json:"delay_ns"`
	DelaySeconds      float64       `json:"delay_seconds"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastStart         time.Time     `json:"last_start"`
}

// Snapshot reports the state of every known target.
func (c *Controller) Snapshot() []TargetStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TargetStatus, 0, len(c.targets))
	for id, st := range c.targets {
		out = append(out, TargetStatus{
			Target:            id,
			Delay:             st.delay,
			DelaySeconds:      st.delay.Seconds(),
			ConsecutiveErrors: st.errCount,
			LastStart:         st.lastStart,
		})
	}
	return out
}
