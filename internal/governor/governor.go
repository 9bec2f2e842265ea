// Package governor paces outbound requests: a uniform random delay between
// fetches, an optional per-host token bucket, a concurrency ceiling, and a
// hard stop while the block detector holds a backoff.
package governor

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/blockdetect"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/policy/ratelimit"
)

// Sleeper pauses between requests.
type Sleeper interface {
	Sleep(ctx context.Context, delay time.Duration) error
}

// TimerSleeper sleeps on a timer and returns early when ctx is done.
type TimerSleeper struct{}

// Sleep waits for delay or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config tunes the governor.
type Config struct {
	IntervalMin       time.Duration
	IntervalMax       time.Duration
	Concurrency       int
	RequestsPerSecond float64
}

// Governor is safe for concurrent use.
type Governor struct {
	min         time.Duration
	max         time.Duration
	concurrency int
	detector    *blockdetect.Detector
	clock       crawler.Clock
	sleeper     Sleeper
	limiter     *ratelimit.Limiter
	logger      *zap.Logger

	randMu sync.Mutex
	randN  func(n int64) int64
}

// Option customizes a Governor.
type Option func(*Governor)

// WithSleeper replaces the timer-based sleeper.
func WithSleeper(s Sleeper) Option {
	return func(g *Governor) { g.sleeper = s }
}

// WithRand replaces the random source; fn returns a value in [0, n).
func WithRand(fn func(n int64) int64) Option {
	return func(g *Governor) { g.randN = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// New constructs a Governor bound to detector.
func New(cfg Config, detector *blockdetect.Detector, clock crawler.Clock, opts ...Option) *Governor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxDelay := cfg.IntervalMax
	if maxDelay < cfg.IntervalMin {
		maxDelay = cfg.IntervalMin
	}
	g := &Governor{
		min:         cfg.IntervalMin,
		max:         maxDelay,
		concurrency: concurrency,
		detector:    detector,
		clock:       clock,
		sleeper:     TimerSleeper{},
		logger:      zap.NewNop(),
		randN:       rand.Int64N,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		OnDelay: func(host string, waited time.Duration) {
			g.logger.Debug("rate limited", zap.String("host", host), zap.Duration("waited", waited))
		},
	})
	return g
}

// Concurrency returns the configured ceiling on in-flight entities.
func (g *Governor) Concurrency() int {
	return g.concurrency
}

// Wait blocks for the inter-request delay. It returns crawler.ErrBackoffActive
// when the backoff is active before or after sleeping, and ctx.Err() when the
// context ends first.
func (g *Governor) Wait(ctx context.Context, stage crawler.Stage, rawURL string) error {
	if g.BackoffActive() {
		return crawler.ErrBackoffActive
	}
	delay := g.nextDelay()
	if err := g.sleeper.Sleep(ctx, delay); err != nil {
		return err
	}
	if err := g.limiter.Wait(ctx, rawURL); err != nil {
		return err
	}
	if g.BackoffActive() {
		return crawler.ErrBackoffActive
	}
	g.logger.Debug("request cleared",
		zap.String("stage", string(stage)),
		zap.String("url", rawURL),
		zap.Duration("delay", delay),
	)
	return nil
}

// Pause sleeps delay before a retry. It returns crawler.ErrBackoffActive when
// a backoff started while sleeping.
func (g *Governor) Pause(ctx context.Context, delay time.Duration) error {
	if err := g.sleeper.Sleep(ctx, delay); err != nil {
		return err
	}
	if g.BackoffActive() {
		return crawler.ErrBackoffActive
	}
	return nil
}

// RecordOutcome forwards a fetch outcome to the block detector.
func (g *Governor) RecordOutcome(ctx context.Context, obs blockdetect.Observation) blockdetect.Verdict {
	return g.detector.Observe(ctx, obs)
}

// BackoffActive reports whether fetching is halted right now.
func (g *Governor) BackoffActive() bool {
	return g.detector.Active(g.clock.Now())
}

func (g *Governor) nextDelay() time.Duration {
	span := int64(g.max - g.min)
	if span <= 0 {
		return g.min
	}
	g.randMu.Lock()
	defer g.randMu.Unlock()
	return g.min + time.Duration(g.randN(span+1))
}
