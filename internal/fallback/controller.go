// Package fallback owns fetch strategy selection for the stage pipeline.
//
// A stage that faults or trips a backoff while running on the fast strategy
// is retried once on the browser strategy. The switch is one-way for the rest
// of the run, so each stage falls back at most once and never oscillates.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Halt names the reason a stage pass stopped before processing every entity.
type Halt string

// Stage halts. HaltNone means the pass completed.
const (
	HaltNone     Halt = ""
	HaltBackoff  Halt = "backoff_active"
	HaltPaused   Halt = "operator_pause"
	HaltTimeout  Halt = "stage_timeout"
	HaltCanceled Halt = "canceled"
)

// StageOutcome describes one stage execution.
type StageOutcome struct {
	Halt     Halt
	Strategy crawler.Strategy
	FellBack bool
}

// StageFunc runs one pass over a stage with the given fetcher.
type StageFunc func(ctx context.Context, fetcher crawler.Fetcher, strategy crawler.Strategy) (StageOutcome, error)

// Backoff is the part of the block detector the controller needs.
type Backoff interface {
	State() crawler.BackoffState
	Clear(ctx context.Context) error
	ResetStage(stage crawler.Stage)
}

// Config selects the starting strategy and whether fallback is allowed.
type Config struct {
	Initial crawler.Strategy
	Enabled bool
}

// Controller runs stages and switches from fast to browser when needed.
type Controller struct {
	mu       sync.Mutex
	current  crawler.Strategy
	enabled  bool
	fast     crawler.Fetcher
	browser  crawler.Fetcher
	backoff  Backoff
	clock    crawler.Clock
	logger   *zap.Logger
	fellBack map[crawler.Stage]bool
	events   []crawler.FallbackEvent
	observer func(crawler.FallbackEvent)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithObserver registers fn to be called for every fallback event.
func WithObserver(fn func(crawler.FallbackEvent)) Option {
	return func(c *Controller) { c.observer = fn }
}

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Controller. browser may be nil, which disables fallback.
func New(cfg Config, fast, browser crawler.Fetcher, backoff Backoff, clock crawler.Clock, opts ...Option) (*Controller, error) {
	initial := cfg.Initial
	if initial == "" {
		initial = crawler.StrategyFast
	}
	switch initial {
	case crawler.StrategyFast:
		if fast == nil {
			return nil, &crawler.FatalConfigError{Field: "strategy", Reason: "fast strategy selected but no fast fetcher configured"}
		}
	case crawler.StrategyBrowser:
		if browser == nil {
			return nil, &crawler.FatalConfigError{Field: "strategy", Reason: "browser strategy selected but browser is disabled"}
		}
	default:
		return nil, &crawler.FatalConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", initial)}
	}
	c := &Controller{
		current:  initial,
		enabled:  cfg.Enabled && browser != nil,
		fast:     fast,
		browser:  browser,
		backoff:  backoff,
		clock:    clock,
		logger:   zap.NewNop(),
		fellBack: make(map[crawler.Stage]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Strategy returns the strategy the next stage will start on.
func (c *Controller) Strategy() crawler.Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Events returns the fallback events recorded so far.
func (c *Controller) Events() []crawler.FallbackEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawler.FallbackEvent(nil), c.events...)
}

// Run executes fn for stage. When the pass on the fast strategy faults or
// halts on backoff, the backoff is cleared, the strategy switches to browser
// and fn runs once more. Any outcome on the browser strategy is final.
func (c *Controller) Run(ctx context.Context, stage crawler.Stage, fn StageFunc) (StageOutcome, error) {
	strategy := c.Strategy()
	outcome, err := fn(ctx, c.fetcher(strategy), strategy)
	outcome.Strategy = strategy

	reason := c.fallbackReason(ctx, outcome, err)
	if reason == "" || !c.claim(stage) {
		return outcome, err
	}

	event := crawler.FallbackEvent{
		Stage:        stage,
		Reason:       reason,
		FromStrategy: crawler.StrategyFast,
		ToStrategy:   crawler.StrategyBrowser,
		Timestamp:    c.clock.Now(),
	}
	c.record(event)
	c.logger.Warn("falling back to browser strategy",
		zap.String("stage", string(stage)),
		zap.String("reason", reason),
	)

	if outcome.Halt == HaltBackoff {
		if clearErr := c.backoff.Clear(ctx); clearErr != nil {
			return outcome, fmt.Errorf("clear backoff before fallback: %w", clearErr)
		}
	}
	c.backoff.ResetStage(stage)

	outcome, err = fn(ctx, c.browser, crawler.StrategyBrowser)
	outcome.Strategy = crawler.StrategyBrowser
	outcome.FellBack = true
	return outcome, err
}

func (c *Controller) fetcher(strategy crawler.Strategy) crawler.Fetcher {
	if strategy == crawler.StrategyBrowser {
		return c.browser
	}
	return c.fast
}

func (c *Controller) fallbackReason(ctx context.Context, outcome StageOutcome, err error) string {
	if ctx.Err() != nil {
		return ""
	}
	var fault *crawler.StageFaultError
	switch {
	case errors.As(err, &fault):
		return "stage_fault: " + fmt.Sprint(fault.Err)
	case err == nil && outcome.Halt == HaltBackoff:
		reason := c.backoff.State().TriggerReason
		if reason == "" {
			return "backoff_active"
		}
		return "backoff: " + reason
	default:
		return ""
	}
}

// claim switches the run to the browser strategy if this stage may still fall back.
func (c *Controller) claim(stage crawler.Stage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.current != crawler.StrategyFast || c.fellBack[stage] {
		return false
	}
	c.fellBack[stage] = true
	c.current = crawler.StrategyBrowser
	return true
}

func (c *Controller) record(event crawler.FallbackEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer(event)
	}
}
