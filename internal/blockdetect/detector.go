// Package blockdetect classifies fetch outcomes as blocked and owns the
// run-wide backoff state.
package blockdetect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Trigger reasons recorded in BackoffState.TriggerReason.
const (
	ReasonConsecutiveFailures = "suspected_block_consecutive_failures"
	ReasonChallenge           = "browser_challenge_detected"
)

// Saver persists the backoff state.
type Saver interface {
	SaveBackoff(ctx context.Context, state crawler.BackoffState) error
}

// Config tunes the detector.
type Config struct {
	Threshold        int
	BlockedStatuses  []int
	ChallengeMarkers []string
	Policy           Policy
}

// Observation is one fetch outcome reported to the detector.
type Observation struct {
	Stage       crawler.Stage
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Err         error
}

// Verdict tells the caller how the detector classified an observation.
type Verdict struct {
	Blocked   bool
	Triggered bool
	Reason    string
	State     crawler.BackoffState
}

// Detector counts consecutive failures per run and per stage and raises the
// backoff on a blocked status, a challenge page, or a threshold hit. A success
// resets the counters but never clears an active backoff.
type Detector struct {
	mu            sync.Mutex
	threshold     int
	blocked       map[int]struct{}
	challenge     *ChallengeHeuristic
	policy        Policy
	clock         crawler.Clock
	saver         Saver
	logger        *zap.Logger
	runFailures   int
	stageFailures map[crawler.Stage]int
	state         crawler.BackoffState
	triggers      int
}

// New constructs a Detector. saver may be nil for purely in-memory use.
func New(cfg Config, clock crawler.Clock, saver Saver, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	statuses := cfg.BlockedStatuses
	if len(statuses) == 0 {
		statuses = []int{403, 429}
	}
	blocked := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		blocked[s] = struct{}{}
	}
	return &Detector{
		threshold:     threshold,
		blocked:       blocked,
		challenge:     NewChallengeHeuristic(cfg.ChallengeMarkers),
		policy:        cfg.Policy,
		clock:         clock,
		saver:         saver,
		logger:        logger,
		stageFailures: make(map[crawler.Stage]int),
	}
}

// Restore seeds the detector with a state loaded from the checkpoint store.
func (d *Detector) Restore(state crawler.BackoffState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	if state.Count > d.triggers {
		d.triggers = state.Count
	}
}

// Observe classifies one fetch outcome and triggers the backoff when warranted.
func (d *Detector) Observe(ctx context.Context, obs Observation) Verdict {
	if errors.Is(obs.Err, context.Canceled) {
		return Verdict{State: d.State()}
	}

	d.mu.Lock()
	reason := d.classifyLocked(obs)
	failed := reason != "" || obs.Err != nil || obs.StatusCode >= 400
	if !failed {
		d.runFailures = 0
		d.stageFailures[obs.Stage] = 0
		state := d.state
		d.mu.Unlock()
		return Verdict{State: state}
	}

	d.runFailures++
	d.stageFailures[obs.Stage]++
	if reason == "" && (d.runFailures >= d.threshold || d.stageFailures[obs.Stage] >= d.threshold) {
		reason = ReasonConsecutiveFailures
	}
	if reason == "" {
		state := d.state
		d.mu.Unlock()
		return Verdict{State: state}
	}

	now := d.clock.Now()
	if d.state.ActiveAt(now) {
		state := d.state
		d.mu.Unlock()
		return Verdict{Blocked: true, Reason: reason, State: state}
	}
	d.triggers++
	d.state = crawler.BackoffState{
		Active:        true,
		TriggeredAt:   now,
		RetryAfter:    now.Add(d.policy.Delay(d.triggers)),
		TriggerReason: reason,
		Stage:         obs.Stage,
		URL:           obs.URL,
		Count:         d.triggers,
	}
	d.runFailures = 0
	d.stageFailures[obs.Stage] = 0
	state := d.state
	d.mu.Unlock()

	d.logger.Warn("backoff triggered",
		zap.String("stage", string(obs.Stage)),
		zap.String("url", obs.URL),
		zap.String("reason", reason),
		zap.Int("status", obs.StatusCode),
		zap.Time("retry_after", state.RetryAfter),
	)
	if err := d.persist(ctx, state); err != nil {
		d.logger.Error("persist backoff failed", zap.Error(err))
	}
	return Verdict{Blocked: true, Triggered: true, Reason: reason, State: state}
}

func (d *Detector) classifyLocked(obs Observation) string {
	if _, ok := d.blocked[obs.StatusCode]; ok {
		return fmt.Sprintf("http_%d", obs.StatusCode)
	}
	if obs.StatusCode >= 200 && obs.StatusCode < 300 && d.challenge.Matches(obs.ContentType, obs.Body) {
		return ReasonChallenge
	}
	return ""
}

// Active reports whether the backoff halts fetching at now.
func (d *Detector) Active(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.ActiveAt(now)
}

// State returns a copy of the current backoff state.
func (d *Detector) State() crawler.BackoffState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Triggers returns how many times the backoff was raised (including restored runs).
func (d *Detector) Triggers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggers
}

// Clear lifts the backoff and resets every counter.
func (d *Detector) Clear(ctx context.Context) error {
	d.mu.Lock()
	d.state = crawler.BackoffState{Count: d.triggers}
	d.runFailures = 0
	d.stageFailures = make(map[crawler.Stage]int)
	state := d.state
	d.mu.Unlock()
	return d.persist(ctx, state)
}

// ResetStage zeroes the consecutive-failure counter of one stage.
func (d *Detector) ResetStage(stage crawler.Stage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stageFailures[stage] = 0
}

func (d *Detector) persist(ctx context.Context, state crawler.BackoffState) error {
	if d.saver == nil {
		return nil
	}
	if err := d.saver.SaveBackoff(context.WithoutCancel(ctx), state); err != nil {
		return fmt.Errorf("save backoff state: %w", err)
	}
	return nil
}
