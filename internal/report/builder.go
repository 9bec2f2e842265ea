// Package report aggregates run outcomes into the final Run Report.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Outcome is the result of processing one entity in one stage.
type Outcome string

// Entity outcomes.
const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeFailed           Outcome = "failed"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeSkippedDone      Outcome = "skipped_done"
	OutcomeReview           Outcome = "review"
	OutcomeExhausted        Outcome = "exhausted"
)

// Builder accumulates counters while the run progresses. Attempts are counted
// every time; the remaining counters reflect the last outcome per entity, so
// an entity retried after a fallback is counted once.
type Builder struct {
	mu        sync.Mutex
	report    crawler.RunReport
	attempts  map[crawler.Stage]int
	outcomes  map[crawler.Stage]map[string]Outcome
	stages    []crawler.Stage
	finalized bool
	clock     crawler.Clock
}

// NewBuilder starts a report for runID.
func NewBuilder(runID, siteName string, strategy crawler.Strategy, clock crawler.Clock) *Builder {
	return &Builder{
		report: crawler.RunReport{
			RunID:      runID,
			SiteName:   siteName,
			Status:     crawler.RunStatusRunning,
			FinalState: crawler.StateDiscovery,
			StartedAt:  clock.Now(),
			Strategy:   strategy,
		},
		attempts: make(map[crawler.Stage]int),
		outcomes: make(map[crawler.Stage]map[string]Outcome),
		clock:    clock,
	}
}

// StartStage marks stage as the current state.
func (b *Builder) StartStage(stage crawler.Stage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	if _, ok := b.outcomes[stage]; !ok {
		b.outcomes[stage] = make(map[string]Outcome)
		b.stages = append(b.stages, stage)
	}
	b.report.FinalState = crawler.StateFor(stage)
}

// Attempt counts one fetch or processing attempt in stage.
func (b *Builder) Attempt(stage crawler.Stage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.attempts[stage]++
}

// Outcome records the latest outcome of entityID. A skip never replaces an
// outcome already recorded in this run.
func (b *Builder) Outcome(stage crawler.Stage, entityID string, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	byEntity, ok := b.outcomes[stage]
	if !ok {
		byEntity = make(map[string]Outcome)
		b.outcomes[stage] = byEntity
		b.stages = append(b.stages, stage)
	}
	if _, seen := byEntity[entityID]; seen && (outcome == OutcomeSkippedDone || outcome == OutcomeExhausted) {
		return
	}
	byEntity[entityID] = outcome
}

// AddFallback appends a fallback event.
func (b *Builder) AddFallback(event crawler.FallbackEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.report.FallbackEvents = append(b.report.FallbackEvents, event)
	b.report.FallbackUsed = true
	b.report.Strategy = event.ToStrategy
}

// SetBackoff stores the latest backoff state. triggered counts a new backoff event.
func (b *Builder) SetBackoff(state crawler.BackoffState, triggered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.report.Backoff = state
	if triggered {
		b.report.BackoffEvents++
	}
}

// Final carries the values known only at run end.
type Final struct {
	Status    crawler.RunStatus
	State     crawler.RunState
	Reason    string
	Backoff   crawler.BackoffState
	Reconcile crawler.Reconcile
	Cleanup   *crawler.CleanupResult
}

// Finalize freezes the report. Later calls return the frozen report unchanged.
func (b *Builder) Finalize(final Final) crawler.RunReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return b.snapshotLocked()
	}
	b.report.Status = final.Status
	b.report.FinalState = final.State
	b.report.StatusReason = final.Reason
	b.report.Backoff = final.Backoff
	b.report.Reconcile = final.Reconcile
	b.report.Cleanup = final.Cleanup
	b.report.FinishedAt = b.clock.Now()
	b.report.Stages = b.countersLocked()
	b.finalized = true
	return b.snapshotLocked()
}

// Snapshot returns a copy of the report as it stands.
func (b *Builder) Snapshot() crawler.RunReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.finalized {
		b.report.Stages = b.countersLocked()
	}
	return b.snapshotLocked()
}

// Counters returns the counters of one stage.
func (b *Builder) Counters(stage crawler.Stage) crawler.StageCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countersLocked()[stage]
}

func (b *Builder) countersLocked() map[crawler.Stage]crawler.StageCounters {
	out := make(map[crawler.Stage]crawler.StageCounters, len(b.stages))
	for _, stage := range b.stages {
		c := crawler.StageCounters{Attempted: b.attempts[stage]}
		for _, outcome := range b.outcomes[stage] {
			switch outcome {
			case OutcomeSucceeded:
				c.Succeeded++
			case OutcomeFailed:
				c.Failed++
			case OutcomeSkippedDuplicate:
				c.SkippedDuplicate++
			case OutcomeSkippedDone:
				c.SkippedDone++
			case OutcomeReview:
				c.Review++
			case OutcomeExhausted:
				c.Exhausted++
			}
		}
		out[stage] = c
	}
	return out
}

func (b *Builder) snapshotLocked() crawler.RunReport {
	out := b.report
	out.FallbackEvents = append([]crawler.FallbackEvent{}, b.report.FallbackEvents...)
	out.Stages = make(map[crawler.Stage]crawler.StageCounters, len(b.report.Stages))
	for k, v := range b.report.Stages {
		out.Stages[k] = v
	}
	if b.report.Cleanup != nil {
		cleanup := *b.report.Cleanup
		cleanup.Removed = append([]string(nil), cleanup.Removed...)
		out.Cleanup = &cleanup
	}
	return out
}

// Write stores the report as indented JSON at path, replacing it atomically.
func Write(path string, r crawler.RunReport) error {
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename run report: %w", err)
	}
	return nil
}

// Read loads a report written by Write.
func Read(path string) (crawler.RunReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return crawler.RunReport{}, fmt.Errorf("read run report: %w", err)
	}
	var r crawler.RunReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return crawler.RunReport{}, fmt.Errorf("decode run report: %w", err)
	}
	return r, nil
}
