package progress

import (
	"time"

	"github.com/google/uuid"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Reporter stamps run milestones with the run ID and forwards them to an
// Emitter. A nil Reporter or Emitter drops every event.
type Reporter struct {
	emitter Emitter
	runID   [16]byte
	clock   crawler.Clock
}

// NewReporter binds emitter to runID.
func NewReporter(emitter Emitter, runID uuid.UUID, clock crawler.Clock) *Reporter {
	return &Reporter{emitter: emitter, runID: UUIDToBytes(runID), clock: clock}
}

func (r *Reporter) emit(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.RunID = r.runID
	evt.TS = r.clock.Now()
	r.emitter.Emit(evt)
}

// RunStart reports the start of the run.
func (r *Reporter) RunStart(strategy crawler.Strategy) {
	r.emit(Event{Kind: KindRunStart, Strategy: strategy})
}

// StageStart reports a stage entering execution.
func (r *Reporter) StageStart(stage crawler.Stage, strategy crawler.Strategy) {
	r.emit(Event{Kind: KindStageStart, Stage: stage, Strategy: strategy})
}

// StageDone reports a stage leaving execution with its counters.
func (r *Reporter) StageDone(stage crawler.Stage, strategy crawler.Strategy, counters crawler.StageCounters, halt string) {
	r.emit(Event{Kind: KindStageDone, Stage: stage, Strategy: strategy, Counters: counters, Note: halt})
}

// FetchDone reports one completed fetch. statusCode is 0 when the fetch failed
// without a response.
func (r *Reporter) FetchDone(stage crawler.Stage, strategy crawler.Strategy, url string, statusCode int, bytes int, dur time.Duration) {
	r.emit(Event{
		Kind:        KindFetchDone,
		Stage:       stage,
		Strategy:    strategy,
		URL:         url,
		StatusClass: ClassifyStatus(statusCode),
		Bytes:       int64(bytes),
		Dur:         dur,
	})
}

// Backoff reports a newly triggered backoff.
func (r *Reporter) Backoff(state crawler.BackoffState) {
	r.emit(Event{Kind: KindBackoff, Stage: state.Stage, URL: state.URL, Note: state.TriggerReason})
}

// Fallback reports a strategy switch.
func (r *Reporter) Fallback(event crawler.FallbackEvent) {
	r.emit(Event{Kind: KindFallback, Stage: event.Stage, Strategy: event.ToStrategy, Note: event.Reason})
}

// RunDone reports the terminal run status.
func (r *Reporter) RunDone(status crawler.RunStatus, dur time.Duration) {
	r.emit(Event{Kind: KindRunDone, Status: status, Dur: dur})
}
