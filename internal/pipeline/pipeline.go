// Package pipeline drives one run through discovery, extraction, image
// acquisition and metadata write, then reconciles outputs and reports.
//
// Every entity a stage touches is checkpointed before and after its attempt,
// so a paused or interrupted run resumes without refetching finished work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/blockdetect"
	"github.com/happidaswork-netizen/d2ilite/internal/clock/system"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/fallback"
	"github.com/happidaswork-netizen/d2ilite/internal/gate"
	"github.com/happidaswork-netizen/d2ilite/internal/governor"
	"github.com/happidaswork-netizen/d2ilite/internal/hash/sha256"
	idgen "github.com/happidaswork-netizen/d2ilite/internal/id/uuid"
	"github.com/happidaswork-netizen/d2ilite/internal/metawriter"
	"github.com/happidaswork-netizen/d2ilite/internal/policy/retry"
	"github.com/happidaswork-netizen/d2ilite/internal/progress"
	"github.com/happidaswork-netizen/d2ilite/internal/records"
	"github.com/happidaswork-netizen/d2ilite/internal/report"
	"github.com/happidaswork-netizen/d2ilite/internal/storage/local"
)

// Options carries the collaborators of a run. Store and Evaluator are
// required; Browser may be nil, which disables fallback.
type Options struct {
	Fast      crawler.Fetcher
	Browser   crawler.Fetcher
	Store     crawler.CheckpointStore
	Evaluator crawler.SelectorEvaluator
	Metadata  crawler.MetadataWriter
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Emitter   progress.Emitter
	Sleeper   governor.Sleeper
	IDs       crawler.IDGenerator
	RunID     uuid.UUID
	Logger    *zap.Logger
}

// Pipeline runs once; construct a new one per invocation.
type Pipeline struct {
	cfg       crawler.RunConfig
	runID     uuid.UUID
	store     crawler.CheckpointStore
	evaluator crawler.SelectorEvaluator
	metadata  crawler.MetadataWriter
	clock     crawler.Clock
	logger    *zap.Logger

	files    *local.FileStore
	records  *records.Set
	gate     *gate.Gate
	detector *blockdetect.Detector
	governor *governor.Governor
	retry    *retry.Policy
	fallback *fallback.Controller
	report   *report.Builder
	progress *progress.Reporter
	domains  *crawler.DomainMatcher

	// fastFailures holds entities whose last attempt this run failed on the
	// fast strategy; a browser fallback pass may retry them past the ceiling.
	fastFailures sync.Map

	namedMu sync.Mutex
	runOnce sync.Once
}

// New validates cfg and wires the run. It returns a *crawler.FatalConfigError
// for a malformed configuration before touching the checkpoint store.
func New(cfg crawler.RunConfig, opts Options) (*Pipeline, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Evaluator == nil {
		return nil, errors.New("pipeline requires a checkpoint store and a selector evaluator")
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Hasher == nil {
		opts.Hasher = sha256.New()
	}
	if opts.Metadata == nil {
		opts.Metadata = metawriter.Disabled{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RunID == uuid.Nil {
		if opts.IDs == nil {
			opts.IDs = idgen.New()
		}
		id, err := opts.IDs.NewRunID()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		opts.RunID = id
	}
	logger := opts.Logger.With(zap.String("run_id", opts.RunID.String()), zap.String("site", cfg.SiteName))

	files, err := local.New(local.Config{BaseDir: cfg.OutputRoot})
	if err != nil {
		return nil, fmt.Errorf("open output root: %w", err)
	}
	set, err := records.OpenSet(cfg.OutputRoot)
	if err != nil {
		return nil, err
	}

	detector := blockdetect.New(blockdetect.Config{
		Threshold:        cfg.SuspectBlockThreshold,
		BlockedStatuses:  cfg.BlockedStatuses,
		ChallengeMarkers: cfg.ChallengeMarkers,
		Policy: blockdetect.Policy{
			Kind: cfg.BackoffPolicy,
			Base: cfg.BackoffBase,
			Max:  cfg.BackoffMax,
		},
	}, opts.Clock, opts.Store, logger.Named("blockdetect"))

	govOpts := []governor.Option{governor.WithLogger(logger.Named("governor"))}
	if opts.Sleeper != nil {
		govOpts = append(govOpts, governor.WithSleeper(opts.Sleeper))
	}
	gov := governor.New(governor.Config{
		IntervalMin:       cfg.IntervalMin,
		IntervalMax:       cfg.IntervalMax,
		Concurrency:       cfg.Concurrency,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, detector, opts.Clock, govOpts...)

	p := &Pipeline{
		cfg:       cfg,
		runID:     opts.RunID,
		store:     opts.Store,
		evaluator: opts.Evaluator,
		metadata:  opts.Metadata,
		clock:     opts.Clock,
		logger:    logger,
		files:     files,
		records:   set,
		gate: gate.New(gate.Config{
			RequiredFields: cfg.RequiredFields,
			MaxImageBytes:  cfg.MaxImageBytes,
		}, opts.Hasher, opts.Store, files, logger.Named("gate")),
		detector: detector,
		governor: gov,
		retry: retry.New(retry.Config{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		}),
		progress: progress.NewReporter(opts.Emitter, opts.RunID, opts.Clock),
		domains:  crawler.NewDomainMatcher(cfg.AllowedDomains),
	}

	ctrl, err := fallback.New(fallback.Config{
		Initial: cfg.Strategy,
		Enabled: cfg.FallbackEnabled,
	}, opts.Fast, opts.Browser, detector, opts.Clock,
		fallback.WithLogger(logger.Named("fallback")),
		fallback.WithObserver(p.onFallback),
	)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	p.fallback = ctrl
	p.report = report.NewBuilder(opts.RunID.String(), cfg.SiteName, ctrl.Strategy(), opts.Clock)
	return p, nil
}

// RunID returns the identifier stamped on the report and progress events.
func (p *Pipeline) RunID() uuid.UUID {
	return p.runID
}

// Snapshot returns the report as it stands, for status endpoints.
func (p *Pipeline) Snapshot() crawler.RunReport {
	return p.report.Snapshot()
}

// Backoff returns the current backoff state.
func (p *Pipeline) Backoff() crawler.BackoffState {
	return p.detector.State()
}

func (p *Pipeline) onFallback(event crawler.FallbackEvent) {
	p.report.AddFallback(event)
	p.progress.Fallback(event)
}

// Run executes the stages in order and always ends by writing the run report.
// Cancelling ctx pauses the run at the next entity boundary. The returned
// error is set only when the report itself could not be persisted.
func (p *Pipeline) Run(ctx context.Context) (crawler.RunReport, error) {
	ran := false
	p.runOnce.Do(func() { ran = true })
	if !ran {
		return p.report.Snapshot(), errors.New("pipeline already ran")
	}

	started := p.clock.Now()
	p.logger.Info("run started",
		zap.String("strategy", string(p.fallback.Strategy())),
		zap.Strings("seeds", p.cfg.Seeds),
		zap.String("output_mode", p.cfg.OutputMode),
	)
	p.progress.RunStart(p.fallback.Strategy())

	var final report.Final
	halted, err := p.checkBackoff(ctx)
	switch {
	case err != nil:
		final = report.Final{Status: crawler.RunStatusAborted, State: crawler.StateAborted, Reason: err.Error()}
	case halted:
		final = report.Final{Status: crawler.RunStatusPaused, State: crawler.StateDiscovery, Reason: string(fallback.HaltBackoff)}
	default:
		final = p.runStages(ctx)
	}
	return p.finish(ctx, final, started)
}

// checkBackoff restores the persisted backoff. It reports true when fetching
// is still halted; an expired backoff is cleared.
func (p *Pipeline) checkBackoff(ctx context.Context) (bool, error) {
	state, err := p.store.LoadBackoff(ctx)
	if err != nil {
		return false, fmt.Errorf("load backoff state: %w", err)
	}
	p.detector.Restore(state)
	p.report.SetBackoff(state, false)
	if !state.Active {
		return false, nil
	}
	if state.ActiveAt(p.clock.Now()) {
		p.logger.Warn("backoff still active, not fetching",
			zap.String("reason", state.TriggerReason),
			zap.Time("retry_after", state.RetryAfter),
		)
		return true, nil
	}
	if err := p.detector.Clear(ctx); err != nil {
		return false, err
	}
	p.logger.Info("expired backoff cleared", zap.String("reason", state.TriggerReason))
	p.report.SetBackoff(p.detector.State(), false)
	return false, nil
}

func (p *Pipeline) runStages(ctx context.Context) report.Final {
	for _, stage := range crawler.Stages {
		if ctx.Err() != nil {
			return report.Final{Status: crawler.RunStatusPaused, State: crawler.StateFor(stage), Reason: haltFromContext(ctx)}
		}
		p.report.StartStage(stage)
		p.progress.StageStart(stage, p.fallback.Strategy())
		p.logger.Info("stage started", zap.String("stage", string(stage)), zap.String("strategy", string(p.fallback.Strategy())))

		stageCtx, cancel := p.stageContext(ctx)
		outcome, err := p.runStage(stageCtx, stage)
		if err == nil && outcome.Halt == fallback.HaltNone && stageCtx.Err() != nil {
			outcome.Halt = fallback.Halt(haltFromContext(stageCtx))
		}
		cancel()

		counters := p.report.Counters(stage)
		p.progress.StageDone(stage, outcome.Strategy, counters, string(outcome.Halt))
		p.logger.Info("stage finished",
			zap.String("stage", string(stage)),
			zap.String("halt", string(outcome.Halt)),
			zap.Int("attempted", counters.Attempted),
			zap.Int("succeeded", counters.Succeeded),
			zap.Int("failed", counters.Failed),
			zap.Error(err),
		)

		if err != nil {
			if ctx.Err() != nil {
				return report.Final{Status: crawler.RunStatusPaused, State: crawler.StateFor(stage), Reason: haltFromContext(ctx)}
			}
			return report.Final{Status: crawler.RunStatusAborted, State: crawler.StateAborted, Reason: err.Error()}
		}
		if outcome.Halt != fallback.HaltNone {
			return report.Final{Status: crawler.RunStatusPaused, State: crawler.StateFor(stage), Reason: string(outcome.Halt)}
		}
	}
	return report.Final{Status: crawler.RunStatusFinished, State: crawler.StateReport}
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(ctx, p.cfg.StageTimeout, crawler.ErrStageTimeout)
}

// runStage runs one stage. WRITE fetches nothing, so it bypasses the strategy
// controller and a fault there never records a fallback.
func (p *Pipeline) runStage(ctx context.Context, stage crawler.Stage) (fallback.StageOutcome, error) {
	switch stage {
	case crawler.StageDiscovery:
		return p.fallback.Run(ctx, stage, p.discover)
	case crawler.StageExtraction:
		return p.fallback.Run(ctx, stage, p.extract)
	case crawler.StageAcquisition:
		return p.fallback.Run(ctx, stage, p.acquire)
	default:
		return p.write(ctx, p.fallback.Strategy())
	}
}

// haltFromContext names why ctx ended.
func haltFromContext(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), crawler.ErrStageTimeout) {
		return string(fallback.HaltTimeout)
	}
	return string(fallback.HaltPaused)
}

// finish reconciles outputs, applies the cleanup rules and persists the
// report. It runs on a context detached from cancellation.
func (p *Pipeline) finish(ctx context.Context, final report.Final, started time.Time) (crawler.RunReport, error) {
	ctx = context.WithoutCancel(ctx)
	final.Backoff = p.detector.State()

	reconcile, err := p.records.Reconcile()
	if err != nil {
		p.logger.Error("reconcile outputs failed", zap.Error(err))
	}
	final.Reconcile = reconcile

	var delivery []DeliveryItem
	if p.cfg.OutputMode != crawler.OutputModeImagesOnly {
		delivery, err = p.deliveryItems(ctx)
		if err != nil {
			p.logger.Error("collect delivery items failed", zap.Error(err))
		}
	}
	if err := p.records.Close(); err != nil {
		p.logger.Error("close record files failed", zap.Error(err))
	}
	final.Cleanup = p.cleanup(ctx, final)

	rep := p.report.Finalize(final)
	var errs []error
	if err := report.Write(p.records.Layout.Path(records.RunReportFile), rep); err != nil {
		errs = append(errs, err)
	}
	if p.cfg.OutputMode != crawler.OutputModeImagesOnly {
		if err := p.writeDeliveryRecord(rep, delivery); err != nil {
			errs = append(errs, err)
		}
	}
	p.progress.RunDone(rep.Status, p.clock.Now().Sub(started))
	p.logger.Info("run finished",
		zap.String("status", string(rep.Status)),
		zap.String("final_state", string(rep.FinalState)),
		zap.String("reason", rep.StatusReason),
		zap.Bool("fallback_used", rep.FallbackUsed),
		zap.Int("backoff_events", rep.BackoffEvents),
	)
	return rep, errors.Join(errs...)
}
