package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/happidaswork-netizen/d2ilite/internal/blockdetect"
	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/fallback"
	"github.com/happidaswork-netizen/d2ilite/internal/report"
)

// work identifies one entity attempt.
type work struct {
	stage    crawler.Stage
	id       string
	fetcher  crawler.Fetcher
	strategy crawler.Strategy
}

// softError marks a failure that is recorded against the entity without
// faulting the stage.
type softError struct {
	err error
}

func (e *softError) Error() string { return e.err.Error() }

func (e *softError) Unwrap() error { return e.err }

type (
	entityFunc  func(ctx context.Context, id string) error
	fetchedFunc func(ctx context.Context, resp crawler.FetchResponse, attempt int) (report.Outcome, error)
	localFunc   func(ctx context.Context, attempt int) (report.Outcome, error)
)

// forEach runs fn for every id the checkpoint says still needs work, at most
// governor.Concurrency() at a time. Dispatch stops at the first backoff,
// cancellation or stage fault.
func (p *Pipeline) forEach(ctx context.Context, stage crawler.Stage, ids []string, fn entityFunc) (fallback.StageOutcome, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.governor.Concurrency())

	var backoff atomic.Bool
	var dispatchErr error
	for _, id := range ids {
		if gctx.Err() != nil || backoff.Load() {
			break
		}
		if p.governor.BackoffActive() {
			backoff.Store(true)
			break
		}
		skip, err := p.skip(gctx, stage, id)
		if err != nil {
			dispatchErr = err
			break
		}
		if skip {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil || backoff.Load() {
				return nil
			}
			err := fn(gctx, id)
			var fault *crawler.StageFaultError
			switch {
			case err == nil:
				return nil
			case errors.Is(err, crawler.ErrBackoffActive):
				backoff.Store(true)
				return nil
			case errors.As(err, &fault):
				return err
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fallback.StageOutcome{}, err
	}
	if dispatchErr != nil {
		return fallback.StageOutcome{}, dispatchErr
	}
	if backoff.Load() || p.governor.BackoffActive() {
		return fallback.StageOutcome{Halt: fallback.HaltBackoff}, nil
	}
	if ctx.Err() != nil {
		return fallback.StageOutcome{Halt: fallback.Halt(haltFromContext(ctx))}, nil
	}
	return fallback.StageOutcome{}, nil
}

// skip applies the resume rules and counts skipped entities.
func (p *Pipeline) skip(ctx context.Context, stage crawler.Stage, id string) (bool, error) {
	entry, found, err := p.store.Get(ctx, stage, id)
	if err != nil {
		return false, fmt.Errorf("read checkpoint %s/%s: %w", stage, id, err)
	}
	switch checkpoint.ShouldProcess(entry, found, p.cfg.MaxAttempts) {
	case checkpoint.SkipDone:
		p.report.Outcome(stage, id, report.OutcomeSkippedDone)
		return true, nil
	case checkpoint.SkipExhausted:
		if p.fallbackRetry(stage, id) {
			return false, nil
		}
		p.logger.Debug("attempt ceiling reached",
			zap.String("stage", string(stage)),
			zap.String("entity", id),
			zap.Int("attempts", entry.Attempts),
		)
		p.report.Outcome(stage, id, report.OutcomeExhausted)
		return true, nil
	default:
		return false, nil
	}
}

// fallbackRetry reports whether an exhausted entity gets one more attempt
// because it failed on the fast strategy earlier in this run and the run has
// since switched to the browser.
func (p *Pipeline) fallbackRetry(stage crawler.Stage, id string) bool {
	if p.fallback.Strategy() != crawler.StrategyBrowser {
		return false
	}
	_, ok := p.fastFailures.Load(failureKey{stage: stage, id: id})
	return ok
}

// failureKey identifies an entity in the fast-failure set.
type failureKey struct {
	stage crawler.Stage
	id    string
}

// fetchEntity paces, checkpoints and fetches one entity, then hands a
// successful response to handle. A transient fetch failure is retried in
// place until the attempt ceiling, after the retry policy's backoff. Once an
// attempt is recorded it runs to completion even if ctx is cancelled.
func (p *Pipeline) fetchEntity(ctx context.Context, w work, req crawler.FetchRequest, handle fetchedFunc) error {
	for {
		if err := p.governor.Wait(ctx, w.stage, req.URL); err != nil {
			return err
		}
		wctx := context.WithoutCancel(ctx)
		entry, err := checkpoint.BeginAttempt(wctx, p.store, w.stage, w.id, p.clock.Now())
		if err != nil {
			return fmt.Errorf("begin attempt %s/%s: %w", w.stage, w.id, err)
		}
		p.report.Attempt(w.stage)

		resp, err := p.fetch(wctx, w, req)
		if err != nil && ctx.Err() == nil && p.retry.ShouldRetry(err, entry.Attempts) {
			if serr := p.settle(wctx, w, req.URL, entry.Attempts, resp.StatusCode, report.OutcomeFailed, err); serr != nil {
				return serr
			}
			delay := p.retry.Backoff(entry.Attempts)
			p.logger.Info("retrying entity",
				zap.String("stage", string(w.stage)),
				zap.String("entity", w.id),
				zap.Int("attempt", entry.Attempts),
				zap.Duration("delay", delay),
			)
			if err := p.governor.Pause(ctx, delay); err != nil {
				return err
			}
			continue
		}
		outcome := report.OutcomeFailed
		if err == nil {
			outcome, err = handle(wctx, resp, entry.Attempts)
		}
		return p.settle(wctx, w, req.URL, entry.Attempts, resp.StatusCode, outcome, err)
	}
}

// localEntity checkpoints work that needs no fetch.
func (p *Pipeline) localEntity(ctx context.Context, w work, url string, handle localFunc) error {
	wctx := context.WithoutCancel(ctx)
	entry, err := checkpoint.BeginAttempt(wctx, p.store, w.stage, w.id, p.clock.Now())
	if err != nil {
		return fmt.Errorf("begin attempt %s/%s: %w", w.stage, w.id, err)
	}
	p.report.Attempt(w.stage)
	outcome, err := handle(wctx, entry.Attempts)
	return p.settle(wctx, w, url, entry.Attempts, 0, outcome, err)
}

// fetch performs the request and feeds the outcome to the block detector.
// Error statuses come back as errors: *crawler.BlockedError when the detector
// classified the outcome as blocked, *crawler.TransientFetchError otherwise.
func (p *Pipeline) fetch(ctx context.Context, w work, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	req.Stage = w.stage
	fctx := ctx
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}
	resp, err := w.fetcher.Fetch(fctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && crawler.ErrorKind(err) != "transient" {
		err = &crawler.TransientFetchError{URL: req.URL, Err: err}
	}

	verdict := p.governor.RecordOutcome(ctx, blockdetect.Observation{
		Stage:       w.stage,
		URL:         req.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType(),
		Body:        resp.Body,
		Err:         err,
	})
	p.progress.FetchDone(w.stage, w.strategy, req.URL, resp.StatusCode, len(resp.Body), resp.Duration)
	if verdict.Triggered {
		p.report.SetBackoff(verdict.State, true)
		p.progress.Backoff(verdict.State)
	}

	switch {
	case verdict.Blocked:
		return resp, &crawler.BlockedError{
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Reason:     verdict.Reason,
			RetryAfter: verdict.State.RetryAfter,
		}
	case err != nil:
		return resp, err
	case resp.StatusCode >= 400:
		return resp, &crawler.TransientFetchError{URL: req.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// settle records the attempt's terminal checkpoint status and outcome. It
// returns crawler.ErrBackoffActive for a blocked entity and a
// *crawler.StageFaultError for an unclassified failure; recorded failures
// return nil so the stage continues.
func (p *Pipeline) settle(ctx context.Context, w work, url string, attempt, statusCode int, outcome report.Outcome, err error) error {
	key := failureKey{stage: w.stage, id: w.id}
	if err == nil {
		p.fastFailures.Delete(key)
		if _, ferr := checkpoint.Finish(ctx, p.store, w.stage, w.id, crawler.CheckpointDone, nil); ferr != nil {
			return fmt.Errorf("finish %s/%s: %w", w.stage, w.id, ferr)
		}
		p.report.Outcome(w.stage, w.id, outcome)
		return nil
	}

	var (
		blocked   *crawler.BlockedError
		transient *crawler.TransientFetchError
		payload   *crawler.PayloadError
		soft      *softError
	)
	status := crawler.CheckpointFailed
	var ret error
	switch {
	case errors.As(err, &blocked):
		status = crawler.CheckpointBackoff
		ret = fmt.Errorf("%w: %s", crawler.ErrBackoffActive, blocked.Reason)
	case errors.As(err, &transient), errors.As(err, &payload), errors.As(err, &soft):
	default:
		ret = &crawler.StageFaultError{Stage: w.stage, EntityID: w.id, Err: err}
	}

	if status == crawler.CheckpointFailed && w.strategy == crawler.StrategyFast {
		p.fastFailures.Store(key, struct{}{})
	} else {
		p.fastFailures.Delete(key)
	}
	if _, ferr := checkpoint.Finish(ctx, p.store, w.stage, w.id, status, err); ferr != nil {
		return fmt.Errorf("finish %s/%s: %w", w.stage, w.id, ferr)
	}
	p.report.Outcome(w.stage, w.id, report.OutcomeFailed)
	p.recordFailure(w, url, attempt, statusCode, err)
	return ret
}

func (p *Pipeline) recordFailure(w work, url string, attempt, statusCode int, err error) {
	kind := crawler.ErrorKind(err)
	p.logger.Warn("entity failed",
		zap.String("stage", string(w.stage)),
		zap.String("entity", w.id),
		zap.String("url", url),
		zap.String("kind", kind),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	rec := crawler.FailureRecord{
		Stage:      w.stage,
		EntityID:   w.id,
		URL:        url,
		Reason:     err.Error(),
		Kind:       kind,
		StatusCode: statusCode,
		Attempt:    attempt,
		Strategy:   w.strategy,
		At:         p.clock.Now(),
	}
	if aerr := p.records.AppendFailure(rec); aerr != nil {
		p.logger.Error("append failure record failed", zap.Error(aerr))
	}
}
