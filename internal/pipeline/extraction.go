package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/fallback"
	"github.com/happidaswork-netizen/d2ilite/internal/report"
)

const reviewReasonMissing = "missing_required_fields"

// extract fetches every discovered detail page and validates its profile.
func (p *Pipeline) extract(ctx context.Context, fetcher crawler.Fetcher, strategy crawler.Strategy) (fallback.StageOutcome, error) {
	discoveries, err := p.records.Discoveries()
	if err != nil {
		return fallback.StageOutcome{}, err
	}
	byURL := make(map[string]crawler.DiscoveryRecord, len(discoveries))
	ids := make([]string, 0, len(discoveries))
	for _, rec := range discoveries {
		byURL[rec.DetailURL] = rec
		ids = append(ids, rec.DetailURL)
	}

	outcome, err := p.forEach(ctx, crawler.StageExtraction, ids, func(ctx context.Context, detailURL string) error {
		rec := byURL[detailURL]
		w := work{stage: crawler.StageExtraction, id: detailURL, fetcher: fetcher, strategy: strategy}
		req := crawler.FetchRequest{URL: detailURL, Referer: rec.SourceURL}
		return p.fetchEntity(ctx, w, req, func(_ context.Context, resp crawler.FetchResponse, _ int) (report.Outcome, error) {
			return p.handleDetailPage(rec, resp)
		})
	})
	outcome.Strategy = strategy
	return outcome, err
}

// handleDetailPage builds the profile, appends it, and routes an incomplete
// one to the review queue.
func (p *Pipeline) handleDetailPage(rec crawler.DiscoveryRecord, resp crawler.FetchResponse) (report.Outcome, error) {
	page, err := p.evaluator.Detail(resp, p.cfg.Selectors)
	if err != nil {
		return report.OutcomeFailed, fmt.Errorf("evaluate detail page: %w", err)
	}

	fields := make(map[string]string, len(rec.ListFields)+len(page.Fields))
	for k, v := range rec.ListFields {
		fields[k] = v
	}
	for k, v := range page.Fields {
		fields[k] = v
	}
	name := fields["name"]
	delete(fields, "name")

	profile, verr := p.gate.Validate(crawler.ProfileRecord{
		DetailURL:        rec.DetailURL,
		SourceURL:        rec.SourceURL,
		Name:             name,
		ImageURL:         page.ImageURL,
		FullText:         page.FullText,
		StructuredFields: fields,
		ExtractedAt:      p.clock.Now(),
	})
	if err := p.records.AppendProfile(profile); err != nil {
		return report.OutcomeFailed, err
	}

	var validation *crawler.ValidationError
	if !errors.As(verr, &validation) {
		return report.OutcomeSucceeded, nil
	}
	if err := p.records.AppendReview(crawler.ReviewEntry{
		DetailURL:     profile.DetailURL,
		SourceURL:     profile.SourceURL,
		Name:          profile.Name,
		MissingFields: validation.Missing(),
		Reason:        reviewReasonMissing,
		QueuedAt:      p.clock.Now(),
	}); err != nil {
		return report.OutcomeFailed, err
	}
	return report.OutcomeReview, nil
}
