package pipeline

import (
	"context"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/fallback"
	"github.com/happidaswork-netizen/d2ilite/internal/gate"
	"github.com/happidaswork-netizen/d2ilite/internal/report"
)

// acquire downloads the image of every complete profile into the
// content-addressed store.
func (p *Pipeline) acquire(ctx context.Context, fetcher crawler.Fetcher, strategy crawler.Strategy) (fallback.StageOutcome, error) {
	profiles, err := p.records.Profiles()
	if err != nil {
		return fallback.StageOutcome{}, err
	}
	byURL := make(map[string]crawler.ProfileRecord, len(profiles))
	var ids []string
	for _, prof := range profiles {
		if !prof.Complete() {
			continue
		}
		byURL[prof.DetailURL] = prof
		ids = append(ids, prof.DetailURL)
	}

	outcome, err := p.forEach(ctx, crawler.StageAcquisition, ids, func(ctx context.Context, detailURL string) error {
		prof := byURL[detailURL]
		w := work{stage: crawler.StageAcquisition, id: detailURL, fetcher: fetcher, strategy: strategy}

		known, ok, err := p.gate.Known(ctx, prof.ImageURL)
		if err != nil {
			return err
		}
		if ok {
			return p.localEntity(ctx, w, prof.ImageURL, func(_ context.Context, attempt int) (report.Outcome, error) {
				return report.OutcomeSkippedDuplicate, p.records.AppendImage(p.imageRecord(prof, known, crawler.DownloadLinked, attempt, ""))
			})
		}

		req := crawler.FetchRequest{URL: prof.ImageURL, Referer: prof.DetailURL}
		return p.fetchEntity(ctx, w, req, func(ctx context.Context, resp crawler.FetchResponse, attempt int) (report.Outcome, error) {
			return p.storeImage(ctx, prof, resp, attempt, strategy)
		})
	})
	outcome.Strategy = strategy
	return outcome, err
}

func (p *Pipeline) storeImage(ctx context.Context, prof crawler.ProfileRecord, resp crawler.FetchResponse, attempt int, strategy crawler.Strategy) (report.Outcome, error) {
	contentType := resp.ContentType()
	ext, err := gate.CheckPayload(prof.ImageURL, contentType, resp.Body, p.cfg.MaxImageBytes)
	if err != nil {
		rec := crawler.ImageRecord{
			ImageURL:       prof.ImageURL,
			DetailURL:      prof.DetailURL,
			ContentType:    contentType,
			Bytes:          int64(len(resp.Body)),
			DownloadStatus: crawler.DownloadRejected,
			AttemptCount:   attempt,
			Strategy:       strategy,
			RecordedAt:     p.clock.Now(),
		}
		if aerr := p.records.AppendImage(rec); aerr != nil {
			return report.OutcomeFailed, aerr
		}
		return report.OutcomeFailed, err
	}

	placement, err := p.gate.Place(ctx, prof.ImageURL, resp.Body, ext)
	if err != nil {
		return report.OutcomeFailed, err
	}
	status, outcome := crawler.DownloadStored, report.OutcomeSucceeded
	if placement.Duplicate {
		status, outcome = crawler.DownloadLinked, report.OutcomeSkippedDuplicate
	}
	rec := p.imageRecord(prof, placement, status, attempt, strategy)
	rec.ContentType = contentType
	rec.Bytes = int64(len(resp.Body))
	if err := p.records.AppendImage(rec); err != nil {
		return report.OutcomeFailed, err
	}
	return outcome, nil
}

func (p *Pipeline) imageRecord(prof crawler.ProfileRecord, placement gate.Placement, status crawler.DownloadStatus, attempt int, strategy crawler.Strategy) crawler.ImageRecord {
	return crawler.ImageRecord{
		ImageURL:       prof.ImageURL,
		DetailURL:      prof.DetailURL,
		ContentHash:    placement.Hash,
		LocalPath:      placement.RelPath,
		DownloadStatus: status,
		AttemptCount:   attempt,
		Strategy:       strategy,
		RecordedAt:     p.clock.Now(),
	}
}
