package pipeline

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/fallback"
	"github.com/happidaswork-netizen/d2ilite/internal/report"
)

const (
	namedKeyPrefix   = "named:"
	unnamedFallback  = "unnamed"
	maxNameSuffixTry = 10000
)

// deliverable pairs a complete profile with its stored image.
type deliverable struct {
	profile crawler.ProfileRecord
	image   crawler.ImageRecord
}

// deliverables lists complete profiles whose image was stored or linked.
func (p *Pipeline) deliverables() ([]deliverable, error) {
	profiles, err := p.records.Profiles()
	if err != nil {
		return nil, err
	}
	images, err := p.records.Images()
	if err != nil {
		return nil, err
	}
	byURL := make(map[string]crawler.ImageRecord, len(images))
	for _, img := range images {
		if img.DownloadStatus == crawler.DownloadStored || img.DownloadStatus == crawler.DownloadLinked {
			byURL[img.ImageURL] = img
		}
	}
	var out []deliverable
	for _, prof := range profiles {
		if !prof.Complete() {
			continue
		}
		img, ok := byURL[prof.ImageURL]
		if !ok {
			continue
		}
		out = append(out, deliverable{profile: prof, image: img})
	}
	return out, nil
}

// write copies each stored image to its human-readable name and attaches
// metadata. It fetches nothing; failures are recorded per entity.
func (p *Pipeline) write(ctx context.Context, strategy crawler.Strategy) (fallback.StageOutcome, error) {
	items, err := p.deliverables()
	if err != nil {
		return fallback.StageOutcome{}, err
	}
	byURL := make(map[string]deliverable, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		byURL[item.profile.DetailURL] = item
		ids = append(ids, item.profile.DetailURL)
	}
	outcome, err := p.forEach(ctx, crawler.StageWrite, ids, func(ctx context.Context, detailURL string) error {
		item := byURL[detailURL]
		w := work{stage: crawler.StageWrite, id: detailURL}
		return p.localEntity(ctx, w, item.profile.ImageURL, func(ctx context.Context, _ int) (report.Outcome, error) {
			return p.deliver(ctx, item)
		})
	})
	outcome.Strategy = strategy
	return outcome, err
}

func (p *Pipeline) deliver(ctx context.Context, item deliverable) (report.Outcome, error) {
	named, err := p.namedCopy(ctx, item)
	if err != nil {
		return report.OutcomeFailed, &softError{err: fmt.Errorf("named copy: %w", err)}
	}
	result := crawler.MetadataResult{
		DetailURL:  item.profile.DetailURL,
		ImagePath:  item.image.LocalPath,
		NamedPath:  named,
		RecordedAt: p.clock.Now(),
	}
	if !p.cfg.MetadataEnabled {
		result.Success = true
		result.Skipped = true
		return report.OutcomeSucceeded, p.records.AppendMetadataResult(result)
	}

	full, err := p.files.Resolve(named)
	if err == nil {
		err = p.metadata.Write(ctx, full, metadataFields(item))
	}
	result.Success = err == nil
	if err != nil {
		result.Error = err.Error()
	}
	if aerr := p.records.AppendMetadataResult(result); aerr != nil {
		return report.OutcomeFailed, aerr
	}
	if err != nil {
		return report.OutcomeFailed, &softError{err: fmt.Errorf("write metadata: %w", err)}
	}
	return report.OutcomeSucceeded, nil
}

// namedCopy places the image under NamedDir as <name><ext>, adding _2, _3 ...
// on collision. The chosen name is persisted so a rerun reuses it.
func (p *Pipeline) namedCopy(ctx context.Context, item deliverable) (string, error) {
	key := namedKeyPrefix + item.profile.DetailURL
	var rel string
	found, err := checkpoint.LoadPosition(ctx, p.store, key, &rel)
	if err != nil {
		return "", err
	}
	if found && p.files.Exists(rel) {
		return rel, nil
	}

	p.namedMu.Lock()
	defer p.namedMu.Unlock()
	ext := path.Ext(item.image.LocalPath)
	base := crawler.SanitizeFilename(item.profile.Name, unnamedFallback)
	for i := 1; i <= maxNameSuffixTry; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		candidate := path.Join(p.cfg.NamedDir, name+ext)
		if p.files.Exists(candidate) {
			continue
		}
		if _, err := p.files.Copy(ctx, item.image.LocalPath, candidate); err != nil {
			return "", err
		}
		if err := checkpoint.SavePosition(ctx, p.store, key, candidate); err != nil {
			return "", err
		}
		p.logger.Debug("named copy written",
			zap.String("detail_url", item.profile.DetailURL),
			zap.String("path", candidate),
		)
		return candidate, nil
	}
	return "", fmt.Errorf("no free name for %q in %s", base, p.cfg.NamedDir)
}

func metadataFields(item deliverable) map[string]string {
	fields := make(map[string]string, len(item.profile.StructuredFields)+6)
	for k, v := range item.profile.StructuredFields {
		fields[k] = v
	}
	fields["name"] = item.profile.Name
	fields["detail_url"] = item.profile.DetailURL
	fields["image_url"] = item.profile.ImageURL
	fields["content_hash"] = item.image.ContentHash
	if item.profile.SourceURL != "" {
		fields["source_url"] = item.profile.SourceURL
	}
	if item.profile.FullText != "" {
		fields["full_text"] = item.profile.FullText
	}
	return fields
}
