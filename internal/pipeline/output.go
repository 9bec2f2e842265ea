package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/records"
	"github.com/happidaswork-netizen/d2ilite/internal/report"
)

// DeliveryRecord is the crawl_record.json kept next to the named images.
type DeliveryRecord struct {
	RunID     string            `json:"run_id"`
	SiteName  string            `json:"site_name,omitempty"`
	Status    crawler.RunStatus `json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
	NamedDir  string            `json:"named_dir"`
	Images    []DeliveryItem    `json:"images"`
}

// DeliveryItem describes one delivered image.
type DeliveryItem struct {
	Name        string `json:"name"`
	File        string `json:"file"`
	DetailURL   string `json:"detail_url"`
	ImageURL    string `json:"image_url"`
	ContentHash string `json:"content_hash,omitempty"`
}

// deliveryItems lists every deliverable that has a named copy.
func (p *Pipeline) deliveryItems(ctx context.Context) ([]DeliveryItem, error) {
	items, err := p.deliverables()
	if err != nil {
		return nil, err
	}
	var out []DeliveryItem
	for _, item := range items {
		var named string
		found, err := checkpoint.LoadPosition(ctx, p.store, namedKeyPrefix+item.profile.DetailURL, &named)
		if err != nil {
			return out, err
		}
		if !found || !p.files.Exists(named) {
			continue
		}
		out = append(out, DeliveryItem{
			Name:        item.profile.Name,
			File:        named,
			DetailURL:   item.profile.DetailURL,
			ImageURL:    item.profile.ImageURL,
			ContentHash: item.image.ContentHash,
		})
	}
	return out, nil
}

// writeDeliveryRecord merges items into any existing crawl_record.json by
// detail URL and rewrites it atomically.
func (p *Pipeline) writeDeliveryRecord(rep crawler.RunReport, items []DeliveryItem) error {
	target := p.records.Layout.Path(records.DeliveryRecordFile)
	merged := make(map[string]DeliveryItem)
	if existing, err := ReadDeliveryRecord(target); err == nil {
		for _, item := range existing.Images {
			merged[item.DetailURL] = item
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("existing delivery record unreadable, rewriting", zap.Error(err))
	}
	for _, item := range items {
		merged[item.DetailURL] = item
	}
	record := DeliveryRecord{
		RunID:     rep.RunID,
		SiteName:  rep.SiteName,
		Status:    rep.Status,
		UpdatedAt: rep.FinishedAt,
		NamedDir:  p.cfg.NamedDir,
		Images:    make([]DeliveryItem, 0, len(merged)),
	}
	for _, item := range merged {
		record.Images = append(record.Images, item)
	}
	sort.Slice(record.Images, func(i, j int) bool {
		return record.Images[i].File < record.Images[j].File
	})

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal delivery record: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write delivery record: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename delivery record: %w", err)
	}
	return nil
}

// ReadDeliveryRecord loads a crawl_record.json.
func ReadDeliveryRecord(file string) (DeliveryRecord, error) {
	var out DeliveryRecord
	raw, err := os.ReadFile(file)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode delivery record: %w", err)
	}
	return out, nil
}

// cleanup removes intermediates for the images-only modes. It never touches
// the named directory, checkpoint state or reports, and skips entirely unless
// the run finished with nothing left to retry or review.
func (p *Pipeline) cleanup(ctx context.Context, final report.Final) *crawler.CleanupResult {
	res := &crawler.CleanupResult{Mode: p.cfg.OutputMode}
	if p.cfg.OutputMode == crawler.OutputModeFull {
		res.Skipped = "output mode keeps intermediates"
		return res
	}
	if final.Status != crawler.RunStatusFinished {
		res.Skipped = "run " + string(final.Status)
		return res
	}
	unresolved, err := p.unresolved(ctx)
	if err != nil {
		res.Skipped = "checkpoint unreadable: " + err.Error()
		return res
	}
	if unresolved > 0 {
		res.Skipped = fmt.Sprintf("%d unresolved entities", unresolved)
		return res
	}
	if final.Reconcile.ReviewQueue > 0 {
		res.Skipped = "review queue not empty"
		return res
	}

	targets := []string{records.RawDir, records.ImagesDir, records.ImageRecordsFile}
	targets = append(targets, p.cfg.CleanupPaths...)
	for _, target := range targets {
		rel, ok := p.cleanupTarget(target)
		if !ok {
			p.logger.Warn("cleanup path refused", zap.String("path", target))
			continue
		}
		full, err := p.files.Resolve(rel)
		if err != nil {
			continue
		}
		if _, err := os.Stat(full); err != nil {
			continue
		}
		if err := p.files.RemoveAll(rel); err != nil {
			p.logger.Error("cleanup failed", zap.String("path", rel), zap.Error(err))
			continue
		}
		res.Removed = append(res.Removed, rel)
	}
	res.Cleaned = true
	p.logger.Info("intermediates removed", zap.Strings("paths", res.Removed))
	return res
}

// cleanupTarget normalizes rel and rejects protected paths.
func (p *Pipeline) cleanupTarget(rel string) (string, bool) {
	rel = path.Clean(filepath.ToSlash(strings.TrimSpace(rel)))
	if rel == "." || rel == "" || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	protected := []string{records.StateDir, records.ReportsDir, path.Clean(p.cfg.NamedDir), records.DeliveryRecordFile}
	for _, keep := range protected {
		if rel == keep || strings.HasPrefix(rel, keep+"/") || strings.HasPrefix(keep, rel+"/") {
			return "", false
		}
	}
	return rel, true
}

// unresolved counts entities whose last attempt failed or hit a backoff.
func (p *Pipeline) unresolved(ctx context.Context) (int, error) {
	total := 0
	for _, stage := range crawler.Stages {
		entries, err := p.store.List(ctx, stage)
		if err != nil {
			return 0, err
		}
		for _, entry := range entries {
			if entry.Status == crawler.CheckpointFailed || entry.Status == crawler.CheckpointBackoff {
				total++
			}
		}
	}
	return total, nil
}
