package records

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Layout names every output path relative to the output root.
type Layout struct {
	Root string
}

// Relative paths inside the output root.
const (
	RawDir              = "raw"
	DownloadsDir        = "downloads"
	ImagesDir           = "downloads/images"
	StateDir            = "state"
	CheckpointDir       = "state/checkpoints"
	ReportsDir          = "reports"
	ListRecordsFile     = "raw/list_records.jsonl"
	ProfilesFile        = "raw/profiles.jsonl"
	ReviewQueueFile     = "raw/review_queue.jsonl"
	FailuresFile        = "raw/failures.jsonl"
	MetadataResultsFile = "raw/metadata_write_results.jsonl"
	ImageRecordsFile    = "downloads/image_downloads.jsonl"
	RunReportFile       = "reports/run_report.json"
	DeliveryRecordFile  = "crawl_record.json"
)

// Path joins rel onto the root.
func (l Layout) Path(rel string) string {
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

// Set owns the append-only record files of one run.
type Set struct {
	Layout   Layout
	lists    *Appender
	profiles *Appender
	review   *Appender
	failures *Appender
	metadata *Appender
	images   *Appender
}

// OpenSet opens every record file under root.
func OpenSet(root string) (*Set, error) {
	s := &Set{Layout: Layout{Root: root}}
	targets := []struct {
		dst  **Appender
		file string
	}{
		{&s.lists, ListRecordsFile},
		{&s.profiles, ProfilesFile},
		{&s.review, ReviewQueueFile},
		{&s.failures, FailuresFile},
		{&s.metadata, MetadataResultsFile},
		{&s.images, ImageRecordsFile},
	}
	for _, target := range targets {
		a, err := OpenAppender(s.Layout.Path(target.file))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		*target.dst = a
	}
	return s, nil
}

// AppendDiscovery records a list item.
func (s *Set) AppendDiscovery(rec crawler.DiscoveryRecord) error { return s.lists.Append(rec) }

// AppendProfile records an extracted profile.
func (s *Set) AppendProfile(rec crawler.ProfileRecord) error { return s.profiles.Append(rec) }

// AppendReview queues a profile for manual review.
func (s *Set) AppendReview(rec crawler.ReviewEntry) error { return s.review.Append(rec) }

// AppendFailure logs a failed attempt.
func (s *Set) AppendFailure(rec crawler.FailureRecord) error { return s.failures.Append(rec) }

// AppendMetadataResult logs a metadata writer invocation.
func (s *Set) AppendMetadataResult(rec crawler.MetadataResult) error { return s.metadata.Append(rec) }

// AppendImage records an acquired image.
func (s *Set) AppendImage(rec crawler.ImageRecord) error { return s.images.Append(rec) }

// Discoveries loads every list record; later lines for the same detail URL win.
func (s *Set) Discoveries() ([]crawler.DiscoveryRecord, error) {
	recs, err := ReadAll[crawler.DiscoveryRecord](s.Layout.Path(ListRecordsFile))
	if err != nil {
		return nil, err
	}
	return lastWins(recs, func(r crawler.DiscoveryRecord) string { return r.DetailURL }), nil
}

// Profiles loads every profile; later lines for the same detail URL win.
func (s *Set) Profiles() ([]crawler.ProfileRecord, error) {
	recs, err := ReadAll[crawler.ProfileRecord](s.Layout.Path(ProfilesFile))
	if err != nil {
		return nil, err
	}
	return lastWins(recs, func(r crawler.ProfileRecord) string { return r.DetailURL }), nil
}

// Images loads every image record; later lines for the same image URL win.
func (s *Set) Images() ([]crawler.ImageRecord, error) {
	recs, err := ReadAll[crawler.ImageRecord](s.Layout.Path(ImageRecordsFile))
	if err != nil {
		return nil, err
	}
	return lastWins(recs, func(r crawler.ImageRecord) string { return r.ImageURL }), nil
}

// Reconcile counts the persisted lines of every record file.
func (s *Set) Reconcile() (crawler.Reconcile, error) {
	var out crawler.Reconcile
	counts := []struct {
		dst  *int
		file string
	}{
		{&out.ListRecords, ListRecordsFile},
		{&out.Profiles, ProfilesFile},
		{&out.ReviewQueue, ReviewQueueFile},
		{&out.ImageRecords, ImageRecordsFile},
		{&out.Failures, FailuresFile},
		{&out.MetadataWrites, MetadataResultsFile},
	}
	for _, c := range counts {
		n, err := CountLines(s.Layout.Path(c.file))
		if err != nil {
			return out, fmt.Errorf("reconcile: %w", err)
		}
		*c.dst = n
	}
	return out, nil
}

// Close closes every open file.
func (s *Set) Close() error {
	var errs []error
	for _, a := range []*Appender{s.lists, s.profiles, s.review, s.failures, s.metadata, s.images} {
		if a == nil {
			continue
		}
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func lastWins[T any](recs []T, key func(T) string) []T {
	index := make(map[string]int, len(recs))
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		k := key(rec)
		if i, ok := index[k]; ok {
			out[i] = rec
			continue
		}
		index[k] = len(out)
		out = append(out, rec)
	}
	return out
}
