package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/fallback"
	"github.com/happidaswork-netizen/d2ilite/internal/report"
)

// frontierKey stores every list page discovered so far, seeds included.
const frontierKey = "discovery:frontier"

// frontier is the ordered set of list pages known to the run. It is persisted
// whenever it grows so next-page links survive a pause.
type frontier struct {
	mu    sync.Mutex
	pages []string
	seen  map[string]struct{}
	limit int
	store crawler.CheckpointStore
}

func (f *frontier) add(urls ...string) []string {
	var added []string
	for _, u := range urls {
		if _, ok := f.seen[u]; ok {
			continue
		}
		if f.limit > 0 && len(f.pages) >= f.limit {
			break
		}
		f.seen[u] = struct{}{}
		f.pages = append(f.pages, u)
		added = append(added, u)
	}
	return added
}

// grow adds urls and persists the frontier if it changed.
func (f *frontier) grow(ctx context.Context, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.add(urls...)) == 0 {
		return nil
	}
	return checkpoint.SavePosition(ctx, f.store, frontierKey, f.pages)
}

// pending returns the pages not yet dispatched and marks them dispatched.
func (f *frontier) pending(dispatched map[string]struct{}) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, u := range f.pages {
		if _, ok := dispatched[u]; ok {
			continue
		}
		dispatched[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (p *Pipeline) loadFrontier(ctx context.Context) (*frontier, error) {
	f := &frontier{
		seen:  make(map[string]struct{}),
		limit: p.cfg.MaxListPages,
		store: p.store,
	}
	var persisted []string
	if _, err := checkpoint.LoadPosition(ctx, p.store, frontierKey, &persisted); err != nil {
		return nil, err
	}
	var seeds []string
	for _, seed := range p.cfg.Seeds {
		canonical, err := crawler.CanonicalizeURL(seed)
		if err != nil {
			return nil, &crawler.FatalConfigError{Field: "seeds", Reason: fmt.Sprintf("invalid seed %q", seed), Err: err}
		}
		seeds = append(seeds, canonical)
	}
	f.add(persisted...)
	f.add(seeds...)
	return f, nil
}

// discover walks list pages in waves: seeds first, then the next-page links
// each wave yields. Pages finished in an earlier run are skipped, but their
// next-page links are already in the persisted frontier.
func (p *Pipeline) discover(ctx context.Context, fetcher crawler.Fetcher, strategy crawler.Strategy) (fallback.StageOutcome, error) {
	f, err := p.loadFrontier(ctx)
	if err != nil {
		return fallback.StageOutcome{}, err
	}
	dispatched := make(map[string]struct{})
	for wave := f.pending(dispatched); len(wave) > 0; wave = f.pending(dispatched) {
		outcome, err := p.forEach(ctx, crawler.StageDiscovery, wave, func(ctx context.Context, pageURL string) error {
			w := work{stage: crawler.StageDiscovery, id: pageURL, fetcher: fetcher, strategy: strategy}
			return p.fetchEntity(ctx, w, crawler.FetchRequest{URL: pageURL}, func(ctx context.Context, resp crawler.FetchResponse, _ int) (report.Outcome, error) {
				next, err := p.handleListPage(pageURL, resp)
				if err != nil {
					return report.OutcomeFailed, err
				}
				if err := f.grow(ctx, next); err != nil {
					return report.OutcomeFailed, err
				}
				return report.OutcomeSucceeded, nil
			})
		})
		outcome.Strategy = strategy
		if err != nil || outcome.Halt != fallback.HaltNone {
			return outcome, err
		}
	}
	return fallback.StageOutcome{Strategy: strategy}, nil
}

// handleListPage appends a discovery record per allowed item and returns the
// allowed next-page links.
func (p *Pipeline) handleListPage(pageURL string, resp crawler.FetchResponse) ([]string, error) {
	page, err := p.evaluator.ListItems(resp, p.cfg.Selectors)
	if err != nil {
		return nil, fmt.Errorf("evaluate list page: %w", err)
	}
	now := p.clock.Now()
	kept := 0
	for _, item := range page.Items {
		if !p.domains.AllowsURL(item.DetailURL) {
			p.logger.Debug("detail link outside allowed domains", zap.String("url", item.DetailURL))
			continue
		}
		detail, err := crawler.CanonicalizeURL(item.DetailURL)
		if err != nil {
			continue
		}
		if err := p.records.AppendDiscovery(crawler.DiscoveryRecord{
			SourceURL:    pageURL,
			DetailURL:    detail,
			DiscoveredAt: now,
			ListFields:   item.Fields,
		}); err != nil {
			return nil, err
		}
		kept++
	}
	var next []string
	for _, u := range page.NextPages {
		if !p.domains.AllowsURL(u) {
			continue
		}
		if canonical, err := crawler.CanonicalizeURL(u); err == nil {
			next = append(next, canonical)
		}
	}
	p.logger.Debug("list page parsed",
		zap.String("url", pageURL),
		zap.Int("items", kept),
		zap.Int("next_pages", len(next)),
	)
	return next, nil
}
