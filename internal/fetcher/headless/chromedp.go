// Package headless implements the browser fetch strategy with chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	Headless          bool
	ExecPath          string
	DefaultHeaders    map[string]string
	Logger            *zap.Logger
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
// HTML documents are returned as the rendered DOM; any other document type
// (images) is returned as the raw response body.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser
// process is started lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context and stops the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a browser tab and returns the document response.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	page, err := f.runHeadless(taskCtx, request, meta)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return crawler.FetchResponse{}, classifyBrowserError(request.URL, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, page.finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	f.logger.Debug("headless fetch complete",
		zap.String("url", request.URL),
		zap.Int("status", status),
		zap.Int("bytes", len(page.body)),
	)

	return crawler.FetchResponse{
		URL:        request.URL,
		FinalURL:   responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       page.body,
		Duration:   time.Since(start),
		Strategy:   crawler.StrategyBrowser,
	}, nil
}

type renderedPage struct {
	body     []byte
	finalURL string
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest, meta *responseMeta) (renderedPage, error) {
	var (
		html     string
		finalURL string
		raw      []byte
	)
	settle := f.cfg.SettleDelay
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	actions := []chromedp.Action{
		f.networkSetupAction(f.requestHeaders(request)),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if meta.isHTML() {
				return chromedp.OuterHTML("html", &html, chromedp.ByQuery).Do(ctx)
			}
			id, ok := meta.documentRequest()
			if !ok {
				return errors.New("document response not captured")
			}
			body, err := network.GetResponseBody(id).Do(ctx)
			if err != nil {
				return fmt.Errorf("get response body: %w", err)
			}
			raw = body
			return nil
		}),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	if raw == nil {
		raw = []byte(html)
	}
	return renderedPage{body: raw, finalURL: finalURL}, nil
}

func (f *Fetcher) requestHeaders(request crawler.FetchRequest) http.Header {
	headers := http.Header{}
	for key, value := range f.cfg.DefaultHeaders {
		headers.Set(key, value)
	}
	for key, values := range request.Headers {
		headers[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	if request.Referer != "" {
		headers.Set("Referer", request.Referer)
	}
	return headers
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// classifyBrowserError marks navigation timeouts and network failures as transient.
func classifyBrowserError(url string, err error) error {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "net::ERR_TIMED_OUT") ||
		strings.Contains(msg, "net::ERR_CONNECTION") ||
		strings.Contains(msg, "net::ERR_NAME_NOT_RESOLVED") {
		return &crawler.TransientFetchError{URL: url, Err: err}
	}
	return err
}

type responseMeta struct {
	mu        sync.RWMutex
	status    int
	headers   http.Header
	url       string
	mimeType  string
	requestID network.RequestID
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mimeType = event.Response.MimeType
	m.requestID = event.RequestID
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// isHTML reports whether the captured document is markup. An uncaptured
// document is treated as HTML.
func (m *responseMeta) isHTML() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	media := m.mimeType
	if media == "" {
		media = m.headers.Get("Content-Type")
	}
	if media == "" {
		return true
	}
	if parsed, _, err := mime.ParseMediaType(media); err == nil {
		media = parsed
	}
	return strings.Contains(media, "html") || strings.HasPrefix(media, "text/")
}

func (m *responseMeta) documentRequest() (network.RequestID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestID, m.requestID != ""
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

var _ crawler.Fetcher = (*Fetcher)(nil)
