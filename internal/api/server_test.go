package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/clock/fake"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

type fakeSource struct {
	id      uuid.UUID
	report  crawler.RunReport
	backoff crawler.BackoffState
}

func (f *fakeSource) RunID() uuid.UUID { return f.id }
func (f *fakeSource) Snapshot() crawler.RunReport { return f.report }
func (f *fakeSource) Backoff() crawler.BackoffState { return f.backoff }

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, src *fakeSource) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv, err := NewServer(src, reg, fake.New(testStart), zap.NewNop())
	require.NoError(t, err)
	return srv, reg
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeSource{id: uuid.New()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Report(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		id: uuid.New(),
		report: crawler.RunReport{
			RunID:    "run-1",
			SiteName: "court-roster",
			Status:   crawler.RunStatusPaused,
		},
	}
	srv, _ := newTestServer(t, src)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/report", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got crawler.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, crawler.RunStatusPaused, got.Status)
}

func TestServer_BackoffActive(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		id: uuid.New(),
		backoff: crawler.BackoffState{
			Active:        true,
			TriggeredAt:   testStart.Add(-time.Minute),
			RetryAfter:    testStart.Add(10 * time.Minute),
			TriggerReason: "status 429",
		},
	}
	srv, _ := newTestServer(t, src)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/backoff", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got backoffResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Active)
	require.Equal(t, "10m0s", got.Remaining)
	require.Equal(t, src.id.String(), got.RunID)
}

func TestServer_BackoffExpired(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		id: uuid.New(),
		backoff: crawler.BackoffState{
			Active:     true,
			RetryAfter: testStart.Add(-time.Second),
		},
	}
	srv, _ := newTestServer(t, src)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/backoff", nil))

	var got backoffResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.False(t, got.Active)
	require.Empty(t, got.Remaining)
}

func TestServer_MetricsExposesHTTPCollectors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeSource{id: uuid.New()})
	h := srv.Handler()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "d2i_http_requests_total"))
}

func TestServer_RequiresSource(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil, nil, nil, nil)
	require.Error(t, err)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeSource{id: uuid.New()})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	url := "http://" + lis.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeSource{id: uuid.New()})
	srv.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
