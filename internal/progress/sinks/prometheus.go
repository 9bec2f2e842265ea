package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/happidaswork-netizen/d2ilite/internal/progress"
)

// PrometheusSink exports run progress as Prometheus metrics.
type PrometheusSink struct {
	stageEntities  *prometheus.CounterVec
	fetchRequests  *prometheus.CounterVec
	fetchBytes     *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	backoffEvents  *prometheus.CounterVec
	fallbackEvents *prometheus.CounterVec
	runs           *prometheus.CounterVec
	runsActive     prometheus.Gauge
	runDuration    prometheus.Histogram
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		stageEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d2i_stage_entities_total",
			Help: "Entities processed per stage partitioned by outcome.",
		}, []string{"stage", "outcome"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d2i_fetch_requests_total",
			Help: "Fetch completions partitioned by stage, strategy and status class.",
		}, []string{"stage", "strategy", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d2i_fetch_bytes_total",
			Help: "Bytes downloaded per strategy.",
		}, []string{"strategy"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "d2i_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by strategy.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"strategy"}),
		backoffEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d2i_backoff_events_total",
			Help: "Backoff triggers partitioned by stage and reason.",
		}, []string{"stage", "reason"}),
		fallbackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d2i_fallback_events_total",
			Help: "Fast to browser strategy switches per stage.",
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "d2i_runs_total",
			Help: "Completed runs partitioned by status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "d2i_runs_active",
			Help: "Runs currently executing.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "d2i_run_duration_seconds",
			Help:    "Wall time per run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 21600},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.stageEntities,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.backoffEvents,
		s.fallbackEvents,
		s.runs,
		s.runsActive,
		s.runDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindRunStart:
		s.runsActive.Inc()
	case progress.KindRunDone:
		s.runsActive.Dec()
		s.runs.WithLabelValues(string(evt.Status)).Inc()
		if evt.Dur > 0 {
			s.runDuration.Observe(evt.Dur.Seconds())
		}
	case progress.KindFetchDone:
		s.handleFetchEvent(evt)
	case progress.KindStageDone:
		s.handleStageDone(evt)
	case progress.KindBackoff:
		s.backoffEvents.WithLabelValues(string(evt.Stage), evt.Note).Inc()
	case progress.KindFallback:
		s.fallbackEvents.WithLabelValues(string(evt.Stage)).Inc()
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	strategy := string(evt.Strategy)
	if strategy == "" {
		strategy = "unknown"
	}
	s.fetchRequests.WithLabelValues(string(evt.Stage), strategy, string(evt.StatusClass)).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(strategy).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(strategy).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleStageDone(evt progress.Event) {
	stage := string(evt.Stage)
	c := evt.Counters
	for outcome, n := range map[string]int{
		"succeeded":         c.Succeeded,
		"failed":            c.Failed,
		"skipped_duplicate": c.SkippedDuplicate,
		"skipped_done":      c.SkippedDone,
		"review":            c.Review,
		"exhausted":         c.Exhausted,
	} {
		if n > 0 {
			s.stageEntities.WithLabelValues(stage, outcome).Add(float64(n))
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
