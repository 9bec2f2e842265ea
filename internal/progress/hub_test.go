package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(KindFetchDone)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindFetchDone))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubMilestoneFlushesPendingBatch(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindFetchDone))
	hub.Emit(sampleEvent(KindFetchDone))
	hub.Emit(sampleEvent(KindStageDone))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 3 && batches[0][2].Kind == KindStageDone
	}, time.Second, 5*time.Millisecond)
}

func TestHubDropsFetchEventsWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{MilestoneWait: time.Minute},
		events: make(chan Event, 1),
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	hub.Emit(sampleEvent(KindFetchDone))
	hub.Emit(sampleEvent(KindFetchDone))
	hub.Emit(sampleEvent(KindFetchDone))
	require.Equal(t, map[Kind]int64{KindFetchDone: 2}, hub.Dropped())
	require.Len(t, hub.events, 1)
}

func TestHubMilestoneWaitsForRoom(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{MilestoneWait: time.Minute},
		events: make(chan Event, 1),
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	hub.Emit(sampleEvent(KindFetchDone))

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Emit(sampleEvent(KindRunDone))
	}()
	first := <-hub.events
	require.Equal(t, KindFetchDone, first.Kind)
	<-done
	second := <-hub.events
	require.Equal(t, KindRunDone, second.Kind)
	require.Empty(t, hub.Dropped())
}

func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(KindFetchDone))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(Event{Kind: KindFetchDone, TS: time.Now(), RunID: UUIDToBytes(uuid.New())})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(KindRunStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)
}

func TestReporterStampsEvents(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	id := uuid.MustParse("00000000-0000-0000-0000-000000000009")
	clock := fixedClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	r := NewReporter(rec, id, clock)

	r.RunStart(crawler.StrategyFast)
	r.FetchDone(crawler.StageDiscovery, crawler.StrategyFast, "https://example.org", 429, 10, time.Second)
	r.FetchDone(crawler.StageDiscovery, crawler.StrategyFast, "https://example.org", 0, 0, 0)
	r.Fallback(crawler.FallbackEvent{Stage: crawler.StageDiscovery, ToStrategy: crawler.StrategyBrowser, Reason: "backoff: http_429"})
	r.RunDone(crawler.RunStatusPaused, time.Minute)

	require.Len(t, rec.events, 5)
	for _, evt := range rec.events {
		require.NoError(t, evt.Validate())
		require.Equal(t, id, evt.RunUUID())
		require.Equal(t, clock.now, evt.TS)
	}
	require.Equal(t, Status4xx, rec.events[1].StatusClass)
	require.Equal(t, StatusError, rec.events[2].StatusClass)
	require.Equal(t, "backoff: http_429", rec.events[3].Note)
	require.Equal(t, crawler.RunStatusPaused, rec.events[4].Status)

	var nilReporter *Reporter
	nilReporter.RunStart(crawler.StrategyFast)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := sampleEvent(KindStageStart)
	base.Stage = ""
	require.Error(t, base.Validate())
	require.Error(t, Event{Kind: KindRunStart, TS: time.Now()}.Validate())
	require.Error(t, Event{Kind: "NOPE", TS: time.Now(), RunID: UUIDToBytes(uuid.New())}.Validate())
	require.Error(t, Event{Kind: KindRunDone, TS: time.Now(), RunID: UUIDToBytes(uuid.New())}.Validate())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

type recordingEmitter struct{ events []Event }

func (r *recordingEmitter) Emit(evt Event) { r.events = append(r.events, evt) }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func sampleEvent(kind Kind) Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Kind:        kind,
		Stage:       crawler.StageDiscovery,
		StatusClass: Status2xx,
		Status:      crawler.RunStatusFinished,
	}
}
