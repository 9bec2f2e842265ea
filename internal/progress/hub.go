package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values select
// defaults: a 1024 event buffer, batches of 256 events or 250ms, a 5s
// per-sink timeout and a 1s wait before a milestone is dropped.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	MilestoneWait  time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	defaultMilestoneWait  = time.Second
	dropLogInterval       = 5 * time.Second
)

// Milestone reports whether events of this kind mark a run or stage
// boundary. Milestones flush the pending batch and are only dropped after
// Config.MilestoneWait; fetch events are dropped as soon as the buffer is full.
func (k Kind) Milestone() bool {
	return k != KindFetchDone
}

// Hub batches run events and fans them out to registered sinks. Emit never
// blocks on fetch events, so the pipeline is not slowed by a slow sink.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes

	droppedMu sync.Mutex
	dropped   map[Kind]int64
	closed    atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.MilestoneWait <= 0 {
		cfg.MilestoneWait = defaultMilestoneWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Kind.Milestone() && h.cfg.MilestoneWait > 0 {
		timer := time.NewTimer(h.cfg.MilestoneWait)
		defer timer.Stop()
		select {
		case h.events <- evt:
			return
		case <-h.stopCh:
		case <-timer.C:
		}
	}
	h.drop(evt.Kind)
}

func (h *Hub) drop(kind Kind) {
	h.droppedMu.Lock()
	if h.dropped == nil {
		h.dropped = make(map[Kind]int64)
	}
	h.dropped[kind]++
	h.droppedMu.Unlock()
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped", zap.Any("dropped", h.Dropped()))
	})
}

// Dropped returns the number of events dropped so far, by kind.
func (h *Hub) Dropped() map[Kind]int64 {
	h.droppedMu.Lock()
	defer h.droppedMu.Unlock()
	out := make(map[Kind]int64, len(h.dropped))
	for kind, n := range h.dropped {
		out[kind] = n
	}
	return out
}

// Close drains remaining events, flushes and closes the sinks, and waits for
// the background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// run collects events into batches. A batch is flushed when it is full, when
// MaxBatchWait has passed since its first event, or when a milestone arrives.
func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	var deadline <-chan time.Time

	flush := func() {
		timer.Stop()
		deadline = nil
		if len(batch) > 0 {
			h.flush(batch)
			batch = batch[:0]
		}
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents, evt.Kind.Milestone():
				flush()
			case deadline == nil:
				timer.Reset(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			deadline = nil
			flush()
		case <-h.stopCh:
			for drained := false; !drained; {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					drained = true
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	copyBatch := append([]Event(nil), batch...)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
