// Package activity provides the append-only activity log pipeline with
// buffered batch writes.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered entries. The log is
// best-effort; beyond this limit new entries are counted and dropped rather
// than blocking message handling.
const maxBufferCapacity = 10_000

// Recorder is the write side of the activity log. The engine and scheduler
// record through this interface so tests can substitute an in-memory fake.
type Recorder interface {
	Record(input model.ActivityInput)
}

// Store is the persistence dependency of the buffer.
type Store interface {
	InsertActivities(ctx context.Context, entries []model.ActivityEntry) error
}

// Buffer accumulates activity entries in memory and flushes them to storage
// in batches when either the size threshold or the flush timeout is reached.
type Buffer struct {
	store        Store
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu      sync.Mutex
	entries []model.ActivityEntry

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates an activity buffer. maxSize triggers an early flush;
// flushTimeout bounds how long an entry can sit unflushed.
func NewBuffer(store Store, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		store:        store,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL gauges.
// Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record queues an activity entry for the next flush. Never blocks and never
// fails; at capacity the entry is dropped and counted.
func (b *Buffer) Record(input model.ActivityInput) {
	entry := model.ActivityEntry{
		ID:        uuid.New(),
		ChatID:    input.ChatID,
		AgentID:   input.AgentID,
		Type:      input.Type,
		Payload:   input.Payload,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= maxBufferCapacity {
		b.dropped.Add(1)
		return
	}

	b.entries = append(b.entries, entry)

	if len(b.entries) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush needs a live context because ctx is already done.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	if err := b.store.InsertActivities(ctx, batch); err != nil {
		b.logger.Error("activity: flush failed", "error", err, "batch_size", len(batch))
		// Requeue for the next attempt, bounded by capacity.
		b.mu.Lock()
		if len(b.entries)+len(batch) <= maxBufferCapacity {
			b.entries = append(batch, b.entries...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("activity: dropping entries, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("activity: batch flushed", "batch_size", len(batch))
}

// Drain stops the flush loop, waits for its final flush, and returns. The ctx
// bounds both the wait and the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("activity: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("nagare/activity")

	_, _ = meter.Int64ObservableGauge("nagare.activity.buffer_depth",
		metric.WithDescription("Current number of entries in the activity write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("nagare.activity.dropped_total",
		metric.WithDescription("Total activity entries dropped at capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the current number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns the total entries dropped at capacity. Non-zero means the
// log has gaps.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}
