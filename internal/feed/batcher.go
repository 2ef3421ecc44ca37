package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/backoff"
	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
)

// TickWriter persists tick batches. *tickstore.Store satisfies it.
type TickWriter interface {
	AppendBatch(ctx context.Context, ticks []market.Tick) (int64, error)
}

const (
	// DefaultBatchSize flushes the buffer once this many ticks accumulate.
	DefaultBatchSize = 500
	// DefaultFlushInterval flushes a non-empty buffer on this cadence.
	DefaultFlushInterval = 250 * time.Millisecond
	// DefaultPendingBatches bounds the retry queue of unflushed batches.
	DefaultPendingBatches = 8

	writeAttempts = 3
)

// Batcher accumulates normalized ticks and writes them to the tick
// store in batches. Writes that fail are parked in a bounded pending
// queue and retried on the next flush; when the queue is full the
// oldest batch is dropped so the hot path never blocks on the database.
type Batcher struct {
	writer        TickWriter
	events        *bus.Bus
	log           zerolog.Logger
	batchSize     int
	flushInterval time.Duration
	maxPending    int
	retry         backoff.Policy

	mu      sync.Mutex
	buf     []market.Tick
	pending [][]market.Tick
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithBatchSize overrides the size trigger.
func WithBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithFlushInterval overrides the time trigger.
func WithFlushInterval(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.flushInterval = d
		}
	}
}

// WithPendingBatches overrides the retry queue depth.
func WithPendingBatches(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

// WithRetryPolicy overrides the per-write retry schedule.
func WithRetryPolicy(p backoff.Policy) BatcherOption {
	return func(b *Batcher) {
		b.retry = p
	}
}

// NewBatcher wires a Batcher to the given writer. The events bus may
// be nil in tests; drop notifications are then log-only.
func NewBatcher(writer TickWriter, events *bus.Bus, logger zerolog.Logger, opts ...BatcherOption) *Batcher {
	retry := backoff.Default()
	retry.MaxAttempts = writeAttempts
	retry.Max = 2 * time.Second

	b := &Batcher{
		writer:        writer,
		events:        events,
		log:           logger.With().Str("component", "tick_batcher").Logger(),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		maxPending:    DefaultPendingBatches,
		retry:         retry,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.buf = make([]market.Tick, 0, b.batchSize)
	return b
}

// Add appends one tick to the buffer and flushes when the size
// trigger is reached.
func (b *Batcher) Add(ctx context.Context, tick market.Tick) {
	b.mu.Lock()
	b.buf = append(b.buf, tick)
	full := len(b.buf) >= b.batchSize
	b.mu.Unlock()

	if full {
		b.Flush(ctx)
	}
}

// Run flushes on the configured interval until the context is done,
// then performs a final flush so shutdown loses at most the batches
// the database refuses.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.Flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush moves the current buffer onto the pending queue and drains the
// queue oldest-first. Batches that still fail after bounded retries
// stay queued; queue overflow drops the oldest batch.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buf) > 0 {
		b.enqueueLocked(b.buf)
		b.buf = make([]market.Tick, 0, b.batchSize)
	}
	queue := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(queue) == 0 {
		metrics.PendingTickBatches.Set(0)
		return
	}

	var unwritten [][]market.Tick
	for i, batch := range queue {
		if err := b.write(ctx, batch); err != nil {
			b.log.Error().Err(err).
				Int("batch_size", len(batch)).
				Int("batches_remaining", len(queue)-i).
				Msg("Tick batch write failed, requeueing")
			unwritten = queue[i:]
			break
		}
	}

	b.mu.Lock()
	// Batches accumulated while draining sit behind the requeued ones.
	b.pending = append(unwritten, b.pending...)
	for len(b.pending) > b.maxPending {
		b.dropOldestLocked()
	}
	depth := len(b.pending)
	b.mu.Unlock()

	metrics.PendingTickBatches.Set(float64(depth))
}

// PendingDepth reports the number of batches awaiting a successful write.
func (b *Batcher) PendingDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.pending)
	if len(b.buf) > 0 {
		n++
	}
	return n
}

func (b *Batcher) enqueueLocked(batch []market.Tick) {
	b.pending = append(b.pending, batch)
	for len(b.pending) > b.maxPending {
		b.dropOldestLocked()
	}
}

func (b *Batcher) dropOldestLocked() {
	dropped := b.pending[0]
	b.pending = b.pending[1:]
	metrics.TickBatchesDropped.Inc()
	b.log.Warn().
		Int("dropped_ticks", len(dropped)).
		Int("queue_depth", len(b.pending)).
		Msg("Pending batch queue full, dropping oldest batch")

	if b.events != nil {
		ev := bus.NewEvent(bus.EventTickBatchDropped, bus.SeverityWarning, "",
			fmt.Sprintf("dropped %d ticks after pending queue overflow", len(dropped))).
			WithField("dropped_ticks", len(dropped)).
			WithField("queue_depth", len(b.pending))
		if err := b.events.PublishEvent(context.Background(), ev); err != nil {
			b.log.Warn().Err(err).Msg("Failed to publish batch drop event")
		}
	}
}

func (b *Batcher) write(ctx context.Context, batch []market.Tick) error {
	start := time.Now()
	err := backoff.Retry(ctx, b.retry, "tick_batch_write", func() error {
		inserted, err := b.writer.AppendBatch(ctx, batch)
		if err != nil {
			return err
		}
		if int(inserted) < len(batch) {
			b.log.Debug().
				Int64("inserted", inserted).
				Int("batch_size", len(batch)).
				Msg("Batch contained replayed ticks")
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.RecordBatchFlush(float64(time.Since(start).Milliseconds()))
	return nil
}
