package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
)

// Forwarder ships appended audit records to an external sink from a
// background worker. Shipping is best-effort: the in-process log has
// already persisted the record by the time it reaches the forwarder, so
// a full channel drops the copy rather than blocking evaluation.
type Forwarder struct {
	sink          audit.Sink
	records       chan audit.Record
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately when full
	dropCount   atomic.Int64

	warningThreshold int          // channel depth percent that triggers a warning
	lastWarning      atomic.Int64 // rate-limits warning logs (Unix nanos)
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithBatchSize sets how many records are batched per sink write.
func WithBatchSize(size int) ForwarderOption {
	return func(f *Forwarder) {
		f.batchSize = size
	}
}

// WithFlushInterval sets how often a partial batch is flushed.
func WithFlushInterval(interval time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.flushInterval = interval
	}
}

// WithChannelSize sets the buffer between Enqueue and the worker.
func WithChannelSize(size int) ForwarderOption {
	return func(f *Forwarder) {
		f.records = make(chan audit.Record, size)
		f.channelSize = size
	}
}

// WithSendTimeout sets how long Enqueue may block on a full channel
// before dropping. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth percentage (0-100) above
// which Enqueue logs a rate-limited warning.
func WithWarningThreshold(percent int) ForwarderOption {
	return func(f *Forwarder) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		f.warningThreshold = percent
	}
}

// NewForwarder creates a forwarder shipping to the given sink.
func NewForwarder(sink audit.Sink, logger *slog.Logger, opts ...ForwarderOption) *Forwarder {
	const defaultChannelSize = 1000
	f := &Forwarder{
		sink:             sink,
		records:          make(chan audit.Record, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Start launches the background worker.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.worker(ctx)
}

// Enqueue hands a record to the worker. Tries a non-blocking send
// first, then blocks up to sendTimeout. Drops are counted and logged;
// the in-process log still holds the record.
func (f *Forwarder) Enqueue(rec audit.Record) {
	if f.warningThreshold > 0 {
		depth := len(f.records)
		threshold := f.channelSize * f.warningThreshold / 100
		if depth >= threshold {
			f.warnChannelDepth(depth)
		}
	}

	select {
	case f.records <- rec:
		return
	default:
	}

	if f.sendTimeout <= 0 {
		f.recordDrop(rec)
		return
	}

	select {
	case f.records <- rec:
	case <-time.After(f.sendTimeout):
		f.recordDrop(rec)
	}
}

func (f *Forwarder) recordDrop(rec audit.Record) {
	drops := f.dropCount.Add(1)
	f.logger.Warn("audit shipping dropped record",
		"seq", rec.Seq,
		"subject", rec.Subject,
		"total_drops", drops)
}

// warnChannelDepth logs a capacity warning at most once per second.
func (f *Forwarder) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := f.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if f.lastWarning.CompareAndSwap(last, now) {
		f.logger.Warn("audit shipping channel approaching capacity",
			"depth", depth,
			"capacity", f.channelSize,
			"percent", depth*100/f.channelSize)
	}
}

// DroppedRecords returns the total number of dropped records.
func (f *Forwarder) DroppedRecords() int64 {
	return f.dropCount.Load()
}

// ChannelDepth returns the current channel usage.
func (f *Forwarder) ChannelDepth() int {
	return len(f.records)
}

// ChannelCapacity returns the channel buffer size.
func (f *Forwarder) ChannelCapacity() int {
	return f.channelSize
}

// Stop closes the channel and waits for the worker to drain and flush.
// Enqueue must not be called after Stop.
func (f *Forwarder) Stop() {
	close(f.records)
	f.wg.Wait()
}

// worker batches records and writes them to the sink.
func (f *Forwarder) worker(ctx context.Context) {
	defer f.wg.Done()

	batch := make([]audit.Record, 0, f.batchSize)
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-f.records:
			if !ok {
				f.finalFlush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= f.batchSize {
				f.ship(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				f.ship(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever Enqueue already buffered, then flush with a
			// bounded deadline so shutdown cannot hang on a dead sink.
			for {
				select {
				case rec, ok := <-f.records:
					if !ok {
						f.finalFlush(batch)
						return
					}
					batch = append(batch, rec)
				default:
					f.finalFlush(batch)
					return
				}
			}
		}
	}
}

// finalFlush writes the last batch and flushes the sink.
func (f *Forwarder) finalFlush(batch []audit.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(batch) > 0 {
		f.ship(ctx, batch)
	}
	if err := f.sink.Flush(ctx); err != nil {
		f.logger.Error("audit sink flush failed", "error", err)
	}
}

// ship writes a batch. Errors are logged, not propagated: shipping must
// never affect evaluation outcomes.
func (f *Forwarder) ship(ctx context.Context, batch []audit.Record) {
	if err := f.sink.Write(ctx, batch...); err != nil {
		f.logger.Error("audit sink write failed",
			"error", err,
			"count", len(batch))
	}
}
