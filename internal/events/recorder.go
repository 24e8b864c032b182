// Package events records security events off the request path. Record never
// blocks: events go into a bounded buffer that a single worker drains into
// the store in batches, optionally forwarding each batch to a message
// broker. The worker also watches rejection rates per client IP and flags
// sustained abuse.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tollgate/tollgate/internal/model"
)

const (
	defaultBufferSize   = 4096
	defaultBatchSize    = 128
	defaultFlushTimeout = 2 * time.Second
	pruneInterval       = time.Minute
)

// Sink accepts events without blocking the caller. Delivery is best effort.
type Sink interface {
	Record(ev model.SecurityEvent)
}

// Writer persists a batch of events.
type Writer interface {
	InsertSecurityEvents(ctx context.Context, events []model.SecurityEvent) error
}

// Forwarder ships a persisted batch to an external system.
type Forwarder interface {
	Forward(ctx context.Context, events []model.SecurityEvent) error
}

// Blocker is the global blocklist the detector writes to when auto-block
// is enabled.
type Blocker interface {
	IsBlocked(ip string) bool
	Block(ctx context.Context, ip, reason, blockedBy string, ttl time.Duration) (*model.BlockedIP, error)
}

// Options configures a Recorder.
type Options struct {
	BufferSize   int
	BatchSize    int
	FlushTimeout time.Duration

	Detector DetectorOptions

	// AutoBlock blocks an IP globally for AutoBlockTTL when the detector
	// flags it. Requires Blocker.
	AutoBlock    bool
	AutoBlockTTL time.Duration
	Blocker      Blocker

	Forwarder Forwarder
	Now       func() time.Time
	Logger    *slog.Logger
}

// Recorder is the asynchronous Sink used by the admission pipeline.
type Recorder struct {
	writer       Writer
	forwarder    Forwarder
	blocker      Blocker
	autoBlock    bool
	autoBlockTTL time.Duration
	batchSize    int
	flushTimeout time.Duration
	detector     *Detector
	now          func() time.Time
	logger       *slog.Logger

	ch      chan model.SecurityEvent
	closed  atomic.Bool
	dropped atomic.Int64
	written atomic.Int64

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewRecorder starts the worker goroutine. Call Close to flush and stop it.
func NewRecorder(w Writer, opts Options) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Detector.Now == nil {
		opts.Detector.Now = opts.Now
	}

	r := &Recorder{
		writer:       w,
		forwarder:    opts.Forwarder,
		blocker:      opts.Blocker,
		autoBlock:    opts.AutoBlock && opts.Blocker != nil,
		autoBlockTTL: opts.AutoBlockTTL,
		batchSize:    opts.BatchSize,
		flushTimeout: opts.FlushTimeout,
		detector:     NewDetector(opts.Detector),
		now:          opts.Now,
		logger:       opts.Logger,
		ch:           make(chan model.SecurityEvent, opts.BufferSize),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues ev. When the buffer is full or the recorder is closed the
// event is dropped and counted.
func (r *Recorder) Record(ev model.SecurityEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("security event buffer full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written returns how many events were persisted.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Close stops accepting events, flushes what is buffered, and waits for
// the worker to exit or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.stopped)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.ch:
			r.flush(r.collect(ev))
		case <-ticker.C:
			r.detector.Prune()
		case <-r.done:
			for {
				select {
				case ev := <-r.ch:
					r.flush(r.collect(ev))
				default:
					return
				}
			}
		}
	}
}

// collect gathers first plus whatever else is already buffered, up to one
// batch, and appends any SUSPICIOUS events the detector raises.
func (r *Recorder) collect(first model.SecurityEvent) []model.SecurityEvent {
	batch := make([]model.SecurityEvent, 0, r.batchSize)
	batch = r.observe(batch, first)
	for len(batch) < r.batchSize {
		select {
		case ev := <-r.ch:
			batch = r.observe(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) observe(batch []model.SecurityEvent, ev model.SecurityEvent) []model.SecurityEvent {
	batch = append(batch, ev)
	if flagged, ok := r.detector.Observe(ev); ok {
		batch = append(batch, flagged)
		r.logger.Warn("suspicious activity detected",
			"ip", flagged.IPAddress,
			"count", flagged.Metadata["count"],
			"window", flagged.Metadata["window"],
		)
		if r.autoBlock {
			r.block(flagged.IPAddress)
		}
	}
	return batch
}

func (r *Recorder) block(ip string) {
	if r.blocker.IsBlocked(ip) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.flushTimeout)
	defer cancel()
	if _, err := r.blocker.Block(ctx, ip, "automatic: suspicious activity", "detector", r.autoBlockTTL); err != nil {
		r.logger.Error("auto-block failed", "ip", ip, "error", err)
		return
	}
	r.logger.Warn("ip auto-blocked", "ip", ip, "ttl", r.autoBlockTTL.String())
}

func (r *Recorder) flush(batch []model.SecurityEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.flushTimeout)
	defer cancel()

	if err := r.writer.InsertSecurityEvents(ctx, batch); err != nil {
		r.logger.Error("write security events failed", "count", len(batch), "error", err)
		return
	}
	r.written.Add(int64(len(batch)))

	if r.forwarder != nil {
		if err := r.forwarder.Forward(ctx, batch); err != nil {
			r.logger.Error("forward security events failed", "count", len(batch), "error", err)
		}
	}
}
