package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/crucible/internal/model"
)

const (
	defaultQueueSize = 1024
	maxFlushAttempts = 5
	flushTimeout     = 10 * time.Second
)

// Compile-time interface satisfaction check.
var _ Store = (*Buffered)(nil)

// writeOp is one buffered write awaiting durable flush.
type writeOp struct {
	kind  string
	apply func(ctx context.Context) error
}

// Buffered wraps a Store with a write-ahead local buffer and an asynchronous
// flush worker. Writes are enqueued and retried with exponential backoff;
// writes that still fail after maxFlushAttempts are abandoned and surfaced
// via metrics rather than swallowed. Reads pass through to the inner store.
//
// The in-memory registry and lifecycle manager remain authoritative for the
// process lifetime, so an abandoned write degrades durability, not
// correctness.
type Buffered struct {
	inner  Store
	logger *slog.Logger

	queue     chan writeOp
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBuffered creates a buffered store around inner and starts its flush
// worker.
func NewBuffered(inner Store, logger *slog.Logger) *Buffered {
	b := &Buffered{
		inner:  inner,
		logger: logger,
		queue:  make(chan writeOp, defaultQueueSize),
	}
	b.wg.Add(1)
	go b.flushLoop()
	return b
}

// flushLoop drains the queue, retrying each write with exponential backoff
// before abandoning it.
func (b *Buffered) flushLoop() {
	defer b.wg.Done()

	for op := range b.queue {
		storeQueueDepth.Set(float64(len(b.queue)))

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = 5 * time.Second
		bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

		attempt := 0
		err := backoff.Retry(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()

			if attempt > 0 {
				storeFlushRetries.WithLabelValues(op.kind).Inc()
			}
			attempt++
			return op.apply(ctx)
		}, backoff.WithMaxRetries(bo, maxFlushAttempts-1))

		if err != nil {
			storeAbandonedWrites.WithLabelValues(op.kind).Inc()
			b.logger.Error("abandoning persistence write",
				"kind", op.kind,
				"attempts", attempt,
				"error", err,
			)
		}
	}
}

// enqueue queues a write for asynchronous flush. If the buffer is full the
// write is dropped and counted; the caller's in-memory mutation still stands.
func (b *Buffered) enqueue(kind string, apply func(ctx context.Context) error) {
	select {
	case b.queue <- writeOp{kind: kind, apply: apply}:
		storeQueueDepth.Set(float64(len(b.queue)))
	default:
		storeDroppedWrites.WithLabelValues(kind).Inc()
		b.logger.Error("persistence buffer full, dropping write", "kind", kind)
	}
}

// SaveVersion queues a version upsert. The record is copied so later caller
// mutations cannot race the flush worker.
func (b *Buffered) SaveVersion(_ context.Context, v *model.ApplicationVersion) error {
	vCopy := *v
	b.enqueue("version", func(ctx context.Context) error {
		return b.inner.SaveVersion(ctx, &vCopy)
	})
	return nil
}

// SaveToken queues a token upsert.
func (b *Buffered) SaveToken(_ context.Context, t *model.CapabilityToken) error {
	tCopy := *t
	b.enqueue("token", func(ctx context.Context) error {
		return b.inner.SaveToken(ctx, &tCopy)
	})
	return nil
}

// SaveInstance queues an instance upsert.
func (b *Buffered) SaveInstance(_ context.Context, in *model.Instance) error {
	inCopy := *in
	b.enqueue("instance", func(ctx context.Context) error {
		return b.inner.SaveInstance(ctx, &inCopy)
	})
	return nil
}

// AppendSample queues a metric sample insert.
func (b *Buffered) AppendSample(_ context.Context, s *model.MetricSample) error {
	sCopy := *s
	b.enqueue("sample", func(ctx context.Context) error {
		return b.inner.AppendSample(ctx, &sCopy)
	})
	return nil
}

// InsertEvent queues a lifecycle event insert.
func (b *Buffered) InsertEvent(_ context.Context, instanceID string, seq int, event string) error {
	b.enqueue("event", func(ctx context.Context) error {
		return b.inner.InsertEvent(ctx, instanceID, seq, event)
	})
	return nil
}

// Reads pass through to the inner store.

func (b *Buffered) GetVersion(ctx context.Context, id string) (*model.ApplicationVersion, error) {
	return b.inner.GetVersion(ctx, id)
}

func (b *Buffered) ListVersions(ctx context.Context, appID string) ([]*model.ApplicationVersion, error) {
	return b.inner.ListVersions(ctx, appID)
}

func (b *Buffered) GetToken(ctx context.Context, value string) (*model.CapabilityToken, error) {
	return b.inner.GetToken(ctx, value)
}

func (b *Buffered) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	return b.inner.GetInstance(ctx, id)
}

func (b *Buffered) ListInstances(ctx context.Context, appID string) ([]*model.Instance, error) {
	return b.inner.ListInstances(ctx, appID)
}

func (b *Buffered) GetInstanceStats(ctx context.Context) (*InstanceStats, error) {
	return b.inner.GetInstanceStats(ctx)
}

func (b *Buffered) ListSamples(ctx context.Context, instanceID string, limit int) ([]model.MetricSample, error) {
	return b.inner.ListSamples(ctx, instanceID, limit)
}

func (b *Buffered) GetEvents(ctx context.Context, instanceID string) ([]model.LifecycleEvent, error) {
	return b.inner.GetEvents(ctx, instanceID)
}

// Close stops accepting writes, drains the buffer, and closes the inner
// store.
func (b *Buffered) Close() error {
	b.closeOnce.Do(func() {
		close(b.queue)
	})
	b.wg.Wait()
	return b.inner.Close()
}
