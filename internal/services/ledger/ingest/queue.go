// Package ingest accepts upstream event deliveries and funnels them through
// the single ledger writer. The queue bounds memory between producers and the
// writer; the writer owns all ledger mutations.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
)

// DefaultQueueCapacity bounds in-flight deliveries between producers and the
// writer loop.
const DefaultQueueCapacity = 5000

var (
	// ErrBackpressure reports that the queue stayed full for the producer's
	// whole wait budget. The producer decides whether to retry or shed.
	ErrBackpressure = errors.New("ingest queue full")
	// ErrQueueClosed reports that the queue no longer accepts deliveries.
	ErrQueueClosed = errors.New("ingest queue closed")
)

// Queue is the bounded hand-off between event producers and the writer loop.
// Enqueue may be called from any goroutine; the writer is the only consumer.
type Queue struct {
	events    chan domain.InboundEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue returns a queue holding at most capacity in-flight events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		events: make(chan domain.InboundEvent, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue offers one delivery to the writer. When the queue is full it blocks
// up to wait before reporting ErrBackpressure; a zero wait fails immediately
// on a full queue. The event is never silently dropped: every return path is
// either accepted or an error.
func (q *Queue) Enqueue(ctx context.Context, event domain.InboundEvent, wait time.Duration) error {
	if q == nil {
		return ErrQueueClosed
	}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	if wait <= 0 {
		select {
		case q.events <- event:
			return nil
		case <-q.closed:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrBackpressure
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case q.events <- event:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBackpressure
	}
}

// Close stops accepting new deliveries. Events already queued remain
// available to the writer so shutdown can drain instead of drop.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Closed reports whether the queue stopped accepting deliveries.
func (q *Queue) Closed() bool {
	if q == nil {
		return true
	}
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Len returns the number of queued deliveries not yet taken by the writer.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.events)
}
