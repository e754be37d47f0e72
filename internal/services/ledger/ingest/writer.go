package ingest

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

const (
	defaultLockRetryLimit = 5
	defaultRetryBase      = 100 * time.Millisecond
	defaultRetryCap       = 5 * time.Second
)

// WriterConfig controls writer retry behavior and collaborators.
type WriterConfig struct {
	// LockRetryLimit bounds upsert retries on transient storage contention.
	LockRetryLimit int
	// RetryBase and RetryCap shape the jittered backoff between retries.
	RetryBase time.Duration
	RetryCap  time.Duration
	// IsTransient classifies storage errors worth retrying. Errors outside
	// this class poison the event immediately.
	IsTransient func(error) bool
	// Wake is signaled after each successful upsert so the apply coordinator
	// picks up new pending work without waiting for its poll tick.
	Wake chan<- struct{}
	// Logf defaults to log.Printf.
	Logf func(format string, args ...any)
}

func (c WriterConfig) normalized() WriterConfig {
	if c.LockRetryLimit <= 0 {
		c.LockRetryLimit = defaultLockRetryLimit
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaultRetryCap
	}
	if c.IsTransient == nil {
		c.IsTransient = func(error) bool { return false }
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Writer is the single goroutine that mutates the ledger. It consumes the
// queue, performs the idempotent upsert, and quarantines deliveries it cannot
// ledger as poison messages.
type Writer struct {
	queue *Queue
	store storage.LedgerWriter
	cfg   WriterConfig
	rng   *rand.Rand
}

// NewWriter wires a writer to its queue and store.
func NewWriter(queue *Queue, store storage.LedgerWriter, cfg WriterConfig) *Writer {
	return &Writer{
		queue: queue,
		store: store,
		cfg:   cfg.normalized(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run consumes the queue until the context is canceled or the queue is closed
// and drained. Exactly one Run must be active per ledger database.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil || w.queue == nil || w.store == nil {
		return fmt.Errorf("writer is not configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.queue.events:
			w.handle(ctx, event)
		case <-w.queue.closed:
			return w.drain(ctx)
		}
	}
}

// drain empties the queue after close so accepted deliveries reach the
// ledger before shutdown completes.
func (w *Writer) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if remaining := len(w.queue.events); remaining > 0 {
				w.cfg.Logf("ingest writer: shutdown with %d undrained events", remaining)
			}
			return ctx.Err()
		case event := <-w.queue.events:
			w.handle(ctx, event)
		default:
			return nil
		}
	}
}

func (w *Writer) handle(ctx context.Context, event domain.InboundEvent) {
	if err := event.Validate(); err != nil {
		w.poison(ctx, event, fmt.Sprintf("invalid event: %v", err))
		return
	}

	result, err := w.upsertWithRetry(ctx, event)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.poison(ctx, event, fmt.Sprintf("upsert failed: %v", err))
		return
	}

	if result.DeadLetter {
		w.cfg.Logf("ingest writer: redelivery of quarantined event %s ignored for apply", event.Key())
		return
	}
	w.notify()
}

// upsertWithRetry retries transient storage contention with full-jitter
// backoff. Any other error, or exhausting the retry budget, surfaces to the
// caller.
func (w *Writer) upsertWithRetry(ctx context.Context, event domain.InboundEvent) (storage.UpsertResult, error) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.LockRetryLimit; attempt++ {
		if attempt > 0 {
			delay := w.backoff(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return storage.UpsertResult{}, ctx.Err()
			case <-timer.C:
			}
			w.cfg.Logf("ingest writer: retry %d for event %s after %s", attempt, event.Key(), delay)
		}

		result, err := w.store.UpsertEvent(ctx, event)
		if err == nil {
			return result, nil
		}
		if !w.cfg.IsTransient(err) {
			return storage.UpsertResult{}, err
		}
		lastErr = err
	}
	return storage.UpsertResult{}, fmt.Errorf("retries exhausted: %w", lastErr)
}

// backoff returns a full-jitter delay: uniform over (0, min(cap, base*2^n)].
// Full jitter decorrelates retries when many deliveries hit the same lock.
func (w *Writer) backoff(attempt int) time.Duration {
	ceiling := w.cfg.RetryBase << (attempt - 1)
	if ceiling > w.cfg.RetryCap || ceiling <= 0 {
		ceiling = w.cfg.RetryCap
	}
	return time.Duration(w.rng.Int63n(int64(ceiling))) + time.Millisecond
}

func (w *Writer) poison(ctx context.Context, event domain.InboundEvent, reason string) {
	w.cfg.Logf("ingest writer: poison event %s: %s", event.Key(), reason)
	if err := w.store.RecordPoison(ctx, event, reason); err != nil {
		w.cfg.Logf("ingest writer: record poison for %s: %v", event.Key(), err)
	}
}

func (w *Writer) notify() {
	if w.cfg.Wake == nil {
		return
	}
	select {
	case w.cfg.Wake <- struct{}{}:
	default:
	}
}
