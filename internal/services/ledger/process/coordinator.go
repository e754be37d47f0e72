// Package process drives pending ledger rows through the applier with
// bounded, jittered retries. One coordinator runs per ledger database; all
// state transitions flow through the store's single write path.
package process

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
	defaultPollInterval  = 500 * time.Millisecond
	defaultBatchSize     = 100
	defaultMaxAttempts   = 10
	defaultRetryBase     = 100 * time.Millisecond
	defaultRetryCap      = 5 * time.Second
	fixedDelayAttempt    = 6
	defaultFailureBudget = 5 * time.Minute
)

// Config controls coordinator pacing and retry policy.
type Config struct {
	// PollInterval paces claim cycles when no wake signal arrives.
	PollInterval time.Duration
	// BatchSize bounds rows claimed per cycle.
	BatchSize int
	// MaxAttempts dead-letters a row once apply has failed this many times.
	MaxAttempts int
	// RetryBase and RetryCap shape the backoff between failed attempts.
	RetryBase time.Duration
	RetryCap  time.Duration
	// FailureBudget triggers an operator-visible alert when a row keeps
	// failing for longer than this since first arrival.
	FailureBudget time.Duration
	// Logf defaults to log.Printf.
	Logf func(format string, args ...any)
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaultRetryCap
	}
	if c.FailureBudget <= 0 {
		c.FailureBudget = defaultFailureBudget
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Coordinator claims due pending rows and applies them sequentially. Rows
// that keep failing walk the retry schedule until MaxAttempts, then move to
// dead_letter with the final error recorded.
type Coordinator struct {
	store   storage.ApplyStore
	applier domain.Applier
	wake    <-chan struct{}
	cfg     Config
	rng     *rand.Rand
	now     func() time.Time
}

// New wires a coordinator to its store and applier. wake may be nil; the
// poll interval then paces all work.
func New(store storage.ApplyStore, applier domain.Applier, wake <-chan struct{}, cfg Config) *Coordinator {
	return &Coordinator{
		store:   store,
		applier: applier,
		wake:    wake,
		cfg:     cfg.normalized(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run claims and applies rows until the context is canceled. An in-flight
// row finishes its attempt before Run returns; unclaimed rows stay pending
// for the next boot.
func (c *Coordinator) Run(ctx context.Context) error {
	if c == nil || c.store == nil || c.applier == nil {
		return fmt.Errorf("coordinator is not configured")
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := c.runCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.cfg.Logf("apply coordinator: cycle failed: %v", err)
		}
		if processed == c.cfg.BatchSize {
			// A full batch suggests more work is already due.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.wakeChan():
		}
	}
}

func (c *Coordinator) wakeChan() <-chan struct{} {
	if c.wake == nil {
		// A nil channel blocks forever, leaving the ticker in charge.
		return nil
	}
	return c.wake
}

// runCycle claims one batch of due rows and applies them in order. It returns
// the number of rows attempted.
func (c *Coordinator) runCycle(ctx context.Context) (int, error) {
	now := c.now()
	entries, err := c.store.DuePending(ctx, now, c.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due pending rows: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		c.applyOne(ctx, entry)
	}
	return len(entries), nil
}

func (c *Coordinator) applyOne(ctx context.Context, entry storage.LedgerEntry) {
	attempt := entry.ApplyAttemptCount + 1
	err := c.applier.Apply(ctx, domain.ApplyItem{
		LedgerID:      entry.LedgerID,
		SourceSystem:  entry.SourceSystem,
		SourceEventID: entry.SourceEventID,
		Attempt:       attempt,
		Payload:       entry.Envelope(),
	})
	if err == nil {
		applied, markErr := c.store.MarkProcessed(ctx, entry.LedgerID, c.now())
		if markErr != nil {
			c.cfg.Logf("apply coordinator: mark processed %d: %v", entry.LedgerID, markErr)
			return
		}
		if !applied {
			c.cfg.Logf("apply coordinator: row %d repended mid-apply; fresh payload applies next cycle", entry.LedgerID)
		}
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-attempt: the row stays pending and is retried on the
		// next boot.
		return
	}

	now := c.now()
	if age := now.Sub(entry.IngestFirstSeenAt); age > c.cfg.FailureBudget {
		c.cfg.Logf("apply coordinator: ALERT row %d (%s/%s) failing for %s, attempt %d: %v",
			entry.LedgerID, entry.SourceSystem, entry.SourceEventID, age.Round(time.Second), attempt, err)
	}

	if domain.IsPermanent(err) || attempt >= c.cfg.MaxAttempts {
		reason := fmt.Sprintf("attempt %d: %v", attempt, err)
		if markErr := c.store.MarkDeadLetter(ctx, entry.LedgerID, attempt, reason); markErr != nil {
			c.cfg.Logf("apply coordinator: mark dead letter %d: %v", entry.LedgerID, markErr)
			return
		}
		c.cfg.Logf("apply coordinator: row %d (%s/%s) dead-lettered after attempt %d: %v",
			entry.LedgerID, entry.SourceSystem, entry.SourceEventID, attempt, err)
		return
	}

	nextAttemptAt := now.Add(c.backoff(attempt))
	if markErr := c.store.MarkRetry(ctx, entry.LedgerID, attempt, nextAttemptAt); markErr != nil {
		c.cfg.Logf("apply coordinator: mark retry %d: %v", entry.LedgerID, markErr)
		return
	}
	c.cfg.Logf("apply coordinator: row %d attempt %d failed, retrying at %s: %v",
		entry.LedgerID, attempt, nextAttemptAt.Format(time.RFC3339), err)
}

// backoff returns the full-jitter delay after a failed attempt: the ceiling
// doubles from RetryBase and pins at RetryCap once the next attempt would be
// the sixth.
func (c *Coordinator) backoff(attempt int) time.Duration {
	ceiling := c.cfg.RetryCap
	if attempt+1 < fixedDelayAttempt {
		ceiling = c.cfg.RetryBase << (attempt - 1)
		if ceiling > c.cfg.RetryCap || ceiling <= 0 {
			ceiling = c.cfg.RetryCap
		}
	}
	return time.Duration(c.rng.Int63n(int64(ceiling))) + time.Millisecond
}
