package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

var errContention = fmt.Errorf("database is locked")

type fakeLedgerWriter struct {
	mu            sync.Mutex
	upserts       []domain.InboundEvent
	poisons       []string
	transientLeft int
	failWith      error
	deadLetter    bool
}

func (f *fakeLedgerWriter) UpsertEvent(_ context.Context, event domain.InboundEvent) (storage.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transientLeft > 0 {
		f.transientLeft--
		return storage.UpsertResult{}, errContention
	}
	if f.failWith != nil {
		return storage.UpsertResult{}, f.failWith
	}
	f.upserts = append(f.upserts, event)
	return storage.UpsertResult{Inserted: len(f.upserts) == 1, DeadLetter: f.deadLetter}, nil
}

func (f *fakeLedgerWriter) RecordPoison(_ context.Context, _ domain.InboundEvent, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poisons = append(f.poisons, reason)
	return nil
}

func (f *fakeLedgerWriter) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts), append([]string(nil), f.poisons...)
}

func runWriterUntilDrained(t *testing.T, queue *Queue, writer *Writer) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- writer.Run(context.Background())
	}()
	queue.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("writer run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not drain in time")
	}
}

func TestWriterUpsertsQueuedEvents(t *testing.T) {
	queue := NewQueue(8)
	store := &fakeLedgerWriter{}
	wake := make(chan struct{}, 8)
	writer := NewWriter(queue, store, WriterConfig{
		Wake: wake,
		Logf: t.Logf,
	})

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if err := queue.Enqueue(context.Background(), queueEvent(t, id), 0); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	runWriterUntilDrained(t, queue, writer)

	upserts, poisons := store.snapshot()
	if upserts != 3 {
		t.Fatalf("expected three upserts, got %d", upserts)
	}
	if len(poisons) != 0 {
		t.Fatalf("expected no poison messages, got %v", poisons)
	}
	if len(wake) == 0 {
		t.Fatal("expected wake signal after successful upserts")
	}
}

func TestWriterPoisonsInvalidEvents(t *testing.T) {
	queue := NewQueue(4)
	store := &fakeLedgerWriter{}
	writer := NewWriter(queue, store, WriterConfig{Logf: t.Logf})

	bad := queueEvent(t, "evt-bad")
	bad.SourceEventID = ""
	if err := queue.Enqueue(context.Background(), bad, 0); err != nil {
		t.Fatalf("enqueue invalid event: %v", err)
	}
	runWriterUntilDrained(t, queue, writer)

	upserts, poisons := store.snapshot()
	if upserts != 0 {
		t.Fatalf("expected no upserts for invalid event, got %d", upserts)
	}
	if len(poisons) != 1 || !strings.Contains(poisons[0], "invalid event") {
		t.Fatalf("expected invalid-event poison, got %v", poisons)
	}
}

func TestWriterRetriesTransientErrors(t *testing.T) {
	queue := NewQueue(4)
	store := &fakeLedgerWriter{transientLeft: 2}
	writer := NewWriter(queue, store, WriterConfig{
		LockRetryLimit: 5,
		RetryBase:      time.Millisecond,
		RetryCap:       2 * time.Millisecond,
		IsTransient:    func(err error) bool { return err == errContention },
		Logf:           t.Logf,
	})

	if err := queue.Enqueue(context.Background(), queueEvent(t, "evt-retry"), 0); err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	runWriterUntilDrained(t, queue, writer)

	upserts, poisons := store.snapshot()
	if upserts != 1 {
		t.Fatalf("expected the upsert to eventually land, got %d", upserts)
	}
	if len(poisons) != 0 {
		t.Fatalf("expected no poison messages, got %v", poisons)
	}
}

func TestWriterPoisonsAfterRetryExhaustion(t *testing.T) {
	queue := NewQueue(4)
	store := &fakeLedgerWriter{transientLeft: 100}
	writer := NewWriter(queue, store, WriterConfig{
		LockRetryLimit: 2,
		RetryBase:      time.Millisecond,
		RetryCap:       2 * time.Millisecond,
		IsTransient:    func(err error) bool { return err == errContention },
		Logf:           t.Logf,
	})

	if err := queue.Enqueue(context.Background(), queueEvent(t, "evt-exhausted"), 0); err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	runWriterUntilDrained(t, queue, writer)

	_, poisons := store.snapshot()
	if len(poisons) != 1 || !strings.Contains(poisons[0], "retries exhausted") {
		t.Fatalf("expected retry-exhaustion poison, got %v", poisons)
	}
}

func TestWriterPoisonsNonTransientErrorsImmediately(t *testing.T) {
	queue := NewQueue(4)
	store := &fakeLedgerWriter{failWith: fmt.Errorf("malformed payload column")}
	writer := NewWriter(queue, store, WriterConfig{
		IsTransient: func(error) bool { return false },
		Logf:        t.Logf,
	})

	if err := queue.Enqueue(context.Background(), queueEvent(t, "evt-broken"), 0); err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	runWriterUntilDrained(t, queue, writer)

	_, poisons := store.snapshot()
	if len(poisons) != 1 || !strings.Contains(poisons[0], "malformed payload column") {
		t.Fatalf("expected immediate poison with cause, got %v", poisons)
	}
}

func TestWriterSkipsWakeForQuarantinedRedelivery(t *testing.T) {
	queue := NewQueue(4)
	store := &fakeLedgerWriter{deadLetter: true}
	wake := make(chan struct{}, 4)
	writer := NewWriter(queue, store, WriterConfig{Wake: wake, Logf: t.Logf})

	if err := queue.Enqueue(context.Background(), queueEvent(t, "evt-quarantined"), 0); err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	runWriterUntilDrained(t, queue, writer)

	upserts, _ := store.snapshot()
	if upserts != 1 {
		t.Fatalf("expected payload refresh upsert, got %d", upserts)
	}
	if len(wake) != 0 {
		t.Fatal("expected no wake signal for quarantined redelivery")
	}
}

func TestWriterStopsOnContextCancel(t *testing.T) {
	queue := NewQueue(4)
	store := &fakeLedgerWriter{}
	writer := NewWriter(queue, store, WriterConfig{Logf: t.Logf})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- writer.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop on cancel")
	}
}

func TestWriterBackoffStaysWithinCap(t *testing.T) {
	writer := NewWriter(NewQueue(1), &fakeLedgerWriter{}, WriterConfig{
		RetryBase: 100 * time.Millisecond,
		RetryCap:  5 * time.Second,
	})

	for attempt := 1; attempt <= 10; attempt++ {
		delay := writer.backoff(attempt)
		if delay <= 0 {
			t.Fatalf("attempt %d: expected positive delay, got %s", attempt, delay)
		}
		if delay > 5*time.Second+time.Millisecond {
			t.Fatalf("attempt %d: expected delay within cap, got %s", attempt, delay)
		}
	}
}
