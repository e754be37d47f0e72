// Package storage defines the durable records and store contracts for the
// ingestion ledger.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ProcessState is the ledger row lifecycle state.
type ProcessState string

const (
	// StatePending marks rows awaiting domain application.
	StatePending ProcessState = "pending"
	// StateProcessed marks rows applied successfully. Terminal until a
	// redelivery with fresh payload re-pends the row.
	StateProcessed ProcessState = "processed"
	// StateDeadLetter marks rows that exhausted apply retries. Sticky: only
	// an explicit operator reset leaves this state.
	StateDeadLetter ProcessState = "dead_letter"
)

// LedgerEntry is one durable row of the event ledger.
type LedgerEntry struct {
	LedgerID           int64
	SourceSystem       string
	SourceEventID      string
	SourceSequence     *int64
	SourceEmittedAt    *time.Time
	PayloadKind        domain.Kind
	PayloadJSON        []byte
	PayloadDigest      string
	IngestFirstSeenAt  time.Time
	IngestLastSeenAt   time.Time
	IngestAttemptCount int
	ProcessState       ProcessState
	ProcessError       string
	ProcessedAt        *time.Time
	ApplyAttemptCount  int
	NextAttemptAt      time.Time
}

// Envelope reconstructs the payload envelope stored on the entry.
func (e LedgerEntry) Envelope() domain.Envelope {
	return domain.Envelope{
		Kind:   e.PayloadKind,
		JSON:   append([]byte(nil), e.PayloadJSON...),
		Digest: e.PayloadDigest,
	}
}

// UpsertResult reports how an idempotent upsert resolved.
type UpsertResult struct {
	Inserted   bool
	DeadLetter bool
}

// PendingSummary is the boot-time observability snapshot of unfinished work.
type PendingSummary struct {
	PendingCount    int
	DeadLetterCount int
	OldestPendingAt *time.Time
}

// OldestPendingAge returns the age of the oldest pending row at now, or zero
// when nothing is pending.
func (s PendingSummary) OldestPendingAge(now time.Time) time.Duration {
	if s.OldestPendingAt == nil {
		return 0
	}
	age := now.Sub(*s.OldestPendingAt)
	if age < 0 {
		return 0
	}
	return age
}

// IngestCursor is the per-source resume point for producers with resumable
// streams.
type IngestCursor struct {
	SourceSystem  string
	LastSequence  int64
	LastEmittedAt *time.Time
	UpdatedAt     time.Time
}

// PoisonMessage records an event the writer accepted but could not ledger.
type PoisonMessage struct {
	PoisonID      int64
	SourceSystem  string
	SourceEventID string
	Reason        string
	PayloadJSON   []byte
	CreatedAt     time.Time
}

// RehydrationRun records one boot-time rehydration pass.
type RehydrationRun struct {
	RunID       int64
	BootID      string
	StartedAt   time.Time
	CompletedAt time.Time
	Status      string
	DriftCount  int
	Error       string
}

// StateOrder is the derived open-order state maintained by rehydration and
// the apply layer.
type StateOrder struct {
	OrderID       string
	PayloadJSON   []byte
	PayloadDigest string
	State         string
	UpdatedAt     time.Time
}

// StatePosition is the derived position state keyed by market and side.
type StatePosition struct {
	PositionKey   string
	PayloadJSON   []byte
	PayloadDigest string
	UpdatedAt     time.Time
}

// LedgerWriter is the ingest-side mutation contract. Exactly one goroutine
// (the writer loop) may call these methods.
type LedgerWriter interface {
	UpsertEvent(ctx context.Context, event domain.InboundEvent) (UpsertResult, error)
	RecordPoison(ctx context.Context, event domain.InboundEvent, reason string) error
}

// ApplyStore is the coordinator-side contract for pending-row transitions.
type ApplyStore interface {
	DuePending(ctx context.Context, now time.Time, limit int) ([]LedgerEntry, error)
	MarkProcessed(ctx context.Context, ledgerID int64, processedAt time.Time) (bool, error)
	MarkRetry(ctx context.Context, ledgerID int64, attemptCount int, nextAttemptAt time.Time) error
	MarkDeadLetter(ctx context.Context, ledgerID int64, attemptCount int, processError string) error
}

// CursorStore persists per-source resume cursors.
type CursorStore interface {
	Cursor(ctx context.Context, sourceSystem string) (IngestCursor, error)
	ListCursors(ctx context.Context) ([]IngestCursor, error)
}
