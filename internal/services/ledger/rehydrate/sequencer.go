package rehydrate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

// Store is the storage surface rehydration needs. The sqlite store satisfies
// it in full.
type Store interface {
	VerifyRuntimePragmas(ctx context.Context) error
	VerifySchema(ctx context.Context) error
	ListCursors(ctx context.Context) ([]storage.IngestCursor, error)
	PendingSummary(ctx context.Context) (storage.PendingSummary, error)
	RecordRehydrationRun(ctx context.Context, run storage.RehydrationRun) error

	ListStateOrders(ctx context.Context) ([]storage.StateOrder, error)
	UpsertStateOrder(ctx context.Context, order storage.StateOrder) error
	MarkStateOrderClosed(ctx context.Context, orderID string, at time.Time) error
	ListStatePositions(ctx context.Context) ([]storage.StatePosition, error)
	UpsertStatePosition(ctx context.Context, position storage.StatePosition) error
	DeleteStatePosition(ctx context.Context, positionKey string) error

	UpsertEvent(ctx context.Context, event domain.InboundEvent) (storage.UpsertResult, error)
}

// AccountSnapshot is the exchange's authoritative view of open orders and
// positions at one instant.
type AccountSnapshot struct {
	Orders    []domain.OrderUpdate
	Positions []domain.PositionUpdate
}

// AccountReader fetches the account snapshot used for drift reconciliation.
type AccountReader interface {
	AccountSnapshot(ctx context.Context) (AccountSnapshot, error)
}

// Config controls one rehydration pass.
type Config struct {
	// BootID identifies this boot in rehydration_runs. Required.
	BootID string
	// Reader is optional; without it reconciliation is skipped.
	Reader AccountReader
	// Logf defaults to log.Printf.
	Logf func(format string, args ...any)
}

// BootReport summarizes a completed rehydration pass.
type BootReport struct {
	BootID          string
	Cursors         []storage.IngestCursor
	PendingCount    int
	DeadLetterCount int
	OldestPending   time.Duration
	DriftCount      int
	Duration        time.Duration
}

// Sequencer runs the boot-time recovery steps in order.
type Sequencer struct {
	store Store
	gate  *Gate
	cfg   Config
	now   func() time.Time
}

// NewSequencer wires a sequencer to its store and gate.
func NewSequencer(store Store, gate *Gate, cfg Config) *Sequencer {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Sequencer{
		store: store,
		gate:  gate,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the rehydration sequence. Any failure leaves the gate
// not-ready, records the failed run, and aborts boot; the caller must not
// start writers after an error.
func (s *Sequencer) Run(ctx context.Context) (BootReport, error) {
	if s == nil || s.store == nil {
		return BootReport{}, fmt.Errorf("sequencer is not configured")
	}
	if s.cfg.BootID == "" {
		return BootReport{}, fmt.Errorf("boot id is required")
	}

	started := s.now()
	report, err := s.run(ctx, started)
	if err != nil {
		s.gate.MarkNotReady(err)
		if recordErr := s.store.RecordRehydrationRun(ctx, storage.RehydrationRun{
			BootID:      s.cfg.BootID,
			StartedAt:   started,
			CompletedAt: s.now(),
			Status:      "failed",
			DriftCount:  report.DriftCount,
			Error:       err.Error(),
		}); recordErr != nil {
			s.cfg.Logf("rehydrate: record failed run: %v", recordErr)
		}
		return BootReport{}, err
	}

	completed := s.now()
	report.Duration = completed.Sub(started)
	if err := s.store.RecordRehydrationRun(ctx, storage.RehydrationRun{
		BootID:      s.cfg.BootID,
		StartedAt:   started,
		CompletedAt: completed,
		Status:      "completed",
		DriftCount:  report.DriftCount,
	}); err != nil {
		s.gate.MarkNotReady(err)
		return BootReport{}, fmt.Errorf("record rehydration run: %w", err)
	}

	s.gate.MarkReady(completed)
	s.cfg.Logf("rehydrate: boot %s ready in %s (pending=%d dead_letter=%d drift=%d)",
		report.BootID, report.Duration.Round(time.Millisecond),
		report.PendingCount, report.DeadLetterCount, report.DriftCount)
	return report, nil
}

func (s *Sequencer) run(ctx context.Context, started time.Time) (BootReport, error) {
	report := BootReport{BootID: s.cfg.BootID}

	if err := s.store.VerifyRuntimePragmas(ctx); err != nil {
		return report, fmt.Errorf("verify runtime pragmas: %w", err)
	}
	if err := s.store.VerifySchema(ctx); err != nil {
		return report, fmt.Errorf("verify schema: %w", err)
	}

	cursors, err := s.store.ListCursors(ctx)
	if err != nil {
		return report, fmt.Errorf("load ingest cursors: %w", err)
	}
	report.Cursors = cursors
	for _, cursor := range cursors {
		s.cfg.Logf("rehydrate: cursor %s resumes at sequence %d", cursor.SourceSystem, cursor.LastSequence)
	}

	summary, err := s.store.PendingSummary(ctx)
	if err != nil {
		return report, fmt.Errorf("load pending summary: %w", err)
	}
	report.PendingCount = summary.PendingCount
	report.DeadLetterCount = summary.DeadLetterCount
	report.OldestPending = summary.OldestPendingAge(started)
	s.cfg.Logf("rehydrate: %d pending rows (oldest %s), %d dead-letter rows",
		summary.PendingCount, report.OldestPending.Round(time.Second), summary.DeadLetterCount)

	if s.cfg.Reader != nil {
		drift, err := s.reconcile(ctx)
		if err != nil {
			return report, fmt.Errorf("reconcile account state: %w", err)
		}
		report.DriftCount = drift
	}
	return report, nil
}
