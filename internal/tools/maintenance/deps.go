package maintenance

import (
	"context"

	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

// closableLedgerStore is the slice of the ledger store the maintenance
// command needs, plus Close for resource cleanup.
type closableLedgerStore interface {
	PendingSummary(ctx context.Context) (storage.PendingSummary, error)
	DeadLetterEntries(ctx context.Context, limit int) ([]storage.LedgerEntry, error)
	ListPoisonMessages(ctx context.Context, limit int) ([]storage.PoisonMessage, error)
	ListCursors(ctx context.Context) ([]storage.IngestCursor, error)
	LastRehydrationRun(ctx context.Context) (storage.RehydrationRun, error)
	ResetToPending(ctx context.Context, ledgerID int64) error
	ResetToPendingByKey(ctx context.Context, sourceSystem, sourceEventID string) error
	Close() error
}
