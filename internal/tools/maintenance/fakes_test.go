package maintenance

import (
	"context"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

type fakeLedgerStore struct {
	summary     storage.PendingSummary
	summaryErr  error
	deadLetters []storage.LedgerEntry
	poison      []storage.PoisonMessage
	cursors     []storage.IngestCursor
	lastRun     storage.RehydrationRun
	lastRunErr  error

	resetIDs   []int64
	resetKeys  [][2]string
	resetErr   error
	closed     bool
	closeErr   error
	limitsSeen []int
}

func (f *fakeLedgerStore) PendingSummary(context.Context) (storage.PendingSummary, error) {
	return f.summary, f.summaryErr
}

func (f *fakeLedgerStore) DeadLetterEntries(_ context.Context, limit int) ([]storage.LedgerEntry, error) {
	f.limitsSeen = append(f.limitsSeen, limit)
	return f.deadLetters, nil
}

func (f *fakeLedgerStore) ListPoisonMessages(_ context.Context, limit int) ([]storage.PoisonMessage, error) {
	f.limitsSeen = append(f.limitsSeen, limit)
	return f.poison, nil
}

func (f *fakeLedgerStore) ListCursors(context.Context) ([]storage.IngestCursor, error) {
	return f.cursors, nil
}

func (f *fakeLedgerStore) LastRehydrationRun(context.Context) (storage.RehydrationRun, error) {
	if f.lastRunErr != nil {
		return storage.RehydrationRun{}, f.lastRunErr
	}
	return f.lastRun, nil
}

func (f *fakeLedgerStore) ResetToPending(_ context.Context, ledgerID int64) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resetIDs = append(f.resetIDs, ledgerID)
	return nil
}

func (f *fakeLedgerStore) ResetToPendingByKey(_ context.Context, sourceSystem, sourceEventID string) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resetKeys = append(f.resetKeys, [2]string{sourceSystem, sourceEventID})
	return nil
}

func (f *fakeLedgerStore) Close() error {
	f.closed = true
	return f.closeErr
}

func timeRef(t time.Time) *time.Time {
	return &t
}
