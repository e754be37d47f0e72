package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

// DuePending returns pending rows whose retry schedule has elapsed, in the
// canonical apply order: producer sequence when present, then producer event
// time, then arrival order. Rows without a hint sort after rows that carry
// one; ledger_id is always the final tie-break.
func (s *Store) DuePending(ctx context.Context, now time.Time, limit int) ([]storage.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return []storage.LedgerEntry{}, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		selectEntrySQL+`
WHERE process_state = 'pending' AND next_attempt_at <= ?
ORDER BY (source_sequence IS NULL), source_sequence,
         (source_emitted_at IS NULL), source_emitted_at,
         ledger_id
LIMIT ?`,
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due pending rows: %w", err)
	}
	defer rows.Close()

	entries := make([]storage.LedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due pending rows: %w", err)
	}
	return entries, nil
}

// MarkProcessed transitions a pending row to processed. It reports false when
// the row was no longer pending, which happens when a redelivery re-pended it
// between claim and completion; the fresh payload is then applied on the next
// cycle instead.
func (s *Store) MarkProcessed(ctx context.Context, ledgerID int64, processedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE event_ledger
		 SET process_state = 'processed', process_error = NULL, processed_at = ?
		 WHERE ledger_id = ? AND process_state = 'pending'`,
		toMillis(processedAt),
		ledgerID,
	)
	if err != nil {
		return false, fmt.Errorf("mark processed %d: %w", ledgerID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed rows affected %d: %w", ledgerID, err)
	}
	return affected == 1, nil
}

// MarkRetry records a failed apply attempt and schedules the next one. The
// row stays pending; process_error is reserved for dead-letter per the row
// contract.
func (s *Store) MarkRetry(ctx context.Context, ledgerID int64, attemptCount int, nextAttemptAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE event_ledger
		 SET apply_attempt_count = ?, next_attempt_at = ?
		 WHERE ledger_id = ? AND process_state = 'pending'`,
		attemptCount,
		toMillis(nextAttemptAt),
		ledgerID,
	); err != nil {
		return fmt.Errorf("mark retry %d: %w", ledgerID, err)
	}
	return nil
}

// MarkDeadLetter quarantines a row after its apply retries are exhausted.
func (s *Store) MarkDeadLetter(ctx context.Context, ledgerID int64, attemptCount int, processError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(processError) == "" {
		processError = "apply failed"
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE event_ledger
		 SET process_state = 'dead_letter', process_error = ?, apply_attempt_count = ?
		 WHERE ledger_id = ? AND process_state = 'pending'`,
		processError,
		attemptCount,
		ledgerID,
	); err != nil {
		return fmt.Errorf("mark dead letter %d: %w", ledgerID, err)
	}
	return nil
}

// ResetToPending clears a dead-letter row back to pending. This is the only
// sanctioned path out of dead_letter and exists for operator use.
// Returns storage.ErrNotFound when no dead-letter row matches.
func (s *Store) ResetToPending(ctx context.Context, ledgerID int64) error {
	return s.resetToPending(ctx, `ledger_id = ?`, ledgerID)
}

// ResetToPendingByKey is ResetToPending addressed by natural key.
func (s *Store) ResetToPendingByKey(ctx context.Context, sourceSystem, sourceEventID string) error {
	return s.resetToPending(ctx, `source_system = ? AND source_event_id = ?`, sourceSystem, sourceEventID)
}

func (s *Store) resetToPending(ctx context.Context, where string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	query := `UPDATE event_ledger
	 SET process_state = 'pending', process_error = NULL, processed_at = NULL,
	     apply_attempt_count = 0, next_attempt_at = ?
	 WHERE process_state = 'dead_letter' AND ` + where

	result, err := s.sqlDB.ExecContext(ctx, query, append([]any{toMillis(time.Now().UTC())}, args...)...)
	if err != nil {
		return fmt.Errorf("reset to pending: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset to pending rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeadLetterEntries returns quarantined rows, oldest first.
func (s *Store) DeadLetterEntries(ctx context.Context, limit int) ([]storage.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return []storage.LedgerEntry{}, nil
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		selectEntrySQL+`
WHERE process_state = 'dead_letter'
ORDER BY ingest_first_seen_at, ledger_id
LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letter rows: %w", err)
	}
	defer rows.Close()

	entries := make([]storage.LedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter rows: %w", err)
	}
	return entries, nil
}

// PendingSummary reports queue depth by state and the oldest pending arrival.
func (s *Store) PendingSummary(ctx context.Context) (storage.PendingSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.PendingSummary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PendingSummary{}, fmt.Errorf("storage is not configured")
	}

	summary := storage.PendingSummary{}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT process_state, COUNT(*) FROM event_ledger GROUP BY process_state`,
	)
	if err != nil {
		return storage.PendingSummary{}, fmt.Errorf("query summary counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return storage.PendingSummary{}, fmt.Errorf("scan summary count: %w", err)
		}
		switch storage.ProcessState(state) {
		case storage.StatePending:
			summary.PendingCount = count
		case storage.StateDeadLetter:
			summary.DeadLetterCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.PendingSummary{}, fmt.Errorf("iterate summary counts: %w", err)
	}

	var oldest int64
	err = s.sqlDB.QueryRowContext(
		ctx,
		`SELECT ingest_first_seen_at FROM event_ledger
		 WHERE process_state = 'pending'
		 ORDER BY ingest_first_seen_at, ledger_id
		 LIMIT 1`,
	).Scan(&oldest)
	if err == nil {
		at := fromMillis(oldest)
		summary.OldestPendingAt = &at
		return summary, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return summary, nil
	}
	return storage.PendingSummary{}, fmt.Errorf("query oldest pending row: %w", err)
}
