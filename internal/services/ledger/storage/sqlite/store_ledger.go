package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

// UpsertEvent atomically records one delivery of an upstream event.
//
// First delivery inserts a pending row with ingest_attempt_count = 1. A
// redelivery refreshes the payload, bumps the attempt count, and re-pends the
// row so the changed payload is re-applied. Rows in dead_letter keep their
// state, error, and processed_at untouched: redelivery never resurrects a
// quarantined row.
func (s *Store) UpsertEvent(ctx context.Context, event domain.InboundEvent) (storage.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.UpsertResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.UpsertResult{}, fmt.Errorf("storage is not configured")
	}
	if err := event.Validate(); err != nil {
		return storage.UpsertResult{}, fmt.Errorf("validate inbound event: %w", err)
	}

	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	nowMillis := toMillis(receivedAt)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.UpsertResult{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	const upsertSQL = `
INSERT INTO event_ledger (
    source_system, source_event_id, source_sequence, source_emitted_at,
    payload_kind, payload_json, payload_sha256,
    ingest_first_seen_at, ingest_last_seen_at, ingest_attempt_count,
    process_state, process_error, processed_at,
    apply_attempt_count, next_attempt_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 'pending', NULL, NULL, 0, ?)
ON CONFLICT (source_system, source_event_id) DO UPDATE SET
    source_sequence = COALESCE(excluded.source_sequence, event_ledger.source_sequence),
    source_emitted_at = COALESCE(excluded.source_emitted_at, event_ledger.source_emitted_at),
    payload_kind = excluded.payload_kind,
    payload_json = excluded.payload_json,
    payload_sha256 = excluded.payload_sha256,
    ingest_last_seen_at = excluded.ingest_last_seen_at,
    ingest_attempt_count = event_ledger.ingest_attempt_count + 1,
    process_state = CASE
        WHEN event_ledger.process_state = 'dead_letter' THEN event_ledger.process_state
        ELSE 'pending'
    END,
    process_error = CASE
        WHEN event_ledger.process_state = 'dead_letter' THEN event_ledger.process_error
        ELSE NULL
    END,
    processed_at = CASE
        WHEN event_ledger.process_state = 'dead_letter' THEN event_ledger.processed_at
        ELSE NULL
    END,
    apply_attempt_count = CASE
        WHEN event_ledger.process_state = 'dead_letter' THEN event_ledger.apply_attempt_count
        ELSE 0
    END,
    next_attempt_at = CASE
        WHEN event_ledger.process_state = 'dead_letter' THEN event_ledger.next_attempt_at
        ELSE excluded.next_attempt_at
    END
`
	if _, err := tx.ExecContext(
		ctx,
		upsertSQL,
		event.SourceSystem,
		event.SourceEventID,
		toNullInt64(event.SourceSequence),
		toNullMillis(event.SourceEmittedAt),
		string(event.Payload.Kind),
		string(event.Payload.JSON),
		event.Payload.Digest,
		nowMillis,
		nowMillis,
		nowMillis,
	); err != nil {
		return storage.UpsertResult{}, fmt.Errorf("upsert event %s: %w", event.Key(), err)
	}

	var (
		attemptCount int
		state        string
	)
	if err := tx.QueryRowContext(
		ctx,
		`SELECT ingest_attempt_count, process_state FROM event_ledger
		 WHERE source_system = ? AND source_event_id = ?`,
		event.SourceSystem,
		event.SourceEventID,
	).Scan(&attemptCount, &state); err != nil {
		return storage.UpsertResult{}, fmt.Errorf("read back upserted event %s: %w", event.Key(), err)
	}

	if err := bumpCursor(ctx, tx, event, nowMillis); err != nil {
		return storage.UpsertResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.UpsertResult{}, fmt.Errorf("commit upsert tx: %w", err)
	}

	return storage.UpsertResult{
		Inserted:   attemptCount == 1,
		DeadLetter: storage.ProcessState(state) == storage.StateDeadLetter,
	}, nil
}

// bumpCursor advances the per-source resume cursor with the ordering hints the
// producer asserted. Events without hints leave the cursor untouched.
func bumpCursor(ctx context.Context, tx *sql.Tx, event domain.InboundEvent, nowMillis int64) error {
	if event.SourceSequence == nil && event.SourceEmittedAt == nil {
		return nil
	}

	var sequence int64
	if event.SourceSequence != nil {
		sequence = *event.SourceSequence
	}

	const cursorSQL = `
INSERT INTO ingest_cursors (source_system, last_sequence, last_emitted_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (source_system) DO UPDATE SET
    last_sequence = MAX(ingest_cursors.last_sequence, excluded.last_sequence),
    last_emitted_at = CASE
        WHEN excluded.last_emitted_at IS NULL THEN ingest_cursors.last_emitted_at
        WHEN ingest_cursors.last_emitted_at IS NULL THEN excluded.last_emitted_at
        ELSE MAX(ingest_cursors.last_emitted_at, excluded.last_emitted_at)
    END,
    updated_at = excluded.updated_at
`
	if _, err := tx.ExecContext(
		ctx,
		cursorSQL,
		event.SourceSystem,
		sequence,
		toNullMillis(event.SourceEmittedAt),
		nowMillis,
	); err != nil {
		return fmt.Errorf("bump ingest cursor %s: %w", event.SourceSystem, err)
	}
	return nil
}

// RecordPoison durably records an event the writer could not ledger. Poison
// rows exist so ingest failures are inspectable instead of silently dropped.
func (s *Store) RecordPoison(ctx context.Context, event domain.InboundEvent, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("poison reason is required")
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO ingest_poison_messages (source_system, source_event_id, reason, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullString(event.SourceSystem),
		nullString(event.SourceEventID),
		reason,
		nullString(string(event.Payload.JSON)),
		toMillis(time.Now().UTC()),
	); err != nil {
		return fmt.Errorf("record poison message: %w", err)
	}
	return nil
}

// ListPoisonMessages returns the most recent poison rows, newest first.
func (s *Store) ListPoisonMessages(ctx context.Context, limit int) ([]storage.PoisonMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return []storage.PoisonMessage{}, nil
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT poison_id, source_system, source_event_id, reason, payload_json, created_at
		 FROM ingest_poison_messages
		 ORDER BY poison_id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list poison messages: %w", err)
	}
	defer rows.Close()

	messages := make([]storage.PoisonMessage, 0, limit)
	for rows.Next() {
		var (
			message       storage.PoisonMessage
			sourceSystem  sql.NullString
			sourceEventID sql.NullString
			payloadJSON   sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(&message.PoisonID, &sourceSystem, &sourceEventID, &message.Reason, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan poison message: %w", err)
		}
		message.SourceSystem = sourceSystem.String
		message.SourceEventID = sourceEventID.String
		if payloadJSON.Valid {
			message.PayloadJSON = []byte(payloadJSON.String)
		}
		message.CreatedAt = fromMillis(createdAt)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poison messages: %w", err)
	}
	return messages, nil
}

// Entry returns the ledger row for a natural key.
// Returns storage.ErrNotFound when no row exists.
func (s *Store) Entry(ctx context.Context, sourceSystem, sourceEventID string) (storage.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return storage.LedgerEntry{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.LedgerEntry{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		selectEntrySQL+` WHERE source_system = ? AND source_event_id = ?`,
		sourceSystem,
		sourceEventID,
	)
	return scanEntryRow(row)
}

// EntryByLedgerID returns the ledger row for a surrogate key.
// Returns storage.ErrNotFound when no row exists.
func (s *Store) EntryByLedgerID(ctx context.Context, ledgerID int64) (storage.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return storage.LedgerEntry{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.LedgerEntry{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, selectEntrySQL+` WHERE ledger_id = ?`, ledgerID)
	return scanEntryRow(row)
}

// Cursor returns the resume cursor for a source system.
// Returns storage.ErrNotFound when the source has no cursor yet.
func (s *Store) Cursor(ctx context.Context, sourceSystem string) (storage.IngestCursor, error) {
	if err := ctx.Err(); err != nil {
		return storage.IngestCursor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IngestCursor{}, fmt.Errorf("storage is not configured")
	}

	var (
		cursor        storage.IngestCursor
		lastEmittedAt sql.NullInt64
		updatedAt     int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT source_system, last_sequence, last_emitted_at, updated_at
		 FROM ingest_cursors WHERE source_system = ?`,
		sourceSystem,
	).Scan(&cursor.SourceSystem, &cursor.LastSequence, &lastEmittedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.IngestCursor{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.IngestCursor{}, fmt.Errorf("get ingest cursor: %w", err)
	}
	cursor.LastEmittedAt = fromNullMillis(lastEmittedAt)
	cursor.UpdatedAt = fromMillis(updatedAt)
	return cursor, nil
}

// ListCursors returns all resume cursors ordered by source system.
func (s *Store) ListCursors(ctx context.Context) ([]storage.IngestCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT source_system, last_sequence, last_emitted_at, updated_at
		 FROM ingest_cursors ORDER BY source_system`,
	)
	if err != nil {
		return nil, fmt.Errorf("list ingest cursors: %w", err)
	}
	defer rows.Close()

	var cursors []storage.IngestCursor
	for rows.Next() {
		var (
			cursor        storage.IngestCursor
			lastEmittedAt sql.NullInt64
			updatedAt     int64
		)
		if err := rows.Scan(&cursor.SourceSystem, &cursor.LastSequence, &lastEmittedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan ingest cursor: %w", err)
		}
		cursor.LastEmittedAt = fromNullMillis(lastEmittedAt)
		cursor.UpdatedAt = fromMillis(updatedAt)
		cursors = append(cursors, cursor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingest cursors: %w", err)
	}
	return cursors, nil
}

const selectEntrySQL = `
SELECT ledger_id, source_system, source_event_id, source_sequence, source_emitted_at,
       payload_kind, payload_json, payload_sha256,
       ingest_first_seen_at, ingest_last_seen_at, ingest_attempt_count,
       process_state, process_error, processed_at,
       apply_attempt_count, next_attempt_at
FROM event_ledger`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(row rowScanner) (storage.LedgerEntry, error) {
	var (
		entry           storage.LedgerEntry
		sourceSequence  sql.NullInt64
		sourceEmittedAt sql.NullInt64
		payloadKind     string
		payloadJSON     string
		firstSeenAt     int64
		lastSeenAt      int64
		processState    string
		processError    sql.NullString
		processedAt     sql.NullInt64
		nextAttemptAt   int64
	)
	err := row.Scan(
		&entry.LedgerID,
		&entry.SourceSystem,
		&entry.SourceEventID,
		&sourceSequence,
		&sourceEmittedAt,
		&payloadKind,
		&payloadJSON,
		&entry.PayloadDigest,
		&firstSeenAt,
		&lastSeenAt,
		&entry.IngestAttemptCount,
		&processState,
		&processError,
		&processedAt,
		&entry.ApplyAttemptCount,
		&nextAttemptAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LedgerEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LedgerEntry{}, fmt.Errorf("scan ledger entry: %w", err)
	}

	entry.SourceSequence = fromNullInt64(sourceSequence)
	entry.SourceEmittedAt = fromNullMillis(sourceEmittedAt)
	entry.PayloadKind = domain.Kind(payloadKind)
	entry.PayloadJSON = []byte(payloadJSON)
	entry.IngestFirstSeenAt = fromMillis(firstSeenAt)
	entry.IngestLastSeenAt = fromMillis(lastSeenAt)
	entry.ProcessState = storage.ProcessState(processState)
	if processError.Valid {
		entry.ProcessError = processError.String
	}
	entry.ProcessedAt = fromNullMillis(processedAt)
	entry.NextAttemptAt = fromMillis(nextAttemptAt)
	return entry, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
