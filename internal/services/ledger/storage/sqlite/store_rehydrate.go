package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

// requiredTableColumns is the schema surface this build depends on. Boot
// refuses to proceed when any of it is missing so a partially-migrated or
// foreign database never reaches the writer.
var requiredTableColumns = map[string][]string{
	"event_ledger": {
		"ledger_id",
		"source_system",
		"source_event_id",
		"source_sequence",
		"source_emitted_at",
		"payload_kind",
		"payload_json",
		"payload_sha256",
		"ingest_first_seen_at",
		"ingest_last_seen_at",
		"ingest_attempt_count",
		"process_state",
		"process_error",
		"processed_at",
		"apply_attempt_count",
		"next_attempt_at",
	},
	"ingest_poison_messages": {"poison_id", "source_system", "source_event_id", "reason", "payload_json", "created_at"},
	"ingest_cursors":         {"source_system", "last_sequence", "last_emitted_at", "updated_at"},
	"state_orders":           {"order_id", "payload_json", "payload_sha256", "state", "updated_at"},
	"state_positions":        {"position_key", "payload_json", "payload_sha256", "updated_at"},
	"rehydration_runs":       {"run_id", "boot_id", "started_at", "completed_at", "status", "drift_count", "error"},
}

// VerifyRuntimePragmas reasserts the runtime configuration the ledger
// requires: WAL journaling for concurrent readers and enforced foreign keys.
func (s *Store) VerifyRuntimePragmas(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	var journalMode string
	if err := s.sqlDB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("read journal_mode pragma: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("journal_mode mismatch: expected wal, got %s", strings.ToLower(journalMode))
	}

	var foreignKeys int
	if err := s.sqlDB.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		return fmt.Errorf("read foreign_keys pragma: %w", err)
	}
	if foreignKeys != 1 {
		return fmt.Errorf("foreign_keys must be ON")
	}
	return nil
}

// VerifySchema fails fast when required tables or columns are missing.
func (s *Store) VerifySchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tables := make([]string, 0, len(requiredTableColumns))
	for table := range requiredTableColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		columns, err := s.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}

		var missing []string
		for _, required := range requiredTableColumns[table] {
			if _, ok := columns[required]; !ok {
				missing = append(missing, required)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("schema mismatch for %s; missing columns: %s", table, strings.Join(missing, ", "))
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.sqlDB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]struct{})
	for rows.Next() {
		var (
			cid          int
			name         string
			colType      string
			notNull      int
			defaultValue sql.NullString
			pk           int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read table info %s: %w", table, err)
	}
	return columns, nil
}

// RecordRehydrationRun upserts the outcome of one boot rehydration pass.
func (s *Store) RecordRehydrationRun(ctx context.Context, run storage.RehydrationRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(run.BootID) == "" {
		return fmt.Errorf("boot id is required")
	}
	if run.CompletedAt.IsZero() {
		run.CompletedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rehydration_runs (boot_id, started_at, completed_at, status, drift_count, error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (boot_id) DO UPDATE SET
		     completed_at = excluded.completed_at,
		     status = excluded.status,
		     drift_count = excluded.drift_count,
		     error = excluded.error`,
		run.BootID,
		toMillis(run.StartedAt),
		toMillis(run.CompletedAt),
		run.Status,
		run.DriftCount,
		nullString(run.Error),
	); err != nil {
		return fmt.Errorf("record rehydration run: %w", err)
	}
	return nil
}

// LastRehydrationRun returns the most recent rehydration run.
// Returns storage.ErrNotFound when no run was recorded yet.
func (s *Store) LastRehydrationRun(ctx context.Context) (storage.RehydrationRun, error) {
	if err := ctx.Err(); err != nil {
		return storage.RehydrationRun{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RehydrationRun{}, fmt.Errorf("storage is not configured")
	}

	var (
		run         storage.RehydrationRun
		startedAt   int64
		completedAt int64
		runError    sql.NullString
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT run_id, boot_id, started_at, completed_at, status, drift_count, error
		 FROM rehydration_runs ORDER BY run_id DESC LIMIT 1`,
	).Scan(&run.RunID, &run.BootID, &startedAt, &completedAt, &run.Status, &run.DriftCount, &runError)
	if err == sql.ErrNoRows {
		return storage.RehydrationRun{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RehydrationRun{}, fmt.Errorf("get last rehydration run: %w", err)
	}
	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = fromMillis(completedAt)
	if runError.Valid {
		run.Error = runError.String
	}
	return run, nil
}

// UpsertStateOrder replaces the derived state for one order.
func (s *Store) UpsertStateOrder(ctx context.Context, order storage.StateOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(order.OrderID) == "" {
		return fmt.Errorf("order id is required")
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO state_orders (order_id, payload_json, payload_sha256, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (order_id) DO UPDATE SET
		     payload_json = excluded.payload_json,
		     payload_sha256 = excluded.payload_sha256,
		     state = excluded.state,
		     updated_at = excluded.updated_at`,
		order.OrderID,
		string(order.PayloadJSON),
		order.PayloadDigest,
		order.State,
		toMillis(order.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert state order %s: %w", order.OrderID, err)
	}
	return nil
}

// MarkStateOrderClosed marks an order closed without touching its payload.
func (s *Store) MarkStateOrderClosed(ctx context.Context, orderID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE state_orders SET state = 'closed', updated_at = ? WHERE order_id = ?`,
		toMillis(at),
		orderID,
	); err != nil {
		return fmt.Errorf("mark state order closed %s: %w", orderID, err)
	}
	return nil
}

// ListStateOrders returns all derived order state ordered by order id.
func (s *Store) ListStateOrders(ctx context.Context) ([]storage.StateOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT order_id, payload_json, payload_sha256, state, updated_at
		 FROM state_orders ORDER BY order_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list state orders: %w", err)
	}
	defer rows.Close()

	var orders []storage.StateOrder
	for rows.Next() {
		var (
			order       storage.StateOrder
			payloadJSON string
			updatedAt   int64
		)
		if err := rows.Scan(&order.OrderID, &payloadJSON, &order.PayloadDigest, &order.State, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan state order: %w", err)
		}
		order.PayloadJSON = []byte(payloadJSON)
		order.UpdatedAt = fromMillis(updatedAt)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state orders: %w", err)
	}
	return orders, nil
}

// UpsertStatePosition replaces the derived state for one position key.
func (s *Store) UpsertStatePosition(ctx context.Context, position storage.StatePosition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(position.PositionKey) == "" {
		return fmt.Errorf("position key is required")
	}
	if position.UpdatedAt.IsZero() {
		position.UpdatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO state_positions (position_key, payload_json, payload_sha256, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (position_key) DO UPDATE SET
		     payload_json = excluded.payload_json,
		     payload_sha256 = excluded.payload_sha256,
		     updated_at = excluded.updated_at`,
		position.PositionKey,
		string(position.PayloadJSON),
		position.PayloadDigest,
		toMillis(position.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert state position %s: %w", position.PositionKey, err)
	}
	return nil
}

// DeleteStatePosition removes a position no longer reported by the exchange.
func (s *Store) DeleteStatePosition(ctx context.Context, positionKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM state_positions WHERE position_key = ?`,
		positionKey,
	); err != nil {
		return fmt.Errorf("delete state position %s: %w", positionKey, err)
	}
	return nil
}

// ListStatePositions returns all derived positions ordered by key.
func (s *Store) ListStatePositions(ctx context.Context) ([]storage.StatePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT position_key, payload_json, payload_sha256, updated_at
		 FROM state_positions ORDER BY position_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list state positions: %w", err)
	}
	defer rows.Close()

	var positions []storage.StatePosition
	for rows.Next() {
		var (
			position    storage.StatePosition
			payloadJSON string
			updatedAt   int64
		)
		if err := rows.Scan(&position.PositionKey, &payloadJSON, &position.PayloadDigest, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan state position: %w", err)
		}
		position.PayloadJSON = []byte(payloadJSON)
		position.UpdatedAt = fromMillis(updatedAt)
		positions = append(positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state positions: %w", err)
	}
	return positions, nil
}
