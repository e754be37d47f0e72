package rehydrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

// Drift reasons recorded in the ledger when local state disagrees with the
// exchange snapshot.
const (
	DriftOrderMissingLocal    = "order_missing_local"
	DriftOrderMismatch        = "order_mismatch"
	DriftOrderMissingExchange = "order_missing_exchange"
	DriftPositionMissingLocal = "position_missing_local"
	DriftPositionMismatch     = "position_mismatch"
	DriftPositionStale        = "position_stale"
)

// DriftRecord is the ledgered audit payload for one reconciliation fix.
type DriftRecord struct {
	Reason      string          `json:"reason"`
	OrderID     string          `json:"order_id,omitempty"`
	PositionKey string          `json:"position_key,omitempty"`
	Observed    json.RawMessage `json:"observed,omitempty"`
}

// reconcile fixes derived state against the exchange snapshot and ledgers one
// drift event per fix. Drift events use deterministic natural keys so running
// reconciliation twice over the same disagreement stays a single ledger row.
func (s *Sequencer) reconcile(ctx context.Context) (int, error) {
	snapshot, err := s.cfg.Reader.AccountSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch account snapshot: %w", err)
	}

	drift := 0
	orderDrift, err := s.reconcileOrders(ctx, snapshot.Orders)
	if err != nil {
		return drift, err
	}
	drift += orderDrift

	positionDrift, err := s.reconcilePositions(ctx, snapshot.Positions)
	if err != nil {
		return drift, err
	}
	drift += positionDrift
	return drift, nil
}

func (s *Sequencer) reconcileOrders(ctx context.Context, exchangeOrders []domain.OrderUpdate) (int, error) {
	local, err := s.store.ListStateOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list local orders: %w", err)
	}
	localByID := make(map[string]storage.StateOrder, len(local))
	for _, order := range local {
		localByID[order.OrderID] = order
	}

	drift := 0
	seen := make(map[string]struct{}, len(exchangeOrders))
	for _, update := range exchangeOrders {
		if update.OrderID == "" {
			continue
		}
		seen[update.OrderID] = struct{}{}

		status := update.LifecycleStatus()
		if status.Terminal() {
			continue
		}

		envelope, err := domain.NewEnvelope(domain.KindOrderUpdate, update)
		if err != nil {
			return drift, fmt.Errorf("encode exchange order %s: %w", update.OrderID, err)
		}

		existing, known := localByID[update.OrderID]
		reason := ""
		switch {
		case !known:
			reason = DriftOrderMissingLocal
		case existing.PayloadDigest != envelope.Digest || existing.State != string(status):
			reason = DriftOrderMismatch
		}
		if reason == "" {
			continue
		}

		if err := s.store.UpsertStateOrder(ctx, storage.StateOrder{
			OrderID:       update.OrderID,
			PayloadJSON:   envelope.JSON,
			PayloadDigest: envelope.Digest,
			State:         string(status),
			UpdatedAt:     s.now(),
		}); err != nil {
			return drift, fmt.Errorf("repair order %s: %w", update.OrderID, err)
		}
		if err := s.recordDrift(ctx, DriftRecord{
			Reason:   reason,
			OrderID:  update.OrderID,
			Observed: json.RawMessage(envelope.JSON),
		}); err != nil {
			return drift, err
		}
		drift++
	}

	for _, order := range local {
		if _, ok := seen[order.OrderID]; ok {
			continue
		}
		if order.State != string(domain.StatusOpen) && order.State != string(domain.StatusPartiallyFilled) && order.State != string(domain.StatusPending) {
			continue
		}
		// Locally open but gone from the exchange: it resolved while we were
		// down. Close it; the authoritative outcome arrives as its own event.
		if err := s.store.MarkStateOrderClosed(ctx, order.OrderID, s.now()); err != nil {
			return drift, fmt.Errorf("close stale order %s: %w", order.OrderID, err)
		}
		if err := s.recordDrift(ctx, DriftRecord{
			Reason:  DriftOrderMissingExchange,
			OrderID: order.OrderID,
		}); err != nil {
			return drift, err
		}
		drift++
	}
	return drift, nil
}

func (s *Sequencer) reconcilePositions(ctx context.Context, exchangePositions []domain.PositionUpdate) (int, error) {
	local, err := s.store.ListStatePositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list local positions: %w", err)
	}
	localByKey := make(map[string]storage.StatePosition, len(local))
	for _, position := range local {
		localByKey[position.PositionKey] = position
	}

	drift := 0
	seen := make(map[string]struct{}, len(exchangePositions))
	for _, update := range exchangePositions {
		if update.MarketID == "" || update.Quantity == 0 {
			continue
		}
		key := domain.PositionKey(update.MarketID, update.Side)
		seen[key] = struct{}{}

		envelope, err := domain.NewEnvelope(domain.KindPositionUpdate, update)
		if err != nil {
			return drift, fmt.Errorf("encode exchange position %s: %w", key, err)
		}

		existing, known := localByKey[key]
		reason := ""
		switch {
		case !known:
			reason = DriftPositionMissingLocal
		case existing.PayloadDigest != envelope.Digest:
			reason = DriftPositionMismatch
		}
		if reason == "" {
			continue
		}

		if err := s.store.UpsertStatePosition(ctx, storage.StatePosition{
			PositionKey:   key,
			PayloadJSON:   envelope.JSON,
			PayloadDigest: envelope.Digest,
			UpdatedAt:     s.now(),
		}); err != nil {
			return drift, fmt.Errorf("repair position %s: %w", key, err)
		}
		if err := s.recordDrift(ctx, DriftRecord{
			Reason:      reason,
			PositionKey: key,
			Observed:    json.RawMessage(envelope.JSON),
		}); err != nil {
			return drift, err
		}
		drift++
	}

	for _, position := range local {
		if _, ok := seen[position.PositionKey]; ok {
			continue
		}
		if err := s.store.DeleteStatePosition(ctx, position.PositionKey); err != nil {
			return drift, fmt.Errorf("delete stale position %s: %w", position.PositionKey, err)
		}
		if err := s.recordDrift(ctx, DriftRecord{
			Reason:      DriftPositionStale,
			PositionKey: position.PositionKey,
		}); err != nil {
			return drift, err
		}
		drift++
	}
	return drift, nil
}

// recordDrift ledgers one drift fix through the normal upsert path so audits
// replay alongside exchange events.
func (s *Sequencer) recordDrift(ctx context.Context, record DriftRecord) error {
	envelope, err := domain.NewEnvelope(domain.KindOpaque, record)
	if err != nil {
		return fmt.Errorf("encode drift record: %w", err)
	}

	subject := record.OrderID
	if subject == "" {
		subject = record.PositionKey
	}
	event := domain.InboundEvent{
		SourceSystem:  domain.SourceRehydration,
		SourceEventID: fmt.Sprintf("drift:%s:%s", record.Reason, subject),
		ReceivedAt:    s.now(),
		Payload:       envelope,
	}
	if _, err := s.store.UpsertEvent(ctx, event); err != nil {
		return fmt.Errorf("ledger drift record %s: %w", event.SourceEventID, err)
	}
	s.cfg.Logf("rehydrate: drift %s on %s", record.Reason, subject)
	return nil
}
