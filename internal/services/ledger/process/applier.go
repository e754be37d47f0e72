package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

// StateStore is the derived-state surface the applier writes to.
type StateStore interface {
	UpsertStateOrder(ctx context.Context, order storage.StateOrder) error
	MarkStateOrderClosed(ctx context.Context, orderID string, at time.Time) error
	UpsertStatePosition(ctx context.Context, position storage.StatePosition) error
	DeleteStatePosition(ctx context.Context, positionKey string) error
}

// StateApplier folds ledger rows into the derived order and position state.
// Ticker and trade events carry no derived state here and succeed as no-ops;
// opaque payloads succeed so unknown producer kinds never clog the queue.
type StateApplier struct {
	store StateStore
	now   func() time.Time
}

// NewStateApplier wires the applier to its state store.
func NewStateApplier(store StateStore) *StateApplier {
	return &StateApplier{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Apply implements domain.Applier.
func (a *StateApplier) Apply(ctx context.Context, item domain.ApplyItem) error {
	if a == nil || a.store == nil {
		return fmt.Errorf("state applier is not configured")
	}

	payload, err := item.Payload.Decode()
	if err != nil {
		// A payload that does not parse will never parse on retry.
		return domain.Permanent(err)
	}

	switch payload.Kind {
	case domain.KindOrderUpdate:
		return a.applyOrder(ctx, item, *payload.OrderUpdate)
	case domain.KindPositionUpdate:
		return a.applyPosition(ctx, *payload.PositionUpdate)
	default:
		return nil
	}
}

func (a *StateApplier) applyOrder(ctx context.Context, item domain.ApplyItem, update domain.OrderUpdate) error {
	if strings.TrimSpace(update.OrderID) == "" {
		return domain.Permanent(fmt.Errorf("order update %s has no order id", item.SourceEventID))
	}

	status := update.LifecycleStatus()
	if status.Terminal() {
		if err := a.store.MarkStateOrderClosed(ctx, update.OrderID, a.now()); err != nil {
			return fmt.Errorf("close order %s: %w", update.OrderID, err)
		}
		return nil
	}

	if err := a.store.UpsertStateOrder(ctx, storage.StateOrder{
		OrderID:       update.OrderID,
		PayloadJSON:   item.Payload.JSON,
		PayloadDigest: item.Payload.Digest,
		State:         string(status),
		UpdatedAt:     a.now(),
	}); err != nil {
		return fmt.Errorf("upsert order %s: %w", update.OrderID, err)
	}
	return nil
}

func (a *StateApplier) applyPosition(ctx context.Context, update domain.PositionUpdate) error {
	if strings.TrimSpace(update.MarketID) == "" {
		return domain.Permanent(fmt.Errorf("position update has no market id"))
	}

	key := domain.PositionKey(update.MarketID, update.Side)
	if update.Quantity == 0 {
		if err := a.store.DeleteStatePosition(ctx, key); err != nil {
			return fmt.Errorf("delete flat position %s: %w", key, err)
		}
		return nil
	}

	envelope, err := domain.NewEnvelope(domain.KindPositionUpdate, update)
	if err != nil {
		return domain.Permanent(err)
	}
	if err := a.store.UpsertStatePosition(ctx, storage.StatePosition{
		PositionKey:   key,
		PayloadJSON:   envelope.JSON,
		PayloadDigest: envelope.Digest,
		UpdatedAt:     a.now(),
	}); err != nil {
		return fmt.Errorf("upsert position %s: %w", key, err)
	}
	return nil
}
