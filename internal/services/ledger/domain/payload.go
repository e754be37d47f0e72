package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the payload variants the ledger understands.
//
// Unknown kinds are preserved as opaque bytes so producers can ship new event
// shapes before this build learns to decode them.
type Kind string

const (
	// KindTicker carries a market quote update.
	KindTicker Kind = "ticker"
	// KindTrade carries an executed trade print.
	KindTrade Kind = "trade"
	// KindOrderUpdate carries an order lifecycle transition.
	KindOrderUpdate Kind = "order_update"
	// KindPositionUpdate carries a position quantity change.
	KindPositionUpdate Kind = "position_update"
	// KindOpaque marks payloads with no registered decoder.
	KindOpaque Kind = "opaque"
)

// Envelope wraps a payload body in canonical JSON form with a content digest.
//
// The digest is computed over the canonical encoding (object keys sorted, no
// insignificant whitespace) so byte-level differences in producer encoders do
// not register as payload drift on redelivery.
type Envelope struct {
	Kind   Kind
	JSON   []byte
	Digest string
}

// Ticker is a market quote update.
type Ticker struct {
	MarketID string `json:"market_id"`
	YesBid   int64  `json:"yes_bid"`
	YesAsk   int64  `json:"yes_ask"`
	Price    int64  `json:"price"`
	Volume   int64  `json:"volume"`
}

// Trade is an executed trade print.
type Trade struct {
	MarketID  string `json:"market_id"`
	TradeID   string `json:"trade_id"`
	Count     int64  `json:"count"`
	YesPrice  int64  `json:"yes_price"`
	NoPrice   int64  `json:"no_price"`
	TakerSide string `json:"taker_side"`
}

// OrderUpdate is an order lifecycle transition reported by the exchange.
type OrderUpdate struct {
	OrderID        string `json:"order_id"`
	MarketID       string `json:"market_id"`
	Status         string `json:"status"`
	Side           string `json:"side"`
	Action         string `json:"action"`
	Count          int64  `json:"count"`
	RemainingCount int64  `json:"remaining_count"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	ClientOrderID  string `json:"client_order_id,omitempty"`
}

// LifecycleStatus normalizes the exchange-reported status string.
func (o OrderUpdate) LifecycleStatus() OrderLifecycleStatus {
	return NormalizeExchangeStatus(o.Status)
}

// PositionKey is the derived-state natural key for a market side.
func PositionKey(marketID, side string) string {
	return marketID + ":" + strings.ToLower(strings.TrimSpace(side))
}

// PositionUpdate is a position quantity change.
type PositionUpdate struct {
	MarketID       string `json:"market_id"`
	Side           string `json:"side"`
	Quantity       int64  `json:"quantity"`
	MarketExposure int64  `json:"market_exposure"`
}

// Payload is the decoded form of an envelope: exactly one variant field is
// non-nil for known kinds; Raw holds the body for opaque payloads.
type Payload struct {
	Kind           Kind
	Ticker         *Ticker
	Trade          *Trade
	OrderUpdate    *OrderUpdate
	PositionUpdate *PositionUpdate
	Raw            json.RawMessage
}

// NewEnvelope canonicalizes and digests a typed payload body.
func NewEnvelope(kind Kind, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	return EnvelopeFromRaw(kind, raw)
}

// EnvelopeFromRaw canonicalizes and digests an already-encoded payload body.
func EnvelopeFromRaw(kind Kind, raw []byte) (Envelope, error) {
	if kind == "" {
		kind = KindOpaque
	}
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:   kind,
		JSON:   canonical,
		Digest: DigestOf(canonical),
	}, nil
}

// Decode parses the envelope body into its typed variant. Unregistered kinds
// come back as KindOpaque with the raw body attached.
func (e Envelope) Decode() (Payload, error) {
	switch e.Kind {
	case KindTicker:
		var body Ticker
		if err := json.Unmarshal(e.JSON, &body); err != nil {
			return Payload{}, fmt.Errorf("decode ticker payload: %w", err)
		}
		return Payload{Kind: KindTicker, Ticker: &body}, nil
	case KindTrade:
		var body Trade
		if err := json.Unmarshal(e.JSON, &body); err != nil {
			return Payload{}, fmt.Errorf("decode trade payload: %w", err)
		}
		return Payload{Kind: KindTrade, Trade: &body}, nil
	case KindOrderUpdate:
		var body OrderUpdate
		if err := json.Unmarshal(e.JSON, &body); err != nil {
			return Payload{}, fmt.Errorf("decode order update payload: %w", err)
		}
		return Payload{Kind: KindOrderUpdate, OrderUpdate: &body}, nil
	case KindPositionUpdate:
		var body PositionUpdate
		if err := json.Unmarshal(e.JSON, &body); err != nil {
			return Payload{}, fmt.Errorf("decode position update payload: %w", err)
		}
		return Payload{Kind: KindPositionUpdate, PositionUpdate: &body}, nil
	default:
		return Payload{Kind: KindOpaque, Raw: append([]byte(nil), e.JSON...)}, nil
	}
}

// CanonicalJSON re-encodes raw JSON with object keys sorted and whitespace
// stripped. Numbers pass through unmodified.
func CanonicalJSON(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical, nil
}

// DigestOf returns the hex SHA-256 of the canonical payload bytes.
func DigestOf(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
