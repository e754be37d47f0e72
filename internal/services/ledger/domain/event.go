package domain

import (
	"fmt"
	"strings"
	"time"
)

// SourceRehydration is the source system recorded for drift events the
// rehydrator emits; it shares the ledger with external producers.
const SourceRehydration = "rehydration"

// InboundEvent is the unit handed from a producer to the ingestion queue.
//
// SourceSystem and SourceEventID form the natural key: redelivery of the same
// pair collapses onto one ledger row. SourceSequence and SourceEmittedAt are
// producer-asserted ordering hints and never participate in uniqueness.
type InboundEvent struct {
	SourceSystem    string
	SourceEventID   string
	SourceSequence  *int64
	SourceEmittedAt *time.Time
	ReceivedAt      time.Time
	Payload         Envelope
}

// Validate reports whether the event carries the fields the ledger requires.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.SourceSystem) == "" {
		return fmt.Errorf("source system is required")
	}
	if strings.TrimSpace(e.SourceEventID) == "" {
		return fmt.Errorf("source event id is required")
	}
	if len(e.Payload.JSON) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// Key returns the natural key as a single diagnostic string.
func (e InboundEvent) Key() string {
	return e.SourceSystem + "/" + e.SourceEventID
}
