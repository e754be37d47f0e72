package domain

import "context"

// ApplyItem is one ledger row handed to an Applier. Attempt is the count of
// apply attempts including this one.
type ApplyItem struct {
	LedgerID      int64
	SourceSystem  string
	SourceEventID string
	Attempt       int
	Payload       Envelope
}

// Applier consumes pending ledger rows in apply order. Apply must be
// idempotent: the same item may be delivered again after a crash or when a
// redelivery re-pends the row. Errors wrapped with Permanent skip the retry
// schedule and dead-letter immediately.
type Applier interface {
	Apply(ctx context.Context, item ApplyItem) error
}
