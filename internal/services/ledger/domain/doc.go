// Package domain defines the inbound event contract for the ingestion ledger.
//
// Producers hand the ledger an InboundEvent: a natural key naming the upstream
// fact, optional ordering hints asserted by the producer, and a payload
// envelope carrying canonical JSON plus a content digest. The ledger owns
// durability and idempotency; payload business validation belongs to the
// apply layer downstream.
package domain
