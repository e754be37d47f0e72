package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return store
}

func testEvent(t *testing.T, system, eventID string, body map[string]any) domain.InboundEvent {
	t.Helper()
	envelope, err := domain.NewEnvelope(domain.KindOpaque, body)
	if err != nil {
		t.Fatalf("build test envelope: %v", err)
	}
	return domain.InboundEvent{
		SourceSystem:  system,
		SourceEventID: eventID,
		ReceivedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:       envelope,
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}

func timePtr(v time.Time) *time.Time {
	return &v
}

func TestMillisHelpers(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	value := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	if toMillis(value) != value.UTC().UnixMilli() {
		t.Fatalf("expected millis to match UTC unix millis")
	}

	round := fromMillis(toMillis(value))
	if !round.Equal(value.UTC()) {
		t.Fatalf("expected round trip UTC time, got %v", round)
	}
}

func TestNullHelpers(t *testing.T) {
	if got := toNullMillis(nil); got.Valid {
		t.Fatal("expected nil time to produce invalid NullInt64")
	}
	if got := fromNullMillis(sql.NullInt64{}); got != nil {
		t.Fatal("expected invalid NullInt64 to return nil time")
	}

	value := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	wrapped := toNullMillis(&value)
	if !wrapped.Valid {
		t.Fatal("expected valid null millis")
	}
	unwrapped := fromNullMillis(wrapped)
	if unwrapped == nil || !unwrapped.Equal(value) {
		t.Fatalf("expected round trip time, got %v", unwrapped)
	}

	if got := toNullInt64(nil); got.Valid {
		t.Fatal("expected nil int64 to produce invalid NullInt64")
	}
	if got := fromNullInt64(sql.NullInt64{Int64: 42, Valid: true}); got == nil || *got != 42 {
		t.Fatalf("expected round trip int64, got %v", got)
	}

	if got := nullString(""); got.Valid {
		t.Fatal("expected empty string to produce invalid NullString")
	}
	if got := nullString("x"); !got.Valid || got.String != "x" {
		t.Fatalf("expected valid NullString, got %+v", got)
	}
}

func TestIsTransientRejectsPlainErrors(t *testing.T) {
	if IsTransient(fmt.Errorf("database is locked")) {
		t.Fatal("expected plain error to not classify as transient")
	}
	if IsTransient(nil) {
		t.Fatal("expected nil error to not classify as transient")
	}
	if IsTransient(sql.ErrNoRows) {
		t.Fatal("expected no-rows error to not classify as transient")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected empty path error")
	}
}
