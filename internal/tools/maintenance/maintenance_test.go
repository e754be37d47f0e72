package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
)

func TestRunWithDeps_SummaryJSON(t *testing.T) {
	oldest := time.Now().UTC().Add(-90 * time.Second)
	store := &fakeLedgerStore{summary: storage.PendingSummary{
		PendingCount:    3,
		DeadLetterCount: 1,
		OldestPendingAt: timeRef(oldest),
	}}
	var out bytes.Buffer

	err := runWithDeps(context.Background(), Config{Summary: true, JSONOutput: true}, store, &out, nil)
	if err != nil {
		t.Fatalf("run summary: %v", err)
	}
	if !store.closed {
		t.Fatal("store was not closed")
	}

	var report summaryReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.PendingCount != 3 || report.DeadLetterCount != 1 {
		t.Fatalf("counts = %d/%d, want 3/1", report.PendingCount, report.DeadLetterCount)
	}
	if report.OldestPendingAge == "" {
		t.Fatal("expected oldest pending age in report")
	}
}

func TestRunWithDeps_DeadLetterReportHonorsLimit(t *testing.T) {
	store := &fakeLedgerStore{deadLetters: []storage.LedgerEntry{
		{LedgerID: 7, SourceSystem: "exchange-a", SourceEventID: "evt-7", ApplyAttemptCount: 10, ProcessError: "attempt 10: boom"},
	}}
	var out bytes.Buffer

	err := runWithDeps(context.Background(), Config{DeadLetterReport: true, Limit: 5}, store, &out, nil)
	if err != nil {
		t.Fatalf("run dead-letter report: %v", err)
	}
	if len(store.limitsSeen) != 1 || store.limitsSeen[0] != 5 {
		t.Fatalf("limits seen = %v, want [5]", store.limitsSeen)
	}
	if !strings.Contains(out.String(), "exchange-a/evt-7") {
		t.Fatalf("missing dead-letter row in output: %q", out.String())
	}
	if !strings.Contains(out.String(), "attempt 10: boom") {
		t.Fatalf("missing process error in output: %q", out.String())
	}
}

func TestRunWithDeps_PoisonReportEmpty(t *testing.T) {
	store := &fakeLedgerStore{}
	var out bytes.Buffer

	err := runWithDeps(context.Background(), Config{PoisonReport: true, Limit: 10}, store, &out, nil)
	if err != nil {
		t.Fatalf("run poison report: %v", err)
	}
	if !strings.Contains(out.String(), "(none)") {
		t.Fatalf("expected empty marker, got %q", out.String())
	}
}

func TestRunWithDeps_CursorReport(t *testing.T) {
	store := &fakeLedgerStore{cursors: []storage.IngestCursor{
		{SourceSystem: "exchange-a", LastSequence: 42, UpdatedAt: time.Now().UTC()},
	}}
	var out bytes.Buffer

	if err := runWithDeps(context.Background(), Config{CursorReport: true}, store, &out, nil); err != nil {
		t.Fatalf("run cursor report: %v", err)
	}
	if !strings.Contains(out.String(), "exchange-a seq=42") {
		t.Fatalf("missing cursor row in output: %q", out.String())
	}
}

func TestRunWithDeps_RehydrationReportNotFound(t *testing.T) {
	store := &fakeLedgerStore{lastRunErr: storage.ErrNotFound}

	err := runWithDeps(context.Background(), Config{RehydrationReport: true}, store, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "no rehydration run") {
		t.Fatalf("err = %v, want no-run error", err)
	}
}

func TestRunWithDeps_ResetByLedgerID(t *testing.T) {
	store := &fakeLedgerStore{}
	var out bytes.Buffer

	err := runWithDeps(context.Background(), Config{ResetLedgerID: 12}, store, &out, nil)
	if err != nil {
		t.Fatalf("run reset: %v", err)
	}
	if len(store.resetIDs) != 1 || store.resetIDs[0] != 12 {
		t.Fatalf("reset ids = %v, want [12]", store.resetIDs)
	}
	if !strings.Contains(out.String(), "Reset ledger entry 12 to pending") {
		t.Fatalf("missing reset confirmation: %q", out.String())
	}
}

func TestRunWithDeps_ResetByKeyNotFound(t *testing.T) {
	store := &fakeLedgerStore{resetErr: storage.ErrNotFound}

	err := runWithDeps(context.Background(), Config{ResetSourceSystem: "exchange-a", ResetEventID: "evt-1"}, store, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "only quarantined entries") {
		t.Fatalf("err = %v, want quarantine-only error", err)
	}
}
