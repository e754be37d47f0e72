package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath            string        `env:"MARKETLEDGER_DB_PATH"`
	Timeout           time.Duration `env:"MARKETLEDGER_MAINTENANCE_TIMEOUT" envDefault:"1m"`
	Summary           bool
	DeadLetterReport  bool
	PoisonReport      bool
	CursorReport      bool
	RehydrationReport bool
	Limit             int
	ResetLedgerID     int64
	ResetSourceSystem string
	ResetEventID      string
	JSONOutput        bool
}

type envConfig struct {
	DBPath  string        `env:"MARKETLEDGER_DB_PATH"`
	Timeout time.Duration `env:"MARKETLEDGER_MAINTENANCE_TIMEOUT" envDefault:"1m"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBPath:  envCfg.DBPath,
		Timeout: envCfg.Timeout,
		Limit:   50,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "ledger.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to ledger sqlite database (default: MARKETLEDGER_DB_PATH or data/ledger.db)")
	fs.BoolVar(&cfg.Summary, "summary", false, "report pending and dead-letter depth")
	fs.BoolVar(&cfg.DeadLetterReport, "dead-letter-report", false, "list quarantined ledger entries")
	fs.BoolVar(&cfg.PoisonReport, "poison-report", false, "list events rejected before ledgering")
	fs.BoolVar(&cfg.CursorReport, "cursors", false, "list per-source ingest cursors")
	fs.BoolVar(&cfg.RehydrationReport, "last-rehydration", false, "show the most recent rehydration run")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "max rows to print/list")
	fs.Int64Var(&cfg.ResetLedgerID, "reset-ledger-id", 0, "dead-letter ledger id to reset to pending")
	fs.StringVar(&cfg.ResetSourceSystem, "reset-source-system", "", "source system for natural-key reset")
	fs.StringVar(&cfg.ResetEventID, "reset-event-id", "", "source event id for natural-key reset")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if err := validateModes(cfg); err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	return runWithDeps(ctx, cfg, store, out, errOut)
}

func validateModes(cfg Config) error {
	modes := 0
	for _, enabled := range []bool{
		cfg.Summary,
		cfg.DeadLetterReport,
		cfg.PoisonReport,
		cfg.CursorReport,
		cfg.RehydrationReport,
		cfg.ResetLedgerID > 0,
		cfg.ResetSourceSystem != "" || cfg.ResetEventID != "",
	} {
		if enabled {
			modes++
		}
	}
	if modes == 0 {
		return errors.New("one of -summary, -dead-letter-report, -poison-report, -cursors, -last-rehydration, -reset-ledger-id, or -reset-source-system/-reset-event-id is required")
	}
	if modes > 1 {
		return errors.New("maintenance modes cannot be combined")
	}
	if (cfg.ResetSourceSystem == "") != (cfg.ResetEventID == "") {
		return errors.New("-reset-source-system and -reset-event-id must be provided together")
	}
	if (cfg.DeadLetterReport || cfg.PoisonReport) && cfg.Limit <= 0 {
		return errors.New("-limit must be > 0")
	}
	return nil
}

// runWithDeps contains the core maintenance logic with injectable dependencies.
// It owns the lifecycle of the store (closing it on return).
func runWithDeps(ctx context.Context, cfg Config, store closableLedgerStore, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close ledger store: %v\n", err)
		}
	}()

	switch {
	case cfg.Summary:
		return runSummary(ctx, store, cfg.JSONOutput, out)
	case cfg.DeadLetterReport:
		return runDeadLetterReport(ctx, store, cfg.Limit, cfg.JSONOutput, out)
	case cfg.PoisonReport:
		return runPoisonReport(ctx, store, cfg.Limit, cfg.JSONOutput, out)
	case cfg.CursorReport:
		return runCursorReport(ctx, store, cfg.JSONOutput, out)
	case cfg.RehydrationReport:
		return runRehydrationReport(ctx, store, cfg.JSONOutput, out)
	case cfg.ResetLedgerID > 0:
		return runReset(ctx, store, cfg.ResetLedgerID, "", "", cfg.JSONOutput, out)
	default:
		return runReset(ctx, store, 0, cfg.ResetSourceSystem, cfg.ResetEventID, cfg.JSONOutput, out)
	}
}

type summaryReport struct {
	Mode             string     `json:"mode"`
	PendingCount     int        `json:"pending_count"`
	DeadLetterCount  int        `json:"dead_letter_count"`
	OldestPendingAt  *time.Time `json:"oldest_pending_at,omitempty"`
	OldestPendingAge string     `json:"oldest_pending_age,omitempty"`
}

func runSummary(ctx context.Context, store closableLedgerStore, jsonOutput bool, out io.Writer) error {
	summary, err := store.PendingSummary(ctx)
	if err != nil {
		return fmt.Errorf("read pending summary: %w", err)
	}
	report := summaryReport{
		Mode:            "summary",
		PendingCount:    summary.PendingCount,
		DeadLetterCount: summary.DeadLetterCount,
		OldestPendingAt: summary.OldestPendingAt,
	}
	if age := summary.OldestPendingAge(time.Now().UTC()); age > 0 {
		report.OldestPendingAge = age.Round(time.Second).String()
	}
	if jsonOutput {
		return outputJSON(out, report)
	}
	fmt.Fprintf(out, "Pending: %d\n", report.PendingCount)
	fmt.Fprintf(out, "Dead-lettered: %d\n", report.DeadLetterCount)
	if report.OldestPendingAt != nil {
		fmt.Fprintf(out, "Oldest pending: %s (age %s)\n", report.OldestPendingAt.Format(time.RFC3339), report.OldestPendingAge)
	}
	return nil
}

type deadLetterRow struct {
	LedgerID      int64      `json:"ledger_id"`
	SourceSystem  string     `json:"source_system"`
	SourceEventID string     `json:"source_event_id"`
	AttemptCount  int        `json:"apply_attempt_count"`
	Error         string     `json:"process_error"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

type deadLetterReport struct {
	Mode  string          `json:"mode"`
	Limit int             `json:"limit"`
	Rows  []deadLetterRow `json:"rows"`
}

func runDeadLetterReport(ctx context.Context, store closableLedgerStore, limit int, jsonOutput bool, out io.Writer) error {
	entries, err := store.DeadLetterEntries(ctx, limit)
	if err != nil {
		return fmt.Errorf("list dead-letter entries: %w", err)
	}
	report := deadLetterReport{Mode: "dead-letter", Limit: limit, Rows: make([]deadLetterRow, 0, len(entries))}
	for _, entry := range entries {
		report.Rows = append(report.Rows, deadLetterRow{
			LedgerID:      entry.LedgerID,
			SourceSystem:  entry.SourceSystem,
			SourceEventID: entry.SourceEventID,
			AttemptCount:  entry.ApplyAttemptCount,
			Error:         entry.ProcessError,
			FirstSeenAt:   entry.IngestFirstSeenAt,
			ProcessedAt:   entry.ProcessedAt,
		})
	}
	if jsonOutput {
		return outputJSON(out, report)
	}
	fmt.Fprintf(out, "Dead-lettered entries (showing up to %d):\n", limit)
	for _, row := range report.Rows {
		fmt.Fprintf(out, "  %d %s/%s attempts=%d error=%q\n", row.LedgerID, row.SourceSystem, row.SourceEventID, row.AttemptCount, row.Error)
	}
	if len(report.Rows) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	return nil
}

type poisonRow struct {
	PoisonID      int64     `json:"poison_id"`
	SourceSystem  string    `json:"source_system"`
	SourceEventID string    `json:"source_event_id"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

type poisonReport struct {
	Mode  string      `json:"mode"`
	Limit int         `json:"limit"`
	Rows  []poisonRow `json:"rows"`
}

func runPoisonReport(ctx context.Context, store closableLedgerStore, limit int, jsonOutput bool, out io.Writer) error {
	messages, err := store.ListPoisonMessages(ctx, limit)
	if err != nil {
		return fmt.Errorf("list poison messages: %w", err)
	}
	report := poisonReport{Mode: "poison", Limit: limit, Rows: make([]poisonRow, 0, len(messages))}
	for _, message := range messages {
		report.Rows = append(report.Rows, poisonRow{
			PoisonID:      message.PoisonID,
			SourceSystem:  message.SourceSystem,
			SourceEventID: message.SourceEventID,
			Reason:        message.Reason,
			CreatedAt:     message.CreatedAt,
		})
	}
	if jsonOutput {
		return outputJSON(out, report)
	}
	fmt.Fprintf(out, "Poison messages (showing up to %d):\n", limit)
	for _, row := range report.Rows {
		fmt.Fprintf(out, "  %d %s/%s reason=%q at=%s\n", row.PoisonID, row.SourceSystem, row.SourceEventID, row.Reason, row.CreatedAt.Format(time.RFC3339))
	}
	if len(report.Rows) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	return nil
}

type cursorRow struct {
	SourceSystem  string     `json:"source_system"`
	LastSequence  int64      `json:"last_sequence"`
	LastEmittedAt *time.Time `json:"last_emitted_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type cursorReport struct {
	Mode string      `json:"mode"`
	Rows []cursorRow `json:"rows"`
}

func runCursorReport(ctx context.Context, store closableLedgerStore, jsonOutput bool, out io.Writer) error {
	cursors, err := store.ListCursors(ctx)
	if err != nil {
		return fmt.Errorf("list ingest cursors: %w", err)
	}
	report := cursorReport{Mode: "cursors", Rows: make([]cursorRow, 0, len(cursors))}
	for _, cursor := range cursors {
		report.Rows = append(report.Rows, cursorRow{
			SourceSystem:  cursor.SourceSystem,
			LastSequence:  cursor.LastSequence,
			LastEmittedAt: cursor.LastEmittedAt,
			UpdatedAt:     cursor.UpdatedAt,
		})
	}
	if jsonOutput {
		return outputJSON(out, report)
	}
	fmt.Fprintln(out, "Ingest cursors:")
	for _, row := range report.Rows {
		fmt.Fprintf(out, "  %s seq=%d updated=%s\n", row.SourceSystem, row.LastSequence, row.UpdatedAt.Format(time.RFC3339))
	}
	if len(report.Rows) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	return nil
}

type rehydrationReport struct {
	Mode        string    `json:"mode"`
	RunID       int64     `json:"run_id"`
	BootID      string    `json:"boot_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Status      string    `json:"status"`
	DriftCount  int       `json:"drift_count"`
	Error       string    `json:"error,omitempty"`
}

func runRehydrationReport(ctx context.Context, store closableLedgerStore, jsonOutput bool, out io.Writer) error {
	run, err := store.LastRehydrationRun(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return errors.New("no rehydration run recorded")
	}
	if err != nil {
		return fmt.Errorf("read last rehydration run: %w", err)
	}
	report := rehydrationReport{
		Mode:        "rehydration",
		RunID:       run.RunID,
		BootID:      run.BootID,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Status:      run.Status,
		DriftCount:  run.DriftCount,
		Error:       run.Error,
	}
	if jsonOutput {
		return outputJSON(out, report)
	}
	fmt.Fprintf(out, "Rehydration run %d (boot %s): %s\n", report.RunID, report.BootID, report.Status)
	fmt.Fprintf(out, "Started: %s\n", report.StartedAt.Format(time.RFC3339))
	if !report.CompletedAt.IsZero() {
		fmt.Fprintf(out, "Completed: %s\n", report.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Drift events: %d\n", report.DriftCount)
	if report.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", report.Error)
	}
	return nil
}

type resetResult struct {
	Mode          string `json:"mode"`
	LedgerID      int64  `json:"ledger_id,omitempty"`
	SourceSystem  string `json:"source_system,omitempty"`
	SourceEventID string `json:"source_event_id,omitempty"`
	Reset         bool   `json:"reset"`
}

func runReset(ctx context.Context, store closableLedgerStore, ledgerID int64, sourceSystem, sourceEventID string, jsonOutput bool, out io.Writer) error {
	var err error
	if ledgerID > 0 {
		err = store.ResetToPending(ctx, ledgerID)
	} else {
		err = store.ResetToPendingByKey(ctx, sourceSystem, sourceEventID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return errors.New("no dead-lettered entry matches; only quarantined entries can be reset")
	}
	if err != nil {
		return fmt.Errorf("reset to pending: %w", err)
	}

	result := resetResult{
		Mode:          "reset",
		LedgerID:      ledgerID,
		SourceSystem:  strings.TrimSpace(sourceSystem),
		SourceEventID: strings.TrimSpace(sourceEventID),
		Reset:         true,
	}
	if jsonOutput {
		return outputJSON(out, result)
	}
	if ledgerID > 0 {
		fmt.Fprintf(out, "Reset ledger entry %d to pending\n", ledgerID)
	} else {
		fmt.Fprintf(out, "Reset ledger entry %s/%s to pending\n", result.SourceSystem, result.SourceEventID)
	}
	return nil
}

func outputJSON(out io.Writer, report any) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}
