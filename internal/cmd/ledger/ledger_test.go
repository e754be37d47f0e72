package ledger

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	t.Setenv("MARKETLEDGER_PORT", "9190")
	t.Setenv("MARKETLEDGER_DB_PATH", "tmp/test-ledger.db")

	cfg, err := ParseConfig(fs, []string{"-max-attempts", "3", "-retry-cap", "2s"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9190 {
		t.Fatalf("port = %d, want 9190", cfg.Port)
	}
	if cfg.DBPath != "tmp/test-ledger.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "tmp/test-ledger.db")
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.RetryCap != 2*time.Second {
		t.Fatalf("retry cap = %s, want 2s", cfg.RetryCap)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8090 {
		t.Fatalf("port = %d, want 8090", cfg.Port)
	}
	if cfg.QueueCapacity != 5000 {
		t.Fatalf("queue capacity = %d, want 5000", cfg.QueueCapacity)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("poll interval = %s, want 500ms", cfg.PollInterval)
	}
	if cfg.FailureBudget != 5*time.Minute {
		t.Fatalf("failure budget = %s, want 5m", cfg.FailureBudget)
	}
}
