// Package ledger parses ledger command flags and launches the ledger runtime.
package ledger

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/marketledger/internal/platform/cmd"
	ledgerserver "github.com/louisbranch/marketledger/internal/services/ledger/app"
)

// Config holds ledger command configuration.
type Config struct {
	Port           int           `env:"MARKETLEDGER_PORT" envDefault:"8090"`
	DBPath         string        `env:"MARKETLEDGER_DB_PATH" envDefault:"data/ledger.db"`
	BootID         string        `env:"MARKETLEDGER_BOOT_ID"`
	QueueCapacity  int           `env:"MARKETLEDGER_QUEUE_CAPACITY" envDefault:"5000"`
	LockRetryLimit int           `env:"MARKETLEDGER_LOCK_RETRY_LIMIT" envDefault:"5"`
	PollInterval   time.Duration `env:"MARKETLEDGER_POLL_INTERVAL" envDefault:"500ms"`
	BatchSize      int           `env:"MARKETLEDGER_BATCH_SIZE" envDefault:"100"`
	MaxAttempts    int           `env:"MARKETLEDGER_MAX_ATTEMPTS" envDefault:"10"`
	RetryBase      time.Duration `env:"MARKETLEDGER_RETRY_BASE" envDefault:"100ms"`
	RetryCap       time.Duration `env:"MARKETLEDGER_RETRY_CAP" envDefault:"5s"`
	FailureBudget  time.Duration `env:"MARKETLEDGER_FAILURE_BUDGET" envDefault:"5m"`
	DrainTimeout   time.Duration `env:"MARKETLEDGER_DRAIN_TIMEOUT" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The ledger health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The ledger SQLite database path")
	fs.StringVar(&cfg.BootID, "boot-id", cfg.BootID, "Identifier recorded for this boot's rehydration run")
	fs.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "Bounded ingestion queue capacity")
	fs.IntVar(&cfg.LockRetryLimit, "lock-retry-limit", cfg.LockRetryLimit, "Writer retry limit for transient storage errors")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Apply coordinator poll interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Apply coordinator claim batch size")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum apply attempts before dead-letter")
	fs.DurationVar(&cfg.RetryBase, "retry-base", cfg.RetryBase, "Base apply retry backoff delay")
	fs.DurationVar(&cfg.RetryCap, "retry-cap", cfg.RetryCap, "Maximum apply retry delay")
	fs.DurationVar(&cfg.FailureBudget, "failure-budget", cfg.FailureBudget, "Pending age that triggers failure alerts")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Shutdown deadline for draining accepted events")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the ledger runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLedger, func(context.Context) error {
		return ledgerserver.Run(ctx, ledgerserver.RuntimeConfig{
			Port:           cfg.Port,
			DBPath:         cfg.DBPath,
			BootID:         cfg.BootID,
			QueueCapacity:  cfg.QueueCapacity,
			LockRetryLimit: cfg.LockRetryLimit,
			PollInterval:   cfg.PollInterval,
			BatchSize:      cfg.BatchSize,
			MaxAttempts:    cfg.MaxAttempts,
			RetryBase:      cfg.RetryBase,
			RetryCap:       cfg.RetryCap,
			FailureBudget:  cfg.FailureBudget,
			DrainTimeout:   cfg.DrainTimeout,
		})
	})
}
