// Package app assembles the ledger runtime: storage, rehydration, the single
// writer, the apply coordinator, and the health surface.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/ingest"
	"github.com/louisbranch/marketledger/internal/services/ledger/process"
	"github.com/louisbranch/marketledger/internal/services/ledger/rehydrate"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls ledger startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port   int
	DBPath string
	BootID string

	QueueCapacity  int
	LockRetryLimit int

	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryCap      time.Duration
	FailureBudget time.Duration
	DrainTimeout  time.Duration

	// Reader enables boot-time drift reconciliation when set.
	Reader rehydrate.AccountReader
	// Producer feeds events into the queue, typically an exchange stream
	// client. It runs for the lifetime of the runtime and receives the
	// cursors loaded during rehydration so each source resumes where its
	// last accepted event left off.
	Producer func(ctx context.Context, queue *ingest.Queue, cursors []storage.IngestCursor) error
}

const (
	defaultLedgerPort   = 8090
	defaultLedgerDB     = "data/ledger.db"
	defaultDrainTimeout = 10 * time.Second
)

// Run starts the ledger runtime and blocks until the context is canceled.
// Order matters: rehydration completes before the writer or coordinator
// start, and shutdown drains accepted work before closing the store.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultLedgerPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultLedgerDB
	}
	if strings.TrimSpace(cfg.BootID) == "" {
		cfg.BootID = fmt.Sprintf("boot-%d", time.Now().UTC().UnixMilli())
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close ledger sqlite store: %v", closeErr)
		}
	}()

	gate := rehydrate.NewGate()
	sequencer := rehydrate.NewSequencer(store, gate, rehydrate.Config{
		BootID: cfg.BootID,
		Reader: cfg.Reader,
	})
	report, err := sequencer.Run(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate ledger state: %w", err)
	}

	queue := ingest.NewQueue(cfg.QueueCapacity)
	wake := make(chan struct{}, 1)
	writer := ingest.NewWriter(queue, store, ingest.WriterConfig{
		LockRetryLimit: cfg.LockRetryLimit,
		IsTransient:    sqlite.IsTransient,
		Wake:           wake,
	})
	coordinator := process.New(store, process.NewStateApplier(store), wake, process.Config{
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBase:     cfg.RetryBase,
		RetryCap:      cfg.RetryCap,
		FailureBudget: cfg.FailureBudget,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on ledger port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	// Loops run on their own context so a canceled ctx can still drain.
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- writer.Run(loopCtx)
	}()
	coordinatorDone := make(chan error, 1)
	go func() {
		coordinatorDone <- coordinator.Run(loopCtx)
	}()

	if cfg.Producer != nil {
		go func() {
			if err := cfg.Producer(ctx, queue, report.Cursors); err != nil && ctx.Err() == nil {
				log.Printf("ledger producer stopped: %v", err)
			}
		}()
	}

	status := servingStatus(gate)
	healthServer.SetServingStatus("", status)
	healthServer.SetServingStatus("ledger.runtime", status)
	log.Printf("ledger server listening at %v", listener.Addr())

	select {
	case <-ctx.Done():
	case err := <-writerDone:
		cancelLoops()
		<-coordinatorDone
		return fmt.Errorf("writer loop stopped unexpectedly: %v", err)
	case err := <-coordinatorDone:
		cancelLoops()
		queue.Close()
		<-writerDone
		return fmt.Errorf("apply coordinator stopped unexpectedly: %v", err)
	}

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// Drain: stop intake, let the writer flush accepted deliveries, then stop
	// the coordinator. Rows not applied by the deadline stay pending for the
	// next boot.
	queue.Close()
	drainWriter(writerDone, cfg.DrainTimeout, cancelLoops, queue)
	cancelLoops()
	<-coordinatorDone
	return nil
}

// servingStatus maps gate readiness onto the health protocol.
func servingStatus(gate *rehydrate.Gate) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if gate.Ready() {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

// drainWriter waits for the writer to flush accepted deliveries. Past the
// deadline it cancels the loops and still blocks until the writer returns,
// so the store never closes under an in-flight upsert.
func drainWriter(writerDone <-chan error, timeout time.Duration, cancel context.CancelFunc, queue *ingest.Queue) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-writerDone:
	case <-timer.C:
		log.Printf("ledger shutdown: drain deadline reached with %d queued events", queue.Len())
		cancel()
		<-writerDone
	}
}
