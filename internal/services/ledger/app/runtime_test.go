package app

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/marketledger/internal/services/ledger/domain"
	"github.com/louisbranch/marketledger/internal/services/ledger/ingest"
	"github.com/louisbranch/marketledger/internal/services/ledger/rehydrate"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage"
	"github.com/louisbranch/marketledger/internal/services/ledger/storage/sqlite"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		t.Fatalf("release port: %v", err)
	}
	return port
}

func TestRunFailsWhenStorePathIsInvalid(t *testing.T) {
	err := Run(context.Background(), RuntimeConfig{
		Port:   freePort(t),
		DBPath: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for directory database path")
	}
}

func TestRunProcessesProducedEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	envelope, err := domain.NewEnvelope(domain.KindOrderUpdate, domain.OrderUpdate{
		OrderID:  "ord-run",
		MarketID: "BTC-USD",
		Status:   "resting",
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	sequence := int64(7)
	event := domain.InboundEvent{
		SourceSystem:   "exchange-a",
		SourceEventID:  "evt-run",
		SourceSequence: &sequence,
		ReceivedAt:     time.Now().UTC(),
		Payload:        envelope,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- Run(ctx, RuntimeConfig{
			Port:         freePort(t),
			DBPath:       dbPath,
			BootID:       "boot-test",
			PollInterval: 20 * time.Millisecond,
			DrainTimeout: 2 * time.Second,
			Producer: func(ctx context.Context, queue *ingest.Queue, _ []storage.IngestCursor) error {
				return queue.Enqueue(ctx, event, time.Second)
			},
		})
	}()

	// A second read handle on the same WAL database observes progress.
	reader, err := waitForStore(dbPath)
	if err != nil {
		t.Fatalf("open reader store: %v", err)
	}
	defer reader.Close()

	deadline := time.Now().Add(10 * time.Second)
	for {
		entry, err := reader.Entry(context.Background(), "exchange-a", "evt-run")
		if err == nil && entry.ProcessState == storage.StateProcessed {
			break
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("read entry: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never processed; last state: %+v err: %v", entry, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	orders, err := reader.ListStateOrders(context.Background())
	if err != nil {
		t.Fatalf("list state orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "ord-run" || orders[0].State != "open" {
		t.Fatalf("expected derived order state, got %+v", orders)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not shut down in time")
	}

	// A restart hands the producer the cursor persisted for exchange-a so
	// the stream resumes past the last accepted event.
	cursorCh := make(chan []storage.IngestCursor, 1)
	restartCtx, cancelRestart := context.WithCancel(context.Background())
	defer cancelRestart()
	restartDone := make(chan error, 1)
	go func() {
		restartDone <- Run(restartCtx, RuntimeConfig{
			Port:   freePort(t),
			DBPath: dbPath,
			BootID: "boot-test-2",
			Producer: func(_ context.Context, _ *ingest.Queue, cursors []storage.IngestCursor) error {
				cursorCh <- cursors
				return nil
			},
		})
	}()

	select {
	case cursors := <-cursorCh:
		if len(cursors) != 1 || cursors[0].SourceSystem != "exchange-a" || cursors[0].LastSequence != 7 {
			t.Fatalf("expected exchange-a cursor at sequence 7, got %+v", cursors)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("producer never received resume cursors")
	}

	cancelRestart()
	select {
	case err := <-restartDone:
		if err != nil {
			t.Fatalf("restarted run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("restarted runtime did not shut down in time")
	}
}

func TestServingStatusFollowsGate(t *testing.T) {
	gate := rehydrate.NewGate()
	if got := servingStatus(gate); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status before rehydration = %v, want NOT_SERVING", got)
	}

	gate.MarkNotReady(errors.New("schema mismatch"))
	if got := servingStatus(gate); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after failure = %v, want NOT_SERVING", got)
	}

	gate.MarkReady(time.Now().UTC())
	if got := servingStatus(gate); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("status after rehydration = %v, want SERVING", got)
	}
}

func TestDrainWriterBlocksUntilWriterReturns(t *testing.T) {
	writerDone := make(chan error)
	canceled := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		// Writer past the deadline: exits only once the loops are canceled.
		<-canceled
		close(flushed)
		writerDone <- context.Canceled
	}()

	returned := make(chan struct{})
	go func() {
		drainWriter(writerDone, 10*time.Millisecond, func() { close(canceled) }, ingest.NewQueue(1))
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("drain never returned after writer exit")
	}
	select {
	case <-flushed:
	default:
		t.Fatal("drain returned before the writer exited")
	}
}

func waitForStore(path string) (*sqlite.Store, error) {
	var lastErr error
	for attempt := 0; attempt < 100; attempt++ {
		store, err := sqlite.Open(path)
		if err == nil {
			return store, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}
