package bus

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
)

func testConfig(dir string) Config {
	return Config{
		WALPath:           dir,
		FsyncBatch:        1,
		MaxInFlight:       4,
		RedeliveryTimeout: 2 * time.Second,
		MaxRetries:        2,
		BackoffBaseMS:     1,
		BackoffMaxMS:      5,
		QueueCapacity:     64,
	}
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	log := zap.NewNop()
	return New(testConfig(dir), db, log, obs.NewMetrics())
}

func mustEnvelope(t *testing.T, topic envelope.Topic, idemKey string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(topic, envelope.TypePerceptText, "person:alice", envelope.BandGreen,
		envelope.QoS{Priority: "normal"}, idemKey, map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func TestPublishSubscribeDelivers(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	env := mustEnvelope(t, "percepts", "idem-1")
	if _, err := b.Publish(env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Subscribe(ctx, "percepts", "test-group", func(_ context.Context, e *envelope.Envelope) error {
		if e.ID == env.ID {
			got.Add(1)
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, func() bool { return got.Load() == 1 })
}

func TestSubscribeResumesFromCommittedOffset(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(mustEnvelope(t, "percepts", string(rune('a'+i)))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var mu sync.Mutex
	var seen []string
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Subscribe(ctx, "percepts", "resume-group", func(_ context.Context, e *envelope.Envelope) error {
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	cancel()

	if _, err := b.Publish(mustEnvelope(t, "percepts", "late")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if err := b.Subscribe(ctx2, "percepts", "resume-group", func(_ context.Context, e *envelope.Envelope) error {
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	})
}

func TestHandlerFailureMovesToDLQAfterRetries(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	env := mustEnvelope(t, "actions", "idem-fail")
	if _, err := b.Publish(env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Subscribe(ctx, "actions", "failing-group", func(_ context.Context, _ *envelope.Envelope) error {
		attempts.Add(1)
		return errors.New("handler always fails")
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, func() bool { return attempts.Load() == int32(b.cfg.MaxRetries+1) })

	waitFor(t, func() bool {
		records, err := b.DLQRecords("actions")
		if err != nil {
			t.Fatalf("DLQRecords: %v", err)
		}
		return len(records) == 1 && records[0].Envelope.ID == env.ID
	})
}

func TestNonRetryableFailureSkipsRetriesAndGoesStraightToDLQ(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	env := mustEnvelope(t, "actions", "idem-invalid")
	if _, err := b.Publish(env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Subscribe(ctx, "actions", "invalid-group", func(_ context.Context, _ *envelope.Envelope) error {
		attempts.Add(1)
		return ferrors.New(ferrors.KindValidation, "test.handler", nil)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, func() bool {
		records, err := b.DLQRecords("actions")
		if err != nil {
			t.Fatalf("DLQRecords: %v", err)
		}
		return len(records) == 1
	})
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 (non-retryable failure must not retry)", got)
	}
}

func TestBackPressureRejectsPublishWhenGroupLagsPastWatermark(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	cfg := testConfig(dir)
	cfg.LagHighWatermark = 2
	b := New(cfg, db, zap.NewNop(), obs.NewMetrics())
	defer b.Close()

	blocking := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Subscribe(ctx, "events", "slow-group", func(_ context.Context, _ *envelope.Envelope) error {
		<-blocking
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var lastErr error
	for i := 0; i < 6; i++ {
		_, lastErr = b.Publish(mustEnvelope(t, "events", string(rune('a'+i))))
		if lastErr != nil {
			break
		}
	}
	close(blocking)
	if lastErr == nil {
		t.Fatalf("expected a BackPressure error once the slow-group consumer fell behind")
	}
	if kind, ok := ferrors.KindOf(lastErr); !ok || kind != ferrors.KindExhausted {
		t.Fatalf("error kind = %v, want KindExhausted", kind)
	}
}

func TestReplayDeliversEverythingIgnoringOffsets(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	for i := 0; i < 5; i++ {
		if _, err := b.Publish(mustEnvelope(t, "events", string(rune('a'+i)))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var count atomic.Int32
	if err := b.Replay(context.Background(), "events", 0, func(_ context.Context, _ *envelope.Envelope) error {
		count.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count.Load() != 5 {
		t.Fatalf("Replay delivered %d, want 5", count.Load())
	}
}

func TestWALRecoversFromTruncatedTrailingFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "percepts.wal")

	w, err := openWAL(path, 1)
	if err != nil {
		t.Fatalf("openWAL: %v", err)
	}
	env := mustEnvelope(t, "percepts", "idem-crash")
	if _, err := w.append(env); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.f.Write([]byte{1, 2, 3}); err != nil { // simulate torn trailing write
		t.Fatalf("write garbage: %v", err)
	}
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := openWAL(path, 1)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer w2.close()
	if got := w2.length(); got != 1 {
		t.Fatalf("length after recovery = %d, want 1", got)
	}

	// Appends after recovery must not be corrupted by the truncated tail.
	env2 := mustEnvelope(t, "percepts", "idem-after-crash")
	if _, err := w2.append(env2); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if got := w2.length(); got != 2 {
		t.Fatalf("length after second append = %d, want 2", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}
