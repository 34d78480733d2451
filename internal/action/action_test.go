package action

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/policy"
	"github.com/familyos/familyos/internal/store"
)

type fakeAdapter struct {
	spec    ToolSpec
	calls   int
	failN   int // fail this many calls before succeeding
	result  Result
	panics  bool
}

func (f *fakeAdapter) Spec() ToolSpec { return f.spec }

func (f *fakeAdapter) Dispatch(ctx context.Context, req Request) (Result, error) {
	f.calls++
	if f.panics {
		panic("boom")
	}
	if f.calls <= f.failN {
		return Result{}, errors.New("transient failure")
	}
	return f.result, nil
}

type fakePublisher struct {
	published []*envelope.Envelope
}

func (f *fakePublisher) Publish(env *envelope.Envelope) (uint64, error) {
	f.published = append(f.published, env)
	return uint64(len(f.published)), nil
}

func newTestRunner(t *testing.T) (*Runner, *fakePublisher, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	gate, err := policy.New(policy.DefaultRuleSet(), 16, zap.NewNop(), obs.NewMetrics())
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	budget := NewBudgetSet(100, time.Minute)
	t.Cleanup(budget.Close)
	sandbox := NewSandbox(budget)
	pub := &fakePublisher{}
	runner := New(db, gate, sandbox, pub, zap.NewNop(), obs.NewMetrics())
	return runner, pub, db
}

func testSpec(toolID string) ToolSpec {
	return ToolSpec{
		ToolID: toolID, Version: "1", SafetyClass: "low", TimeoutMS: 2000,
		IdempotencyKeyFields: []string{"path"}, SandboxProfile: SandboxDefault,
	}
}

func withRegistered(t *testing.T, a Adapter) {
	t.Helper()
	RegisterTool(a)
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, a.Spec().ToolID)
		registryMu.Unlock()
	})
}

func TestRunDispatchesAndPersistsReceipt(t *testing.T) {
	runner, pub, _ := newTestRunner(t)
	adapter := &fakeAdapter{spec: testSpec("test.echo"), result: Result{Output: map[string]any{"ok": true}, Cost: 0.1, Quality: 0.9}}
	withRegistered(t, adapter)

	req := Request{
		ToolID: "test.echo", SpaceID: "household:main", Band: envelope.BandGreen,
		Subject: policy.Subject{ID: "alice", Roles: []string{"guardian"}},
		Params:  map[string]any{"path": "/tmp/x"},
	}
	receipt, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if receipt.Status != StatusOK {
		t.Fatalf("status = %s, want ok", receipt.Status)
	}
	if receipt.Reward == nil {
		t.Fatalf("expected reward to be set")
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
}

func TestRunShortCircuitsOnCachedIdempotencyKey(t *testing.T) {
	runner, pub, _ := newTestRunner(t)
	adapter := &fakeAdapter{spec: testSpec("test.once"), result: Result{Output: map[string]any{"n": 1}, Quality: 1}}
	withRegistered(t, adapter)

	req := Request{
		ToolID: "test.once", SpaceID: "household:main", Band: envelope.BandGreen,
		Subject: policy.Subject{ID: "alice", Roles: []string{"guardian"}},
		Params:  map[string]any{"path": "/tmp/once"},
	}
	if _, err := runner.Run(context.Background(), req); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := runner.Run(context.Background(), req); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if adapter.calls != 1 {
		t.Fatalf("adapter calls = %d, want 1 (second call should hit cache)", adapter.calls)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1 (only the live path publishes; the cached path returns the stored receipt)", len(pub.published))
	}
}

func TestRunDeniesOnBlackBandDispatch(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	adapter := &fakeAdapter{spec: testSpec("test.black"), result: Result{Quality: 1}}
	withRegistered(t, adapter)

	req := Request{
		ToolID: "test.black", SpaceID: "household:main", Band: envelope.BandBlack,
		Subject: policy.Subject{ID: "alice"},
		Params:  map[string]any{"path": "/tmp/x"},
	}
	receipt, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if receipt.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", receipt.Status)
	}
	if adapter.calls != 0 {
		t.Fatalf("adapter should never be dispatched on a policy deny")
	}
}

func TestRunRetriesThenQuarantinesAfterMaxAttempts(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	adapter := &fakeAdapter{spec: testSpec("test.flaky"), failN: MaxDispatchAttempts + 5}
	withRegistered(t, adapter)

	req := Request{
		ToolID: "test.flaky", SpaceID: "household:main", Band: envelope.BandGreen,
		Subject: policy.Subject{ID: "alice", Roles: []string{"guardian"}},
		Params:  map[string]any{"path": "/tmp/flaky"},
	}
	receipt, err := runner.Run(context.Background(), req)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if receipt.Status != StatusQuarantined {
		t.Fatalf("status = %s, want quarantined", receipt.Status)
	}
	if adapter.calls != MaxDispatchAttempts {
		t.Fatalf("adapter calls = %d, want %d", adapter.calls, MaxDispatchAttempts)
	}
}

func TestHighIsolationSandboxRecoversPanic(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	spec := testSpec("test.panics")
	spec.SandboxProfile = SandboxHighIsolation
	adapter := &fakeAdapter{spec: spec, panics: true}
	withRegistered(t, adapter)

	req := Request{
		ToolID: "test.panics", SpaceID: "household:main", Band: envelope.BandGreen,
		Subject: policy.Subject{ID: "alice", Roles: []string{"guardian"}},
		Params:  map[string]any{"path": "/tmp/panics"},
	}
	receipt, err := runner.Run(context.Background(), req)
	if err == nil {
		t.Fatalf("expected error from panicking adapter")
	}
	if receipt.Status != StatusQuarantined {
		t.Fatalf("status = %s, want quarantined", receipt.Status)
	}
}

func TestRunRedactsPIIOnAmberObligation(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	adapter := &fakeAdapter{
		spec:   testSpec("test.amber"),
		result: Result{Output: map[string]any{"reply": "call me at 555-123-4567"}, Quality: 1},
	}
	withRegistered(t, adapter)

	req := Request{
		ToolID: "test.amber", SpaceID: "household:main", Band: envelope.BandAmber,
		Subject: policy.Subject{ID: "alice", Roles: []string{"guardian"}},
		Params:  map[string]any{"path": "/tmp/amber", "note": "email jane@example.com"},
	}
	receipt, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !policy.HasObligation(receipt.Obligations, policy.ObligationRedactPII) {
		t.Fatalf("expected redact_pii obligation on AMBER dispatch, got %v", receipt.Obligations)
	}
	if receipt.Inputs["note"] == "email jane@example.com" {
		t.Fatalf("expected note input to be redacted, got %q", receipt.Inputs["note"])
	}
	if receipt.Outputs["reply"] == "call me at 555-123-4567" {
		t.Fatalf("expected reply output to be redacted, got %q", receipt.Outputs["reply"])
	}
}

func TestIdempotencyKeyIsOrderAndToolStable(t *testing.T) {
	k1 := IdempotencyKey("test.echo", []string{"path", "hash"}, map[string]any{"path": "/a", "hash": "xyz"})
	k2 := IdempotencyKey("test.echo", []string{"path", "hash"}, map[string]any{"path": "/a", "hash": "xyz"})
	if k1 != k2 {
		t.Fatalf("IdempotencyKey not deterministic: %s != %s", k1, k2)
	}
	k3 := IdempotencyKey("test.echo", []string{"path", "hash"}, map[string]any{"path": "/b", "hash": "xyz"})
	if k1 == k3 {
		t.Fatalf("IdempotencyKey collided across different param values")
	}
}

func TestRewardFormulaMatchesDefaults(t *testing.T) {
	w := DefaultRewardWeights()
	r := Reward(w, true, 1.0, 0.0, 0.0)
	if math.Abs(r-0.9) > 1e-9 {
		t.Fatalf("reward = %v, want 0.9 for perfect success/quality at zero cost/latency", r)
	}
	rFail := Reward(w, false, 0, 0, 0)
	if rFail != 0 {
		t.Fatalf("reward = %v, want 0 for failure with zero quality", rFail)
	}
}

func TestBudgetSetExhaustsAndRefills(t *testing.T) {
	b := NewBudgetSet(2, 20*time.Millisecond)
	defer b.Close()
	// "low" costs 1 token per consume; capacity 2 allows exactly two before exhaustion.
	if !b.Consume("low") || !b.Consume("low") {
		t.Fatalf("expected first two low-cost consumes to succeed")
	}
	if b.Consume("low") {
		t.Fatalf("expected third consume to fail, budget exhausted")
	}
	time.Sleep(60 * time.Millisecond)
	if !b.Consume("low") {
		t.Fatalf("expected consume to succeed after refill")
	}
}

func TestBudgetSetPerClassIsolation(t *testing.T) {
	b := NewBudgetSet(5, time.Hour)
	defer b.Close()
	if !b.Consume("low") {
		t.Fatalf("expected low-cost consume to succeed")
	}
	if b.Remaining("high") != 5 {
		t.Fatalf("high class budget should be untouched by a low class consume, got %d", b.Remaining("high"))
	}
}
