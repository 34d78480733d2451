package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/action"
	"github.com/familyos/familyos/internal/bus"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/policy"
	"github.com/familyos/familyos/internal/prospective"
	"github.com/familyos/familyos/internal/store"
	"github.com/familyos/familyos/internal/workflow"
	"github.com/familyos/familyos/internal/workspace"
)

type fakeAdapter struct{ spec action.ToolSpec }

func (f *fakeAdapter) Spec() action.ToolSpec { return f.spec }
func (f *fakeAdapter) Dispatch(_ context.Context, _ action.Request) (action.Result, error) {
	return action.Result{Output: map[string]any{"ok": true}, Quality: 1}, nil
}

var registerTestEcho = sync.OnceFunc(func() {
	action.RegisterTool(&fakeAdapter{spec: action.ToolSpec{
		ToolID: "test.echo", SafetyClass: "low", TimeoutMS: 2000,
		IdempotencyKeyFields: []string{"x"}, SandboxProfile: action.SandboxDefault,
	}})
})

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := zap.NewNop()
	metrics := obs.NewMetrics()

	b := bus.New(bus.Config{
		WALPath: dir, FsyncBatch: 1, MaxInFlight: 4, RedeliveryTimeout: 2 * time.Second,
		MaxRetries: 2, BackoffBaseMS: 1, BackoffMaxMS: 5, QueueCapacity: 64,
	}, db, log, metrics)
	t.Cleanup(func() { _ = b.Close() })

	gate, err := policy.New(policy.DefaultRuleSet(), 16, log, metrics)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	coordinator := workflow.New(db, b, log, metrics)
	wm := workspace.New(workspace.DefaultConfig(), log, metrics, nil)

	budget := action.NewBudgetSet(100, time.Minute)
	t.Cleanup(budget.Close)
	sandbox := action.NewSandbox(budget)
	runner := action.New(db, gate, sandbox, b, log, metrics)
	registerTestEcho()
	scheduler := prospective.New(db, b, gate, log, metrics)

	socketPath := filepath.Join(dir, "operator.sock")
	srv := New(socketPath, coordinator, wm, nil, runner, scheduler, log)
	return srv, socketPath
}

func startServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = srv.ListenAndServe(ctx)
	}()
	<-ready
	time.Sleep(50 * time.Millisecond) // let the listener bind
}

func roundTrip(t *testing.T, socketPath string, req Request) Response {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.DialTimeout("unix", socketPath, time.Second)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestWorkspaceSlotsRoundTrip(t *testing.T) {
	srv, socketPath := newTestServer(t)
	startServer(t, srv)

	srv.wm.Admit("household:main", []workspace.Candidate{{EventID: "e1", Summary: "hi"}}, time.Now())

	resp := roundTrip(t, socketPath, Request{Cmd: "workspace_slots", SpaceID: "household:main"})
	if !resp.OK {
		t.Fatalf("response not ok: %s", resp.Error)
	}
	if len(resp.Slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(resp.Slots))
	}
}

func TestActionDispatchRoundTrip(t *testing.T) {
	srv, socketPath := newTestServer(t)
	startServer(t, srv)

	resp := roundTrip(t, socketPath, Request{
		Cmd: "action_dispatch", ToolID: "test.echo", SpaceID: "household:main",
		SubjectID: "alice", Params: map[string]any{"x": 1},
	})
	if !resp.OK {
		t.Fatalf("response not ok: %s", resp.Error)
	}
	if resp.Receipt == nil || resp.Receipt.Status != action.StatusOK {
		t.Fatalf("receipt = %+v, want status ok", resp.Receipt)
	}
}

func TestWorkflowStatusMissingRunErrors(t *testing.T) {
	srv, socketPath := newTestServer(t)
	startServer(t, srv)

	resp := roundTrip(t, socketPath, Request{Cmd: "workflow_status", RunID: "nope"})
	if resp.OK {
		t.Fatalf("expected error for missing run")
	}
}

func TestSyncStatusDisabledWhenReplicatorNil(t *testing.T) {
	srv, socketPath := newTestServer(t)
	startServer(t, srv)

	resp := roundTrip(t, socketPath, Request{Cmd: "sync_status", SpaceID: "household:main"})
	if resp.OK {
		t.Fatalf("expected error: sync disabled")
	}
}

func TestTriggerUpsertAndCancelRoundTrip(t *testing.T) {
	srv, socketPath := newTestServer(t)
	startServer(t, srv)

	upsertResp := roundTrip(t, socketPath, Request{
		Cmd:       "trigger_upsert",
		SubjectID: "alice",
		Trigger: &prospective.Trigger{
			SpaceID:  "household:main",
			Schedule: prospective.Schedule{Kind: prospective.ScheduleInterval, EverySeconds: 60},
		},
	})
	if !upsertResp.OK {
		t.Fatalf("trigger_upsert response not ok: %s", upsertResp.Error)
	}
	if upsertResp.Trigger == nil || upsertResp.Trigger.ID == "" {
		t.Fatalf("expected a persisted trigger with an id, got %+v", upsertResp.Trigger)
	}

	cancelResp := roundTrip(t, socketPath, Request{
		Cmd: "trigger_cancel", TriggerID: upsertResp.Trigger.ID, SubjectID: "alice",
	})
	if !cancelResp.OK {
		t.Fatalf("trigger_cancel response not ok: %s", cancelResp.Error)
	}
}

func TestTriggerUpsertMissingTriggerErrors(t *testing.T) {
	srv, socketPath := newTestServer(t)
	startServer(t, srv)

	resp := roundTrip(t, socketPath, Request{Cmd: "trigger_upsert", SubjectID: "alice"})
	if resp.OK {
		t.Fatalf("expected error when trigger is missing")
	}
}

func TestUnknownCommand(t *testing.T) {
	srv, socketPath := newTestServer(t)
	startServer(t, srv)

	resp := roundTrip(t, socketPath, Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatalf("expected error for unknown command")
	}
	if resp.Error == "" {
		t.Fatalf("expected a non-empty error message")
	}
}
