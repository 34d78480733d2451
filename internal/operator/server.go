// Package operator — server.go
//
// Unix domain socket server for FamilyOS operator inspection and overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/familyos/operator.sock (configurable).
// Permissions: 0600, owned by the daemon's user. Only a local caller with
// filesystem access to the socket can connect.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"workflow_status","run_id":"..."}
//	  -> Returns the durable Run state for run_id.
//	  -> Response: {"ok":true,"run":{...}}
//
//	{"cmd":"workflow_trigger","spec_id":"...","idempotency_key":"...","vars":{...}}
//	  -> Triggers (or resolves to the existing) run for (spec_id, idempotency_key).
//	  -> Response: {"ok":true,"run":{...}}
//
//	{"cmd":"workspace_slots","space_id":"..."}
//	  -> Returns the current Global Workspace slot contents for space_id.
//	  -> Response: {"ok":true,"slots":[...]}
//
//	{"cmd":"sync_status","space_id":"..."}
//	  -> Returns the CRDT DAG heads and op count for space_id, plus any
//	     partitioned peers.
//	  -> Response: {"ok":true,"sync":{...},"partitioned_peers":[...]}
//
//	{"cmd":"action_dispatch","tool_id":"...","space_id":"...","subject_id":"...","params":{...}}
//	  -> Runs one tool dispatch through the Action Runner and returns its
//	     Receipt.
//	  -> Response: {"ok":true,"receipt":{...}}
//
//	{"cmd":"trigger_upsert","subject_id":"...","trigger":{...}}
//	  -> Validates, persists, and publishes PROS_TRIGGER_UPSERT for trigger.
//	  -> Response: {"ok":true,"trigger":{...}}
//
//	{"cmd":"trigger_cancel","trigger_id":"...","subject_id":"..."}
//	  -> Cancels a trigger and publishes PROS_TRIGGER_CANCELLED.
//	  -> Response: {"ok":true}
//
//	{"cmd":"trigger_snooze","trigger_id":"...","subject_id":"...","until":"<RFC3339>"}
//	  -> Snoozes a trigger until the given instant and publishes
//	     PROS_TRIGGER_SNOOZED.
//	  -> Response: {"ok":true}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - Workflow triggers and trigger upserts are logged.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/action"
	"github.com/familyos/familyos/internal/crdtsync"
	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/policy"
	"github.com/familyos/familyos/internal/prospective"
	"github.com/familyos/familyos/internal/workflow"
	"github.com/familyos/familyos/internal/workspace"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd            string         `json:"cmd"`
	RunID          string         `json:"run_id,omitempty"`
	SpecID         string         `json:"spec_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	SpaceID        string         `json:"space_id,omitempty"`
	ToolID         string         `json:"tool_id,omitempty"`
	SubjectID      string         `json:"subject_id,omitempty"`
	Vars           map[string]any `json:"vars,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Trigger        *prospective.Trigger `json:"trigger,omitempty"`
	TriggerID      string               `json:"trigger_id,omitempty"`
	Until          time.Time            `json:"until,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK               bool               `json:"ok"`
	Error            string             `json:"error,omitempty"`
	Run              *workflow.Run      `json:"run,omitempty"`
	Slots            []workspace.Slot   `json:"slots,omitempty"`
	Sync             *crdtsync.SpaceStatus `json:"sync,omitempty"`
	PartitionedPeers []string           `json:"partitioned_peers,omitempty"`
	Receipt          *action.Receipt    `json:"receipt,omitempty"`
	Trigger          *prospective.Trigger `json:"trigger,omitempty"`
}

// Server is the operator Unix domain socket server. It holds read/dispatch
// access to the components an operator needs to inspect or drive, without
// owning their lifecycle.
type Server struct {
	socketPath  string
	coordinator *workflow.Coordinator
	wm          *workspace.Workspace
	replicator  *crdtsync.Replicator // nil if sync is disabled
	runner      *action.Runner
	scheduler   *prospective.Scheduler
	log         *zap.Logger
	sem         chan struct{}
}

// New constructs an operator Server. replicator may be nil when sync is
// disabled; sync_status requests then return an error.
func New(socketPath string, coordinator *workflow.Coordinator, wm *workspace.Workspace, replicator *crdtsync.Replicator, runner *action.Runner, scheduler *prospective.Scheduler, log *zap.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		coordinator: coordinator,
		wm:          wm,
		replicator:  replicator,
		runner:      runner,
		scheduler:   scheduler,
		log:         log,
		sem:         make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "workflow_status":
		return s.cmdWorkflowStatus(req)
	case "workflow_trigger":
		return s.cmdWorkflowTrigger(ctx, req)
	case "workspace_slots":
		return s.cmdWorkspaceSlots(req)
	case "sync_status":
		return s.cmdSyncStatus(req)
	case "action_dispatch":
		return s.cmdActionDispatch(ctx, req)
	case "trigger_upsert":
		return s.cmdTriggerUpsert(req)
	case "trigger_cancel":
		return s.cmdTriggerCancel(req)
	case "trigger_snooze":
		return s.cmdTriggerSnooze(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdWorkflowStatus(req Request) Response {
	if req.RunID == "" {
		return Response{OK: false, Error: "run_id required for workflow_status"}
	}
	run, err := s.coordinator.GetRun(req.RunID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Run: run}
}

func (s *Server) cmdWorkflowTrigger(ctx context.Context, req Request) Response {
	if req.SpecID == "" || req.IdempotencyKey == "" {
		return Response{OK: false, Error: "spec_id and idempotency_key required for workflow_trigger"}
	}
	run, err := s.coordinator.Trigger(ctx, req.SpecID, req.IdempotencyKey, req.Vars)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: workflow triggered", zap.String("spec_id", req.SpecID), zap.String("run_id", run.RunID))
	return Response{OK: true, Run: run}
}

func (s *Server) cmdWorkspaceSlots(req Request) Response {
	if req.SpaceID == "" {
		return Response{OK: false, Error: "space_id required for workspace_slots"}
	}
	return Response{OK: true, Slots: s.wm.Slots(req.SpaceID)}
}

func (s *Server) cmdSyncStatus(req Request) Response {
	if s.replicator == nil {
		return Response{OK: false, Error: "sync is disabled on this node"}
	}
	if req.SpaceID == "" {
		return Response{OK: false, Error: "space_id required for sync_status"}
	}
	status, err := s.replicator.Status(req.SpaceID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Sync: &status, PartitionedPeers: s.replicator.PartitionedPeers()}
}

func (s *Server) cmdActionDispatch(ctx context.Context, req Request) Response {
	if req.ToolID == "" || req.SpaceID == "" {
		return Response{OK: false, Error: "tool_id and space_id required for action_dispatch"}
	}
	receipt, err := s.runner.Run(ctx, action.Request{
		ToolID:  req.ToolID,
		SpaceID: envelope.SpaceID(req.SpaceID),
		Band:    envelope.BandGreen,
		Subject: policy.Subject{ID: req.SubjectID},
		Params:  req.Params,
	})
	if err != nil {
		return Response{OK: false, Error: err.Error(), Receipt: &receipt}
	}
	return Response{OK: true, Receipt: &receipt}
}

func (s *Server) cmdTriggerUpsert(req Request) Response {
	if s.scheduler == nil {
		return Response{OK: false, Error: "prospective scheduler unavailable"}
	}
	if req.Trigger == nil {
		return Response{OK: false, Error: "trigger required for trigger_upsert"}
	}
	t, err := s.scheduler.Upsert(*req.Trigger, envelope.BandGreen, policy.Subject{ID: req.SubjectID, Roles: []string{"admin"}}, time.Now().UTC())
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: trigger upserted", zap.String("trigger_id", t.ID))
	return Response{OK: true, Trigger: &t}
}

func (s *Server) cmdTriggerCancel(req Request) Response {
	if s.scheduler == nil {
		return Response{OK: false, Error: "prospective scheduler unavailable"}
	}
	if req.TriggerID == "" {
		return Response{OK: false, Error: "trigger_id required for trigger_cancel"}
	}
	if err := s.scheduler.Cancel(req.TriggerID, envelope.BandGreen, policy.Subject{ID: req.SubjectID, Roles: []string{"admin"}}, time.Now().UTC()); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdTriggerSnooze(req Request) Response {
	if s.scheduler == nil {
		return Response{OK: false, Error: "prospective scheduler unavailable"}
	}
	if req.TriggerID == "" || req.Until.IsZero() {
		return Response{OK: false, Error: "trigger_id and until required for trigger_snooze"}
	}
	if err := s.scheduler.Snooze(req.TriggerID, req.Until, envelope.BandGreen, policy.Subject{ID: req.SubjectID, Roles: []string{"admin"}}, time.Now().UTC()); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
