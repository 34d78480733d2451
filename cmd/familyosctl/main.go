// Package main — cmd/familyosctl/main.go
//
// FAMILYOSCTL is the operator CLI for a running familyosd: it dials the
// Unix domain socket at -socket, sends one newline-delimited JSON request,
// and prints the response.
//
// Usage:
//
//	familyosctl -socket /run/familyos/operator.sock workflow-status -run-id r-123
//	familyosctl workflow-trigger -spec-id onboarding -idempotency-key u-42 -vars '{"name":"Sam"}'
//	familyosctl workspace-slots -space-id household:main
//	familyosctl sync-status -space-id household:main
//	familyosctl action-dispatch -tool-id notify.guardian -space-id household:main -subject-id alice -params '{"to":"bob","message":"hi"}'
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/familyos/familyos/internal/operator"
)

func main() {
	socketPath := flag.String("socket", "/run/familyos/operator.sock", "Path to the operator Unix domain socket")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	req, err := buildRequest(args[0], args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "familyosctl: %v\n", err)
		os.Exit(2)
	}

	resp, err := send(*socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "familyosctl: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	if !resp.OK {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `familyosctl: operator CLI for familyosd

Commands:
  workflow-status    -run-id ID
  workflow-trigger   -spec-id ID -idempotency-key KEY [-vars JSON]
  workspace-slots     -space-id ID
  sync-status          -space-id ID
  action-dispatch       -tool-id ID -space-id ID [-subject-id ID] [-params JSON]

Flags:
  -socket PATH   operator Unix domain socket (default /run/familyos/operator.sock)`)
}

func buildRequest(cmd string, rest []string) (operator.Request, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	runID := fs.String("run-id", "", "")
	specID := fs.String("spec-id", "", "")
	idemKey := fs.String("idempotency-key", "", "")
	spaceID := fs.String("space-id", "", "")
	toolID := fs.String("tool-id", "", "")
	subjectID := fs.String("subject-id", "", "")
	varsJSON := fs.String("vars", "", "")
	paramsJSON := fs.String("params", "", "")
	if err := fs.Parse(rest); err != nil {
		return operator.Request{}, err
	}

	req := operator.Request{
		RunID: *runID, SpecID: *specID, IdempotencyKey: *idemKey,
		SpaceID: *spaceID, ToolID: *toolID, SubjectID: *subjectID,
	}

	switch cmd {
	case "workflow-status":
		req.Cmd = "workflow_status"
	case "workflow-trigger":
		req.Cmd = "workflow_trigger"
		if *varsJSON != "" {
			if err := json.Unmarshal([]byte(*varsJSON), &req.Vars); err != nil {
				return operator.Request{}, fmt.Errorf("invalid -vars JSON: %w", err)
			}
		}
	case "workspace-slots":
		req.Cmd = "workspace_slots"
	case "sync-status":
		req.Cmd = "sync_status"
	case "action-dispatch":
		req.Cmd = "action_dispatch"
		if *paramsJSON != "" {
			if err := json.Unmarshal([]byte(*paramsJSON), &req.Params); err != nil {
				return operator.Request{}, fmt.Errorf("invalid -params JSON: %w", err)
			}
		}
	default:
		return operator.Request{}, fmt.Errorf("unknown command %q", cmd)
	}
	return req, nil
}

func send(socketPath string, req operator.Request) (operator.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return operator.Response{}, fmt.Errorf("dial %q: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return operator.Response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return operator.Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return operator.Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp operator.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return operator.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
