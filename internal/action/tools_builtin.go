package action

import (
	"context"
	"fmt"
)

// notifyAdapter is a reference tool adapter provided in-package, the way
// contrib/scorer.go ships ZScoreScorer as its own reference
// implementation alongside the registry it defines. It "dispatches" a
// guardian notification by producing a formatted message; real transport
// (push, SMS) is left to the caller-supplied send function.
type notifyAdapter struct {
	spec ToolSpec
	send func(ctx context.Context, to, message string) error
}

// NewNotifyAdapter constructs the "notify.guardian" tool, sandboxed
// "default" with a low safety_class, keyed for idempotency on (to,
// message).
func NewNotifyAdapter(send func(ctx context.Context, to, message string) error) Adapter {
	return &notifyAdapter{
		spec: ToolSpec{
			ToolID:               "notify.guardian",
			Version:              "1",
			CapsRequired:         []string{"notify"},
			SafetyClass:          "low",
			TimeoutMS:            5000,
			IdempotencyKeyFields: []string{"to", "message"},
			SandboxProfile:       SandboxDefault,
		},
		send: send,
	}
}

func (a *notifyAdapter) Spec() ToolSpec { return a.spec }

func (a *notifyAdapter) Dispatch(ctx context.Context, req Request) (Result, error) {
	to, _ := req.Params["to"].(string)
	message, _ := req.Params["message"].(string)
	if to == "" || message == "" {
		return Result{}, fmt.Errorf("notify.guardian: to and message are required")
	}
	if err := a.send(ctx, to, message); err != nil {
		return Result{}, fmt.Errorf("notify.guardian: send: %w", err)
	}
	return Result{Output: map[string]any{"delivered_to": to}, Cost: 0.01, Quality: 1.0}, nil
}
