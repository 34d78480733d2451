// Package action also defines Runner, the orchestrator driving each
// dispatch through the spec.md §4.J state machine:
//
//	Validate -> GatePolicy -> IdempotencyCheck ->
//	  (ReturnCached | Sandbox -> Dispatch ->
//	    (Capture -> PersistReceipt -> PublishEvent | HandleError -> Retry | Quarantine))
//
// Grounded on internal/kernel/events.go's Processor shape for the
// ctx-bounded dispatch call, and on internal/governance/constitutional.go's
// decision-then-audit-then-act ordering (policy decision is always
// recorded on the Receipt before the adapter ever runs).
package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/policy"
	"github.com/familyos/familyos/internal/store"
)

// Publisher is the subset of bus.Bus the Runner needs, kept narrow so
// tests can stub it without standing up a full Bus.
type Publisher interface {
	Publish(env *envelope.Envelope) (uint64, error)
}

// MaxDispatchAttempts bounds HandleError -> Retry before the dispatch is
// recorded as a quarantined Receipt.
const MaxDispatchAttempts = 3

// Runner orchestrates tool dispatch.
type Runner struct {
	db      *store.DB
	gate    *policy.Gate
	sandbox *Sandbox
	bus     Publisher
	log     *zap.Logger
	metrics *obs.Metrics
	reward  RewardWeights
}

// New constructs a Runner.
func New(db *store.DB, gate *policy.Gate, sandbox *Sandbox, bus Publisher, log *zap.Logger, metrics *obs.Metrics) *Runner {
	return &Runner{db: db, gate: gate, sandbox: sandbox, bus: bus, log: log, metrics: metrics, reward: DefaultRewardWeights()}
}

// Run drives one dispatch attempt through the full state machine and
// returns the persisted Receipt.
func (r *Runner) Run(ctx context.Context, req Request) (Receipt, error) {
	started := time.Now().UTC()

	// Validate
	adapter, err := GetTool(req.ToolID)
	if err != nil {
		return Receipt{}, ferrors.Wrap(ferrors.KindValidation, "action.Run", err, nil)
	}
	spec := adapter.Spec()
	if len(spec.IdempotencyKeyFields) == 0 {
		return Receipt{}, ferrors.New(ferrors.KindValidation, "action.Run", map[string]any{"tool_id": spec.ToolID, "reason": "no idempotency_key_fields declared"})
	}

	// GatePolicy
	decision, err := r.gate.Evaluate(policy.Request{
		Subject: req.Subject,
		Action:  policy.ActionDispatch,
		SpaceID: req.SpaceID,
		Band:    req.Band,
	})
	if err != nil {
		return Receipt{}, ferrors.Wrap(ferrors.KindInternal, "action.Run", err, nil)
	}
	if decision.Decision == policy.Deny {
		if r.metrics != nil {
			r.metrics.ActionDispatchedTotal.WithLabelValues(spec.ToolID, string(StatusSkipped)).Inc()
		}
		denied := Receipt{
			ReceiptID: idemKeyHex(spec.ToolID, started), ToolID: spec.ToolID,
			Status: StatusSkipped, StartedAt: started, FinishedAt: time.Now().UTC(),
			PolicyDecision: decision.Decision, Reason: decision.Reason,
		}.withEmptyMaps()
		if err := r.persistReceipt(denied); err != nil {
			return Receipt{}, ferrors.Wrap(ferrors.KindInternal, "action.Run", err, nil)
		}
		return denied, nil
	}

	// IdempotencyCheck
	idemKey := IdempotencyKey(spec.ToolID, spec.IdempotencyKeyFields, req.Params)
	if cached, found, err := r.lookupReceipt(spec.ToolID, idemKey); err != nil {
		return Receipt{}, ferrors.Wrap(ferrors.KindInternal, "action.Run", err, nil)
	} else if found {
		if r.metrics != nil {
			r.metrics.ActionDispatchedTotal.WithLabelValues(spec.ToolID, "cached").Inc()
		}
		return cached, nil
	}

	// Sandbox -> Dispatch, with retry on adapter error up to
	// MaxDispatchAttempts before the Receipt is marked quarantined.
	var result Result
	var dispatchErr error
	attempts := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	dispatchErr = backoff.Retry(func() error {
		attempts++
		res, err := r.sandbox.Enter(ctx, spec, func(sctx context.Context) (Result, error) {
			return adapter.Dispatch(sctx, req)
		})
		if err != nil {
			if attempts >= MaxDispatchAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}, backoff.WithMaxRetries(bo, uint64(MaxDispatchAttempts-1)))

	finished := time.Now().UTC()
	latency := finished.Sub(started)
	if r.metrics != nil {
		r.metrics.ActionLatency.Observe(latency.Seconds())
	}

	redactPII := policy.HasObligation(decision.Obligations, policy.ObligationRedactPII)

	receipt := Receipt{
		ReceiptID: idemKeyHex(spec.ToolID, started), ToolID: spec.ToolID, IdempotencyKey: idemKey,
		StartedAt: started, FinishedAt: finished, PolicyDecision: decision.Decision,
		Obligations: decision.Obligations,
		Inputs:      captureFields(req.Params, req.Sensitive, redactPII),
	}

	if dispatchErr != nil {
		// HandleError -> Quarantine (every retry exhausted)
		receipt.Status = StatusQuarantined
		receipt.Error = dispatchErr.Error()
		if r.metrics != nil {
			r.metrics.ActionDispatchedTotal.WithLabelValues(spec.ToolID, string(StatusQuarantined)).Inc()
		}
	} else {
		// Capture -> PersistReceipt
		receipt.Status = StatusOK
		receipt.CostNorm = result.Cost
		receipt.Quality = result.Quality
		receipt.Outputs = captureFields(result.Output, req.Sensitive, redactPII)
		reward := Reward(r.reward, true, result.Quality, result.Cost, normalizedLatency(latency, spec.TimeoutMS))
		receipt.Reward = &reward
		if r.metrics != nil {
			r.metrics.ActionDispatchedTotal.WithLabelValues(spec.ToolID, string(StatusOK)).Inc()
			r.metrics.ActionBudgetRemaining.WithLabelValues(spec.SafetyClass).Set(float64(r.sandbox.budget.Remaining(spec.SafetyClass)))
		}
	}

	if err := r.persistReceipt(receipt); err != nil {
		return Receipt{}, ferrors.Wrap(ferrors.KindInternal, "action.Run", err, nil)
	}

	// PublishEvent
	if r.bus != nil {
		if err := r.publishReceipt(receipt, req.SpaceID, req.Band); err != nil {
			r.log.Warn("action: failed to publish ACTION_EXECUTED", zap.Error(err))
		}
	}

	if dispatchErr != nil {
		return receipt, ferrors.Wrap(ferrors.KindUnavailable, "action.Run", dispatchErr, nil)
	}
	return receipt, nil
}

func normalizedLatency(latency time.Duration, timeoutMS int) float64 {
	if timeoutMS <= 0 {
		return 0
	}
	ratio := latency.Seconds() / (float64(timeoutMS) / 1000.0)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// captureFields flattens fields to strings for receipt storage. Fields
// explicitly declared sensitive by the tool spec are always hashed. When
// redactPII is set (the Policy Gate returned the redact_pii obligation for
// this band, spec.md §4.C), every remaining value is additionally scanned
// for PII (phone numbers, emails) and rewritten before it is ever persisted
// — the obligation applies regardless of whether the caller declared the
// field sensitive.
func captureFields(fields map[string]any, sensitive []string, redactPII bool) map[string]string {
	sensitiveSet := make(map[string]bool, len(sensitive))
	for _, s := range sensitive {
		sensitiveSet[s] = true
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if sensitiveSet[k] {
			out[k] = hashValue(v)
			continue
		}
		s := fmt.Sprintf("%v", v)
		if redactPII {
			if scrubbed, changed := policy.RedactString(s); changed {
				s = scrubbed
			}
		}
		out[k] = s
	}
	return out
}

func hashValue(v any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func idemKeyHex(toolID string, t time.Time) string {
	return IdempotencyKey(toolID, []string{"ts"}, map[string]any{"ts": t.UnixNano()})
}

func (r *Runner) lookupReceipt(toolID, idemKey string) (Receipt, bool, error) {
	var receiptID string
	found, err := r.db.GetJSON("action", idemKeyRecord(toolID, idemKey), &receiptID)
	if err != nil || !found {
		return Receipt{}, false, err
	}
	var receipt Receipt
	found, err = r.db.GetJSON("action", []byte(receiptID), &receipt)
	return receipt, found, err
}

func (r *Runner) persistReceipt(receipt Receipt) error {
	key := receiptKey(receipt.StartedAt, receipt.ReceiptID)
	if err := r.db.PutJSON("action", key, receipt); err != nil {
		return fmt.Errorf("action.persistReceipt: %w", err)
	}
	if receipt.IdempotencyKey != "" && receipt.Status == StatusOK {
		if err := r.db.PutJSON("action", idemKeyRecord(receipt.ToolID, receipt.IdempotencyKey), string(key)); err != nil {
			return fmt.Errorf("action.persistReceipt: idempotency index: %w", err)
		}
	}
	return nil
}

func (r *Runner) publishReceipt(receipt Receipt, spaceID envelope.SpaceID, band envelope.Band) error {
	env, err := envelope.New(
		"action.executed", envelope.TypeActionReceipt, spaceID, band,
		envelope.QoS{Priority: "normal"}, receipt.ReceiptID, receipt,
	)
	if err != nil {
		return err
	}
	_, err = r.bus.Publish(env)
	return err
}
