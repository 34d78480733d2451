// Package workflow implements the Workflow Coordinator: deterministic step
// DAGs of immediate and wait_event steps, idempotent run creation keyed by
// (spec_id, idempotency_key), durable suspend/resume, and crash-safe run
// persistence.
//
// The run processor's event-driven dispatch loop is grounded on
// internal/kernel/events.go's Processor.Run: a ctx-cancellable goroutine
// that periodically checks for work and dispatches to handlers, degrading
// gracefully rather than blocking forever. Crash-safe persistence follows
// internal/storage/bolt.go's implicit "every mutation is one ACID
// transaction" guarantee, generalized here to "every step transition is one
// atomic run-record write".
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/bus"
	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
)

// StepKind is the closed catalog of step shapes.
type StepKind string

const (
	StepImmediate StepKind = "immediate"
	StepWaitEvent StepKind = "wait_event"
)

// EventMatch describes the envelope a wait_event step is suspended on.
type EventMatch struct {
	Topic         envelope.Topic       `json:"topic"`
	Type          envelope.EnvelopeType `json:"type"`
	CorrelationID string               `json:"correlation_id,omitempty"`
}

// StepSpec is one step in a WorkflowSpec's ordered DAG.
type StepSpec struct {
	ID             string        `json:"id"`
	Kind           StepKind      `json:"kind"`
	HandlerRef     string        `json:"handler_ref,omitempty"`     // for immediate
	InputsFromVars []string      `json:"inputs_from_vars,omitempty"`
	OutputsToVars  []string      `json:"outputs_to_vars,omitempty"`
	Match          *EventMatch   `json:"match,omitempty"`           // for wait_event
	TimeoutMS      int           `json:"timeout_ms,omitempty"`      // for wait_event
}

// WorkflowSpec is an ordered list of steps identified by spec_id.
type WorkflowSpec struct {
	SpecID string     `json:"spec_id"`
	Steps  []StepSpec `json:"steps"`
}

// RunStatus is the closed set of terminal/non-terminal run states,
// mirroring the mutex-guarded monotonic state-struct shape of
// internal/escalation/state_machine.go.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSuspended RunStatus = "SUSPENDED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// StepFailure records why a step did not succeed.
type StepFailure struct {
	StepID string `json:"step_id"`
	Kind   string `json:"error_kind"`
	Reason string `json:"reason"`
}

// Run is the durable, crash-safe state of one workflow execution.
type Run struct {
	RunID          string            `json:"run_id"`
	SpecID         string            `json:"spec_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         RunStatus         `json:"status"`
	CurrentStep    int               `json:"current_step"`
	Vars           map[string]any    `json:"vars"`
	Failures       []StepFailure     `json:"failures,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// HandlerFunc runs one immediate step, returning output vars to merge into
// the run, or an error.
type HandlerFunc func(ctx context.Context, run *Run, step StepSpec) (map[string]any, error)

// Coordinator runs WorkflowSpecs against durable Run state.
type Coordinator struct {
	mu       sync.Mutex
	db       *store.DB
	bus      *bus.Bus
	log      *zap.Logger
	metrics  *obs.Metrics
	specs    map[string]WorkflowSpec
	handlers map[string]HandlerFunc
}

// New constructs a Coordinator.
func New(db *store.DB, b *bus.Bus, log *zap.Logger, metrics *obs.Metrics) *Coordinator {
	return &Coordinator{
		db: db, bus: b, log: log, metrics: metrics,
		specs: make(map[string]WorkflowSpec), handlers: make(map[string]HandlerFunc),
	}
}

// RegisterSpec makes spec available for triggering.
func (c *Coordinator) RegisterSpec(spec WorkflowSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.SpecID] = spec
}

// RegisterHandler binds a handler_ref to a HandlerFunc for immediate steps.
func (c *Coordinator) RegisterHandler(ref string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ref] = h
}

func runKey(runID string) []byte { return []byte("runs/" + runID) }

func idempotencyKey(specID, idemKey string) []byte {
	return []byte("idempotency/" + specID + "__" + idemKey)
}

// Trigger creates (or resolves to the existing) run for (specID,
// idemKey), then drives it forward until it completes, suspends, or fails.
func (c *Coordinator) Trigger(ctx context.Context, specID, idemKey string, initialVars map[string]any) (*Run, error) {
	c.mu.Lock()
	spec, ok := c.specs[specID]
	c.mu.Unlock()
	if !ok {
		return nil, ferrors.New(ferrors.KindValidation, "workflow.Trigger", map[string]any{"spec_id": specID})
	}

	var existingRunID string
	found, err := c.db.GetJSON("workflow", idempotencyKey(specID, idemKey), &existingRunID)
	if err != nil {
		return nil, fmt.Errorf("workflow.Trigger: lookup idempotency: %w", err)
	}

	var run *Run
	if found {
		run, err = c.loadRun(existingRunID)
		if err != nil {
			return nil, err
		}
	} else {
		run = &Run{
			RunID: uuid.NewString(), SpecID: specID, IdempotencyKey: idemKey,
			Status: RunPending, Vars: copyVars(initialVars),
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		if err := c.persistRun(run); err != nil {
			return nil, err
		}
		if err := c.db.PutJSON("workflow", idempotencyKey(specID, idemKey), run.RunID); err != nil {
			return nil, fmt.Errorf("workflow.Trigger: persist idempotency: %w", err)
		}
		if c.metrics != nil {
			c.metrics.WorkflowRunsStartedTotal.Inc()
		}
	}

	return c.advance(ctx, spec, run)
}

func copyVars(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// advance runs immediate steps synchronously until hitting a wait_event
// step (suspend) or the end of the spec (complete).
func (c *Coordinator) advance(ctx context.Context, spec WorkflowSpec, run *Run) (*Run, error) {
	run.Status = RunRunning
	for run.CurrentStep < len(spec.Steps) {
		step := spec.Steps[run.CurrentStep]
		stepStart := time.Now()

		switch step.Kind {
		case StepImmediate:
			c.mu.Lock()
			h, ok := c.handlers[step.HandlerRef]
			c.mu.Unlock()
			if !ok {
				run.Status = RunFailed
				run.Failures = append(run.Failures, StepFailure{StepID: step.ID, Kind: "unregistered_handler", Reason: step.HandlerRef})
				return run, c.persistRun(run)
			}
			outputs, err := h(ctx, run, step)
			if err != nil {
				run.Status = RunFailed
				run.Failures = append(run.Failures, StepFailure{StepID: step.ID, Kind: "handler_error", Reason: err.Error()})
				_ = c.persistRun(run)
				return run, nil
			}
			for k, v := range outputs {
				run.Vars[k] = v
			}
			run.CurrentStep++

		case StepWaitEvent:
			run.Status = RunSuspended
			if err := c.persistRun(run); err != nil {
				return nil, err
			}
			go c.awaitStep(spec, run.RunID, step)
			if c.metrics != nil {
				c.metrics.WorkflowStepLatency.Observe(time.Since(stepStart).Seconds())
			}
			return run, nil

		default:
			run.Status = RunFailed
			run.Failures = append(run.Failures, StepFailure{StepID: step.ID, Kind: "unknown_step_kind", Reason: string(step.Kind)})
			return run, c.persistRun(run)
		}

		if c.metrics != nil {
			c.metrics.WorkflowStepLatency.Observe(time.Since(stepStart).Seconds())
		}
		if err := c.persistRun(run); err != nil {
			return nil, err
		}
	}

	run.Status = RunCompleted
	if err := c.persistRun(run); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.WorkflowRunsCompletedTotal.WithLabelValues(string(RunCompleted)).Inc()
	}
	return run, nil
}

// awaitStep subscribes a single-shot durable consumer filtering for
// step.Match, resuming the run on match or marking the step TimedOut.
func (c *Coordinator) awaitStep(spec WorkflowSpec, runID string, step StepSpec) {
	group := fmt.Sprintf("workflows:%s:%s", spec.SpecID, runID)
	timeout := time.Duration(step.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	matched := make(chan *envelope.Envelope, 1)
	if err := c.bus.Subscribe(ctx, string(step.Match.Topic), group, func(_ context.Context, env *envelope.Envelope) error {
		if env.Type != step.Match.Type {
			return nil
		}
		select {
		case matched <- env:
		default:
		}
		return nil
	}); err != nil {
		c.log.Error("workflow: subscribe for wait_event failed", zap.Error(err))
		return
	}

	select {
	case env := <-matched:
		c.resume(spec, runID, step, env)
	case <-ctx.Done():
		c.timeoutStep(runID, step)
	}
}

func (c *Coordinator) resume(spec WorkflowSpec, runID string, step StepSpec, env *envelope.Envelope) {
	run, err := c.loadRun(runID)
	if err != nil {
		c.log.Error("workflow: resume load run failed", zap.Error(err))
		return
	}
	if run.Status != RunSuspended {
		return // already resumed or terminal; idempotent no-op
	}
	for _, v := range step.OutputsToVars {
		run.Vars[v] = env.ID
	}
	run.CurrentStep++
	if _, err := c.advance(context.Background(), spec, run); err != nil {
		c.log.Error("workflow: advance after resume failed", zap.Error(err))
	}
}

func (c *Coordinator) timeoutStep(runID string, step StepSpec) {
	run, err := c.loadRun(runID)
	if err != nil {
		c.log.Error("workflow: timeout load run failed", zap.Error(err))
		return
	}
	if run.Status != RunSuspended {
		return
	}
	run.Status = RunFailed
	run.Failures = append(run.Failures, StepFailure{StepID: step.ID, Kind: "TimedOut", Reason: "wait_event timeout elapsed"})
	if err := c.persistRun(run); err != nil {
		c.log.Error("workflow: persist timed-out run failed", zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.WorkflowRunsCompletedTotal.WithLabelValues(string(RunFailed)).Inc()
	}
}

// GetRun returns the durable state of run runID, for operator inspection.
func (c *Coordinator) GetRun(runID string) (*Run, error) {
	return c.loadRun(runID)
}

func (c *Coordinator) loadRun(runID string) (*Run, error) {
	var run Run
	found, err := c.db.GetJSON("workflow", runKey(runID), &run)
	if err != nil {
		return nil, fmt.Errorf("workflow: load run %s: %w", runID, err)
	}
	if !found {
		return nil, ferrors.New(ferrors.KindValidation, "workflow.loadRun", map[string]any{"run_id": runID})
	}
	return &run, nil
}

// persistRun writes run as a single bbolt transaction — atomic by
// construction, the same crash-safety guarantee internal/storage/bolt.go
// documents for its own ledger writes.
func (c *Coordinator) persistRun(run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	if err := c.db.PutJSON("workflow", runKey(run.RunID), run); err != nil {
		return fmt.Errorf("workflow: persist run %s: %w", run.RunID, err)
	}
	return nil
}

// StepIdempotencyKey derives the deterministic idempotency key a step
// handler must use for any envelope it publishes, per spec.md §4.G.
func StepIdempotencyKey(runID, stepID string) string {
	return runID + "__" + stepID
}
