package prospective

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/bus"
	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/policy"
	"github.com/familyos/familyos/internal/store"
)

const triggerBucket = "prospective"

// Scheduler owns the Trigger store and the tick-driven evaluation loop.
// Every emitted envelope goes through the Policy Gate first, mirroring the
// Workflow Coordinator's "Gate-checked" derived-envelope emission
// (spec.md §3.5).
type Scheduler struct {
	db      *store.DB
	bus     *bus.Bus
	gate    *policy.Gate
	log     *zap.Logger
	metrics *obs.Metrics
}

// New constructs a Scheduler.
func New(db *store.DB, b *bus.Bus, gate *policy.Gate, log *zap.Logger, metrics *obs.Metrics) *Scheduler {
	return &Scheduler{db: db, bus: b, gate: gate, log: log, metrics: metrics}
}

// Upsert validates, persists, and publishes PROS_TRIGGER_UPSERT for t. An
// empty ID mints a new trigger; a known ID replaces it in place. New
// triggers without an explicit NextFireAt have one computed from `now`.
func (s *Scheduler) Upsert(t Trigger, band envelope.Band, subject policy.Subject, now time.Time) (Trigger, error) {
	if err := t.validate(); err != nil {
		return Trigger{}, ferrors.Wrap(ferrors.KindValidation, "prospective.Upsert", err, nil)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if t.Status == StatusActive && t.NextFireAt.IsZero() {
		if next, ok := firstFireAt(t.Schedule, now); ok {
			t.NextFireAt = next
		} else {
			t.Status = StatusExpired
		}
	}

	if err := s.persist(t); err != nil {
		return Trigger{}, err
	}
	if err := s.publish(envelope.TypeProsTriggerUpsert, t, band, subject); err != nil {
		s.log.Warn("prospective: failed to publish PROS_TRIGGER_UPSERT", zap.Error(err), zap.String("trigger_id", t.ID))
	}
	return t, nil
}

// Cancel marks a trigger CANCELLED and publishes PROS_TRIGGER_CANCELLED.
func (s *Scheduler) Cancel(triggerID string, band envelope.Band, subject policy.Subject, now time.Time) error {
	t, found, err := s.load(triggerID)
	if err != nil {
		return err
	}
	if !found {
		return ferrors.New(ferrors.KindValidation, "prospective.Cancel", map[string]any{"trigger_id": triggerID, "reason": "not found"})
	}
	t.Status = StatusCancelled
	t.NextFireAt = time.Time{}
	t.UpdatedAt = now
	if err := s.persist(t); err != nil {
		return err
	}
	return s.publish(envelope.TypeProsTriggerCancelled, t, band, subject)
}

// Snooze pushes a trigger's next fire to `until` and publishes
// PROS_TRIGGER_SNOOZED.
func (s *Scheduler) Snooze(triggerID string, until time.Time, band envelope.Band, subject policy.Subject, now time.Time) error {
	t, found, err := s.load(triggerID)
	if err != nil {
		return err
	}
	if !found {
		return ferrors.New(ferrors.KindValidation, "prospective.Snooze", map[string]any{"trigger_id": triggerID, "reason": "not found"})
	}
	t.Status = StatusSnoozed
	t.NextFireAt = until
	t.UpdatedAt = now
	if err := s.persist(t); err != nil {
		return err
	}
	return s.publish(envelope.TypeProsTriggerSnoozed, t, band, subject)
}

// Resume reactivates a SNOOZED trigger, recomputing its next fire from now.
func (s *Scheduler) Resume(triggerID string, band envelope.Band, subject policy.Subject, now time.Time) error {
	t, found, err := s.load(triggerID)
	if err != nil {
		return err
	}
	if !found {
		return ferrors.New(ferrors.KindValidation, "prospective.Resume", map[string]any{"trigger_id": triggerID, "reason": "not found"})
	}
	t.Status = StatusActive
	if next, ok := firstFireAt(t.Schedule, now); ok {
		t.NextFireAt = next
	} else {
		t.Status = StatusExpired
		t.NextFireAt = time.Time{}
	}
	t.UpdatedAt = now
	if err := s.persist(t); err != nil {
		return err
	}
	return s.publish(envelope.TypeProsTriggerUpsert, t, band, subject)
}

// TickResult summarizes one trigger's disposition in a Tick pass, useful
// for tests and for the operator inspecting a run.
type TickResult struct {
	TriggerID string
	Fired     bool
	Reason    string
	Eligibility float64
	NextFireAt time.Time
}

// Tick evaluates every ACTIVE trigger whose NextFireAt is due (<= now)
// against gating, fires or skips it, advances its schedule, and persists
// the result. Triggers not yet due are left untouched.
func (s *Scheduler) Tick(now time.Time, gating GatingContext, band envelope.Band, subject policy.Subject) ([]TickResult, error) {
	var due []Trigger
	err := s.db.ForEachPrefix(triggerBucket, nil, func(_, v []byte) error {
		var t Trigger
		if err := json.Unmarshal(v, &t); err != nil {
			return nil // tolerate a malformed record rather than aborting the whole sweep
		}
		if t.Status == StatusActive && !t.NextFireAt.IsZero() && !t.NextFireAt.After(now) {
			due = append(due, t)
		}
		return nil
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, "prospective.Tick", err, nil)
	}

	results := make([]TickResult, 0, len(due))
	for _, t := range due {
		res, err := s.evaluateOne(t, now, gating, band, subject)
		if err != nil {
			s.log.Warn("prospective: tick evaluation failed", zap.Error(err), zap.String("trigger_id", t.ID))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Scheduler) evaluateOne(t Trigger, now time.Time, gating GatingContext, band envelope.Band, subject policy.Subject) (TickResult, error) {
	cond := t.Conditions.withDefaults()
	eligibility := gating.eligibility()
	if s.metrics != nil {
		s.metrics.ProsEligibility.Observe(eligibility)
	}

	var (
		firedAt  = t.NextFireAt
		fired    bool
		reason   string
	)
	switch {
	case gating.Arousal > cond.ArousalHighThreshold:
		reason = "arousal_too_high"
	case eligibility < cond.MinEligibility:
		reason = "low_eligibility"
	default:
		fired = true
	}

	if fired {
		t.FireCount++
	}
	// Advance from the later of the last slot and now, so slots missed while
	// the scheduler was idle are skipped rather than fired one per tick.
	after := firedAt
	if now.After(after) {
		after = now
	}
	if next, ok := nextFireAfter(t.Schedule, after, t.FireCount); ok {
		t.NextFireAt = next
	} else {
		t.Status = StatusExpired
		t.NextFireAt = time.Time{}
	}
	t.UpdatedAt = now

	if err := s.persist(t); err != nil {
		return TickResult{}, err
	}

	payload := map[string]any{
		"trigger_id":   t.ID,
		"space_id":     t.SpaceID,
		"eligibility":  eligibility,
		"next_fire_at": t.NextFireAt,
	}
	if fired {
		payload["action_envelope_template"] = t.ActionEnvelopeTemplate
		if err := s.publishPayload(envelope.TypeProsTriggerFired, t.SpaceID, payload, band, subject); err != nil {
			s.log.Warn("prospective: failed to publish PROS_TRIGGER_FIRED", zap.Error(err), zap.String("trigger_id", t.ID))
		}
		if s.metrics != nil {
			s.metrics.ProsTriggerFiredTotal.Inc()
		}
	} else {
		payload["reason"] = reason
		if err := s.publishPayload(envelope.TypeProsTriggerSkipped, t.SpaceID, payload, band, subject); err != nil {
			s.log.Warn("prospective: failed to publish PROS_TRIGGER_SKIPPED", zap.Error(err), zap.String("trigger_id", t.ID))
		}
		if s.metrics != nil {
			s.metrics.ProsTriggerSkippedTotal.WithLabelValues(reason).Inc()
		}
	}

	return TickResult{TriggerID: t.ID, Fired: fired, Reason: reason, Eligibility: eligibility, NextFireAt: t.NextFireAt}, nil
}

func (s *Scheduler) load(triggerID string) (Trigger, bool, error) {
	var t Trigger
	found, err := s.db.GetJSON(triggerBucket, []byte(triggerID), &t)
	if err != nil {
		return Trigger{}, false, ferrors.Wrap(ferrors.KindInternal, "prospective.load", err, nil)
	}
	return t, found, nil
}

func (s *Scheduler) persist(t Trigger) error {
	if err := s.db.PutJSON(triggerBucket, []byte(t.ID), t); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "prospective.persist", err, map[string]any{"trigger_id": t.ID})
	}
	return nil
}

// publish evaluates the Policy Gate for the trigger's space, redacts the
// payload when obligated, and publishes the envelope — the same
// Gate-then-redact chokepoint cmd/familyosd.publishGated uses for every
// other producer-side write.
func (s *Scheduler) publish(typ envelope.EnvelopeType, t Trigger, band envelope.Band, subject policy.Subject) error {
	return s.publishPayload(typ, t.SpaceID, t, band, subject)
}

func (s *Scheduler) publishPayload(typ envelope.EnvelopeType, spaceID string, payload any, band envelope.Band, subject policy.Subject) error {
	if s.bus == nil {
		return nil
	}
	decision, err := s.gate.Evaluate(policy.Request{
		Subject: subject,
		Action:  policy.ActionPublish,
		SpaceID: envelope.SpaceID(spaceID),
		Band:    band,
	})
	if err != nil {
		return fmt.Errorf("prospective.publish: policy evaluate: %w", err)
	}
	if decision.Decision == policy.Deny {
		return ferrors.New(ferrors.KindPolicyDenied, "prospective.publish", map[string]any{"space_id": spaceID, "reason": decision.Reason})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("prospective.publish: marshal: %w", err)
	}
	if policy.HasObligation(decision.Obligations, policy.ObligationRedactPII) {
		if redacted, changed := policy.RedactPII(raw); changed {
			raw = redacted
		}
	}

	env, err := envelope.New("prospective.trigger", typ, envelope.SpaceID(spaceID), band,
		envelope.QoS{Priority: "normal"}, "", json.RawMessage(raw))
	if err != nil {
		return err
	}
	_, err = s.bus.Publish(env)
	return err
}
