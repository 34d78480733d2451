// Package envelope defines the Envelope — the single unit of data that
// flows through the Event Bus, Policy Gate, Hippocampus, Workspace,
// Workflow Coordinator, Consolidation Engine, Sync Replicator, and Action
// Runner.
//
// Every envelope's id is content-derived: sha256(topic || space_id ||
// idempotency_key || canonical payload)[:16], hex-encoded. Two envelopes
// with identical content and identical idempotency_key always collapse to
// the same id, which is what makes bus redelivery and workflow run
// creation idempotent.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Topic is a closed bus topic name.
type Topic string

// EnvelopeType is the closed catalog of payload shapes (spec.md §6.2).
type EnvelopeType string

const (
	TypePerceptText    EnvelopeType = "percept.text"
	TypePerceptMedia   EnvelopeType = "percept.media"
	TypePerceptEvent   EnvelopeType = "percept.event"
	TypeActionRequest  EnvelopeType = "action.request"
	TypeActionReceipt  EnvelopeType = "action.receipt"
	TypeWorkflowTrigger EnvelopeType = "workflow.trigger"
	TypeWorkflowResume EnvelopeType = "workflow.resume"
	TypeConsolidationRollup EnvelopeType = "consolidation.rollup"
	TypeSyncOp         EnvelopeType = "sync.op"
	TypeWorkspaceBroadcast EnvelopeType = "workspace.broadcast"

	TypeProsTriggerUpsert    EnvelopeType = "PROS_TRIGGER_UPSERT"
	TypeProsTriggerFired     EnvelopeType = "PROS_TRIGGER_FIRED"
	TypeProsTriggerSkipped   EnvelopeType = "PROS_TRIGGER_SKIPPED"
	TypeProsTriggerSnoozed   EnvelopeType = "PROS_TRIGGER_SNOOZED"
	TypeProsTriggerCancelled EnvelopeType = "PROS_TRIGGER_CANCELLED"
)

// Band is the closed data-sensitivity classification.
type Band string

const (
	BandGreen Band = "green"
	BandAmber Band = "amber"
	BandRed   Band = "red"
	BandBlack Band = "black"
)

// SpaceID identifies a sharing scope, parsed as "{kind}:{name}" (e.g.
// "person:alice", "household:main").
type SpaceID string

// Kind returns the portion of the SpaceID before the colon.
func (s SpaceID) Kind() string {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return string(s[:i])
		}
	}
	return string(s)
}

// QoS carries delivery priority and deadline hints.
type QoS struct {
	Priority string        `json:"priority"` // "low" | "normal" | "high"
	Deadline time.Duration `json:"deadline,omitempty"`
}

// Envelope is the canonical unit of data exchanged across every FamilyOS
// component boundary.
type Envelope struct {
	ID             string         `json:"id"`
	Topic          Topic          `json:"topic"`
	Type           EnvelopeType   `json:"type"`
	SpaceID        SpaceID        `json:"space_id"`
	Band           Band           `json:"band"`
	QoS            QoS            `json:"qos"`
	IdempotencyKey string         `json:"idempotency_key"`
	Obligations    map[string]struct{} `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
	SchemaVersion  int            `json:"schema_version"`
}

// CurrentSchemaVersion is bumped on any breaking encoding change to the
// envelope or its WAL frame.
const CurrentSchemaVersion = 1

// New constructs a validated Envelope with a content-derived id.
func New(topic Topic, typ EnvelopeType, space SpaceID, band Band, qos QoS, idemKey string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope.New: marshal payload: %w", err)
	}
	if topic == "" {
		return nil, fmt.Errorf("envelope.New: topic required")
	}
	if space == "" {
		return nil, fmt.Errorf("envelope.New: space_id required")
	}

	env := &Envelope{
		Topic:          topic,
		Type:           typ,
		SpaceID:        space,
		Band:           band,
		QoS:            qos,
		IdempotencyKey: idemKey,
		CreatedAt:      time.Now().UTC(),
		Payload:        raw,
		SchemaVersion:  CurrentSchemaVersion,
	}
	env.ID = computeID(topic, space, idemKey, raw)
	return env, nil
}

// computeID derives the content-addressed envelope id.
func computeID(topic Topic, space SpaceID, idemKey string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte(space))
	h.Write([]byte(idemKey))
	h.Write(payload)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// HasObligation reports whether the given obligation key is set.
func (e *Envelope) HasObligation(key string) bool {
	_, ok := e.Obligations[key]
	return ok
}

// Unmarshal decodes the envelope payload into v.
func (e *Envelope) Unmarshal(v any) error {
	return json.Unmarshal(e.Payload, v)
}
