package envelope

import "testing"

func TestNewComputesContentDerivedID(t *testing.T) {
	payload := map[string]string{"text": "pick up milk"}
	e1, err := New("percepts", TypePerceptText, "person:alice", BandAmber, QoS{Priority: "normal"}, "idem-1", payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e2, err := New("percepts", TypePerceptText, "person:alice", BandAmber, QoS{Priority: "normal"}, "idem-1", payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e1.ID != e2.ID {
		t.Fatalf("expected identical ids for identical content, got %q vs %q", e1.ID, e2.ID)
	}

	e3, err := New("percepts", TypePerceptText, "person:alice", BandAmber, QoS{Priority: "normal"}, "idem-2", payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e1.ID == e3.ID {
		t.Fatalf("expected different ids for different idempotency keys")
	}
}

func TestNewRequiresTopicAndSpace(t *testing.T) {
	if _, err := New("", TypePerceptText, "person:alice", BandAmber, QoS{}, "k", nil); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if _, err := New("percepts", TypePerceptText, "", BandAmber, QoS{}, "k", nil); err == nil {
		t.Fatalf("expected error for empty space_id")
	}
}

func TestSpaceIDKind(t *testing.T) {
	if got := SpaceID("household:main").Kind(); got != "household" {
		t.Fatalf("Kind() = %q, want household", got)
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	type payload struct {
		Text string `json:"text"`
	}
	e, err := New("percepts", TypePerceptText, "person:alice", BandGreen, QoS{Priority: "low"}, "k", payload{Text: "hi"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var out payload
	if err := e.Unmarshal(&out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Text != "hi" {
		t.Fatalf("Unmarshal roundtrip mismatch: %q", out.Text)
	}
}
