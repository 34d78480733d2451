package hippocampus

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
)

func newTestEncoder(t *testing.T) *Encoder {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, DefaultConfig(), zap.NewNop(), obs.NewMetrics())
}

func TestEncodeProducesFullWidthCodes(t *testing.T) {
	code := Encode("e1", "pick up milk and bread from the store")
	if len(code.SimHash)*64 != SimHashBits {
		t.Fatalf("simhash width = %d bits, want %d", len(code.SimHash)*64, SimHashBits)
	}
	if len(code.MinHash) != MinHashK {
		t.Fatalf("minhash length = %d, want %d", len(code.MinHash), MinHashK)
	}
}

func TestIdenticalContentIsNearDuplicate(t *testing.T) {
	a := Encode("e1", "pick up milk and bread from the store")
	b := Encode("e2", "pick up milk and bread from the store")
	if !IsNearDuplicate(a, b, DefaultNearDupThresholds()) {
		t.Fatalf("identical content should be a near-duplicate")
	}
}

func TestDissimilarContentIsNotNearDuplicate(t *testing.T) {
	a := Encode("e1", "pick up milk and bread from the store")
	b := Encode("e2", "soccer practice was rescheduled to friday evening")
	if IsNearDuplicate(a, b, DefaultNearDupThresholds()) {
		t.Fatalf("dissimilar content should not be a near-duplicate")
	}
}

func TestEncodeAndRecallViaCA3(t *testing.T) {
	enc := newTestEncoder(t)
	now := time.Date(2025, 9, 6, 12, 0, 0, 0, time.UTC)

	if _, err := enc.Encode("household:main", "e1", "pick up milk and bread", now, nil); err != nil {
		t.Fatalf("Encode e1: %v", err)
	}
	if _, err := enc.Encode("household:main", "e2", "soccer practice moved to friday", now.Add(time.Hour), nil); err != nil {
		t.Fatalf("Encode e2: %v", err)
	}

	cue := Encode("cue", "pick up milk")
	results, err := enc.Recall("household:main", cue, nil, 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Recall returned %d results, want 2", len(results))
	}
	if results[0].EventID != "e1" {
		t.Fatalf("top recall result = %s, want e1 (closer to cue)", results[0].EventID)
	}
}

func TestEncodeRepeatedContentRaisesNearDupCount(t *testing.T) {
	enc := newTestEncoder(t)
	now := time.Now()

	if _, err := enc.Encode("household:main", "e1", "grocery list: milk eggs bread", now, nil); err != nil {
		t.Fatalf("Encode e1: %v", err)
	}
	res, err := enc.Encode("household:main", "e2", "grocery list: milk eggs bread", now, nil)
	if err != nil {
		t.Fatalf("Encode e2: %v", err)
	}
	if res.NearDuplicateOf != "e1" {
		t.Fatalf("NearDuplicateOf = %q, want e1", res.NearDuplicateOf)
	}
}

func TestExtractTriplesHasTimeTopicMentions(t *testing.T) {
	ts := time.Date(2025, 9, 6, 14, 0, 0, 0, time.UTC)
	triples := ExtractTriples("e1", "reminder: pick up milk and take Alice to soccer practice", ts, []string{"Alice"})

	var sawTime, sawTopic, sawMentions bool
	for _, tr := range triples {
		switch tr.Predicate {
		case PredicateHasTime:
			sawTime = tr.Object == "2025-09-06-14"
		case PredicateHasTopic:
			if tr.Object == "soccer" || tr.Object == "milk" {
				sawTopic = true
			}
		case PredicateMentions:
			if tr.Object == "Alice" {
				sawMentions = true
			}
		}
	}
	if !sawTime || !sawTopic || !sawMentions {
		t.Fatalf("missing expected triples: %+v", triples)
	}
}

func TestDegradedEncodeOnEmptyContent(t *testing.T) {
	enc := newTestEncoder(t)
	res, err := enc.Encode("household:main", "e1", "", time.Now(), nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !res.Degraded || !res.Code.Degraded {
		t.Fatalf("expected degraded flag set for empty content")
	}
}
