package consolidation

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/hippocampus"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, DefaultConfig(), zap.NewNop(), obs.NewMetrics())
}

func TestCompactGroupsNearDuplicatesAndSkipsRedBlack(t *testing.T) {
	now := time.Now()
	content := "pick up milk and bread from the store"
	items := []CandidateItem{
		{EventID: "e1", SpaceID: "household:main", Band: "green", Content: content, Code: hippocampus.Encode("e1", content), TSUTC: now},
		{EventID: "e2", SpaceID: "household:main", Band: "green", Content: content, Code: hippocampus.Encode("e2", content), TSUTC: now.Add(time.Minute)},
		{EventID: "e3", SpaceID: "household:main", Band: "red", Content: content, Code: hippocampus.Encode("e3", content), TSUTC: now},
		{EventID: "e4", SpaceID: "household:main", Band: "green", Content: "soccer practice rescheduled to friday", Code: hippocampus.Encode("e4", "soccer practice rescheduled to friday"), TSUTC: now},
	}

	groups := Compact(items, DefaultSimilarityWeights())
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if len(groups[0].MemberIDs) != 2 {
		t.Fatalf("group members = %v, want [e1 e2]", groups[0].MemberIDs)
	}
	for _, id := range groups[0].MemberIDs {
		if id == "e3" {
			t.Fatalf("red-band item e3 must never be compacted")
		}
	}
}

func TestSelectCanonicalPrefersLongestNonBoilerplate(t *testing.T) {
	now := time.Now()
	members := []CandidateItem{
		{EventID: "short", Content: "ok", TSUTC: now},
		{EventID: "long", Content: "a much longer and more descriptive entry", TSUTC: now.Add(time.Minute)},
	}
	if got := selectCanonical(members); got != "long" {
		t.Fatalf("selectCanonical = %q, want %q", got, "long")
	}
}

func TestSelectByMMRRespectsTokenBudget(t *testing.T) {
	candidates := []Candidate{
		{EventID: "e1", Text: "one two three four five", TFIDF: 0.9, Recency: 0.8},
		{EventID: "e2", Text: "six seven eight nine ten", TFIDF: 0.8, Recency: 0.5},
		{EventID: "e3", Text: "eleven twelve thirteen", TFIDF: 0.1, Recency: 0.1},
	}
	selected := SelectByMMR(candidates, DefaultMMRWeights(), 10)
	if len(selected) == 0 {
		t.Fatalf("expected at least one sentence selected")
	}
	total := 0
	for _, s := range selected {
		total += tokenEstimate(s.Text)
	}
	if total > 15 {
		t.Fatalf("selected sentences total %d tokens, budget was 10 (some overrun allowed for first item)", total)
	}
}

func TestRunRollupPersistsAndProjectsKG(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()
	candidates := []Candidate{
		{EventID: "e1", Text: "Alice called the dentist to confirm the appointment", TFIDF: 0.9, Recency: 0.9},
		{EventID: "e2", Text: "bought groceries for the week", TFIDF: 0.6, Recency: 0.5},
	}
	rollup, err := e.RunRollup("household:main", "rollup-1", PeriodDay, now.Add(-24*time.Hour), now, candidates)
	if err != nil {
		t.Fatalf("RunRollup: %v", err)
	}
	if rollup.Version != 1 {
		t.Fatalf("version = %d, want 1", rollup.Version)
	}
	if len(rollup.Provenance) == 0 {
		t.Fatalf("expected provenance event ids")
	}

	relations := ProjectKG(rollup)
	foundCalled := false
	foundBought := false
	for _, r := range relations {
		if r.Predicate == "called" {
			foundCalled = true
		}
		if r.Predicate == "bought" {
			foundBought = true
		}
	}
	if !foundCalled || !foundBought {
		t.Fatalf("expected called and bought relations, got %+v", relations)
	}
}

func TestReconsolidatePatchesInPlaceWithinSamePeriod(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()
	_, err := e.RunRollup("household:main", "rollup-2", PeriodDay, now.Add(-24*time.Hour), now,
		[]Candidate{{EventID: "e1", Text: "early morning grocery run", TFIDF: 0.5, Recency: 0.5}})
	if err != nil {
		t.Fatalf("RunRollup: %v", err)
	}

	updated, action, err := e.Reconsolidate("rollup-2",
		[]Candidate{{EventID: "e2", Text: "late receipt confirms grocery total", TFIDF: 0.7, Recency: 0.9}},
		true, "late receipt arrived")
	if err != nil {
		t.Fatalf("Reconsolidate: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("expected in-place patch to keep version 1, got %d", updated.Version)
	}
	if action.Diff == "" {
		t.Fatalf("expected non-empty ReconAction diff")
	}
}

func TestReconsolidateProducesNewVersionAcrossPeriods(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()
	_, err := e.RunRollup("household:main", "rollup-3", PeriodDay, now.Add(-24*time.Hour), now,
		[]Candidate{{EventID: "e1", Text: "morning entry", TFIDF: 0.5, Recency: 0.5}})
	if err != nil {
		t.Fatalf("RunRollup: %v", err)
	}

	updated, _, err := e.Reconsolidate("rollup-3",
		[]Candidate{{EventID: "e2", Text: "much later correction", TFIDF: 0.7, Recency: 0.9}},
		false, "cross-period correction")
	if err != nil {
		t.Fatalf("Reconsolidate: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", updated.Version)
	}
}

func TestCompositeSimilarityDegradesWithoutVectorsOrAuthor(t *testing.T) {
	now := time.Now()
	content := "reminder to water the plants"
	a := CandidateItem{EventID: "a", Content: content, Code: hippocampus.Encode("a", content), TSUTC: now}
	b := CandidateItem{EventID: "b", Content: content, Code: hippocampus.Encode("b", content), TSUTC: now}
	score := CompositeSimilarity(a, b, DefaultSimilarityWeights())
	if score < DuplicateThreshold {
		t.Fatalf("identical content without vectors/author should still score >= threshold via Jaccard+time term, got %f", score)
	}
}
