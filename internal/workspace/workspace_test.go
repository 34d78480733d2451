package workspace

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/hippocampus"
	"github.com/familyos/familyos/internal/obs"
)

func TestSalienceFormula(t *testing.T) {
	f := Features{Recency: 1, Match: 1, Goal: 1, Novelty: 1, Timefit: 1, Affect: 1, Cost: 1}
	w := DefaultWeights()
	got := Salience(f, w)
	want := w.Recency + w.Match + w.Goal + w.Novelty + w.Timefit + w.Affect - w.Cost
	if got != want {
		t.Fatalf("Salience = %f, want %f", got, want)
	}
}

func TestSoftmaxBatchSumsToOne(t *testing.T) {
	out := SoftmaxBatch([]float64{1, 2, 3}, 0.6)
	var sum float64
	for _, v := range out {
		sum += v
	}
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("softmax batch sums to %f, want 1.0", sum)
	}
}

func newTestWorkspace(t *testing.T, broadcasts *[]string) *Workspace {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BroadcastDebounce = 0
	return New(cfg, zap.NewNop(), obs.NewMetrics(), func(spaceID string, slots []Slot) {
		*broadcasts = append(*broadcasts, spaceID)
	})
}

func TestAdmitEvictsMinWeightWhenOverCapacity(t *testing.T) {
	var broadcasts []string
	cfg := DefaultConfig()
	cfg.Capacity = 2
	cfg.BroadcastDebounce = 0
	ws := New(cfg, zap.NewNop(), obs.NewMetrics(), func(spaceID string, slots []Slot) {
		broadcasts = append(broadcasts, spaceID)
	})

	now := time.Now()
	candidates := []Candidate{
		{EventID: "e1", Summary: "first", Code: hippocampus.Encode("e1", "grocery list milk eggs"), Features: Features{Recency: 0.1}},
		{EventID: "e2", Summary: "second", Code: hippocampus.Encode("e2", "soccer practice friday"), Features: Features{Recency: 0.5}},
		{EventID: "e3", Summary: "third", Code: hippocampus.Encode("e3", "dentist appointment next week"), Features: Features{Recency: 0.9}},
	}
	slots := ws.Admit("household:main", candidates, now)
	if len(slots) != 2 {
		t.Fatalf("slot count = %d, want capacity 2", len(slots))
	}
}

func TestAdmitMergesNearDuplicates(t *testing.T) {
	var broadcasts []string
	ws := newTestWorkspace(t, &broadcasts)
	now := time.Now()

	content := "pick up milk and bread from the store"
	c1 := Candidate{EventID: "e1", Summary: "milk run", Code: hippocampus.Encode("e1", content), Features: Features{Recency: 0.5}}
	slots := ws.Admit("household:main", []Candidate{c1}, now)
	if len(slots) != 1 {
		t.Fatalf("expected one slot after first admit, got %d", len(slots))
	}

	c2 := Candidate{EventID: "e2", Summary: "milk run again", Code: hippocampus.Encode("e2", content), Features: Features{Recency: 0.5}}
	slots = ws.Admit("household:main", []Candidate{c2}, now.Add(time.Second))
	if len(slots) != 1 {
		t.Fatalf("expected near-duplicate to merge, got %d slots", len(slots))
	}
	if slots[0].Weight != 1.0 {
		t.Fatalf("expected rehearsal bump capped at 1.0, got %f", slots[0].Weight)
	}
}

func TestDecayReducesWeightOverTime(t *testing.T) {
	var broadcasts []string
	cfg := DefaultConfig()
	cfg.HalfLife = 10 * time.Second
	cfg.BroadcastDebounce = 0
	ws := New(cfg, zap.NewNop(), obs.NewMetrics(), func(spaceID string, slots []Slot) {
		broadcasts = append(broadcasts, spaceID)
	})

	now := time.Now()
	c := Candidate{EventID: "e1", Summary: "one-off", Code: hippocampus.Encode("e1", "unique content here"), Features: Features{Recency: 0.5}}
	ws.Admit("household:main", []Candidate{c}, now)

	later := now.Add(10 * time.Second)
	slots := ws.Admit("household:main", nil, later)
	if len(slots) != 1 {
		t.Fatalf("expected slot to persist through decay tick, got %d", len(slots))
	}
	if diff := slots[0].Weight - 0.5; diff > 0.05 || diff < -0.05 {
		t.Fatalf("weight after one half-life = %f, want ~0.5", slots[0].Weight)
	}
}

func TestBroadcastDebounced(t *testing.T) {
	var broadcasts []string
	cfg := DefaultConfig()
	cfg.BroadcastDebounce = time.Minute
	ws := New(cfg, zap.NewNop(), obs.NewMetrics(), func(spaceID string, slots []Slot) {
		broadcasts = append(broadcasts, spaceID)
	})

	now := time.Now()
	ws.Admit("household:main", []Candidate{{EventID: "e1", Code: hippocampus.Encode("e1", "content a")}}, now)
	ws.Admit("household:main", []Candidate{{EventID: "e2", Code: hippocampus.Encode("e2", "content b")}}, now.Add(time.Millisecond))

	if len(broadcasts) != 1 {
		t.Fatalf("expected exactly one debounced broadcast, got %d", len(broadcasts))
	}
}

func TestTrimByBudgetDropsLowestScoring(t *testing.T) {
	w := DefaultWeights()
	candidates := []Candidate{
		{EventID: "cheap-high", Features: Features{Recency: 1}},
		{EventID: "expensive-low", Features: Features{Recency: 0.01}},
	}
	kept := TrimByBudget(candidates, w, 1.0, func(c Candidate) float64 {
		if c.EventID == "expensive-low" {
			return 2.0
		}
		return 0.5
	})
	if len(kept) != 1 || kept[0].EventID != "cheap-high" {
		t.Fatalf("TrimByBudget kept = %+v, want only cheap-high", kept)
	}
}
