// Package workspace implements Working Memory and the Global Workspace:
// a bounded, per-space buffer of candidate slots scored by salience, with
// half-life decay, near-duplicate merging, and debounced broadcast.
//
// The half-life decay law and single-mutex accumulator shape are grounded
// on internal/escalation/pressure.go's Accumulator; the fixed-capacity-
// with-eviction buffer shape is grounded on internal/budget/token_bucket.go's
// capacity/refill bucket; the weighted-sum-then-threshold scoring shape
// mirrors internal/escalation/severity.go (here extended from four terms to
// seven, per spec.md §4.F).
package workspace

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/hippocampus"
	"github.com/familyos/familyos/internal/obs"
)

// Features are the seven salience inputs for one candidate.
type Features struct {
	Recency float64
	Match   float64
	Goal    float64
	Novelty float64
	Timefit float64
	Affect  float64
	Cost    float64
}

// Weights are the salience formula's coefficients (spec.md §4.F defaults).
type Weights struct {
	Recency, Match, Goal, Novelty, Timefit, Affect, Cost float64
}

// DefaultWeights returns the spec.md defaults
// (1.2, 1.1, 0.8, 0.9, 0.5, 0.7, 0.5).
func DefaultWeights() Weights {
	return Weights{Recency: 1.2, Match: 1.1, Goal: 0.8, Novelty: 0.9, Timefit: 0.5, Affect: 0.7, Cost: 0.5}
}

// Salience computes S_i = θ_r·recency + θ_q·match + θ_g·goal + θ_n·novelty +
// θ_t·timefit + θ_a·affect − θ_c·cost for one candidate.
func Salience(f Features, w Weights) float64 {
	return w.Recency*f.Recency + w.Match*f.Match + w.Goal*f.Goal +
		w.Novelty*f.Novelty + w.Timefit*f.Timefit + w.Affect*f.Affect - w.Cost*f.Cost
}

// SoftmaxBatch normalizes a batch of raw scores with temperature T.
func SoftmaxBatch(scores []float64, temperature float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	if temperature <= 0 {
		temperature = 1
	}
	maxScore := scores[0]
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	exps := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		exps[i] = math.Exp((s - maxScore) / temperature)
		sum += exps[i]
	}
	out := make([]float64, len(scores))
	for i := range exps {
		if sum == 0 {
			out[i] = 0
			continue
		}
		out[i] = exps[i] / sum
	}
	return out
}

// Slot is one occupant of working memory.
type Slot struct {
	EventID  string          `json:"event_id"`
	Summary  string          `json:"summary"`
	Code     hippocampus.Code `json:"-"`
	Features Features        `json:"features"`
	Weight   float64         `json:"weight"`
	Score    float64         `json:"score"`
	LastSeen time.Time       `json:"last_seen"`
}

// Config tunes one space's Working Memory buffer.
type Config struct {
	Capacity       int
	HalfLife       time.Duration
	SoftmaxTemp    float64
	Weights        Weights
	BroadcastDebounce time.Duration
	DupThresholds  hippocampus.NearDupThresholds
}

// DefaultConfig returns spec.md's default capacity (8) and half-life (90s).
func DefaultConfig() Config {
	return Config{
		Capacity: 8, HalfLife: 90 * time.Second, SoftmaxTemp: 0.6,
		Weights: DefaultWeights(), BroadcastDebounce: 100 * time.Millisecond,
		DupThresholds: hippocampus.DefaultNearDupThresholds(),
	}
}

// BroadcastFunc is invoked (debounced) whenever a space's slot set changes
// meaningfully.
type BroadcastFunc func(spaceID string, slots []Slot)

// Workspace is the Global Workspace: one bounded slot buffer per space.
type Workspace struct {
	mu      sync.Mutex
	cfg     Config
	spaces  map[string]*spaceState
	log     *zap.Logger
	metrics *obs.Metrics
	onBroadcast BroadcastFunc
}

type spaceState struct {
	slots       []Slot
	lastTick    time.Time
	lastBroadcast time.Time
	pendingBroadcast bool
}

// New constructs a Workspace.
func New(cfg Config, log *zap.Logger, metrics *obs.Metrics, onBroadcast BroadcastFunc) *Workspace {
	return &Workspace{cfg: cfg, spaces: make(map[string]*spaceState), log: log, metrics: metrics, onBroadcast: onBroadcast}
}

func (ws *Workspace) space(spaceID string) *spaceState {
	s, ok := ws.spaces[spaceID]
	if !ok {
		s = &spaceState{lastTick: time.Now()}
		ws.spaces[spaceID] = s
	}
	return s
}

// Candidate is a scored event proposed for admission to working memory.
type Candidate struct {
	EventID  string
	Summary  string
	Code     hippocampus.Code
	Features Features
}

// Admit scores candidates, decays existing slots, merges near-duplicates,
// evicts the minimum-weight slot when over capacity, and triggers a
// debounced broadcast if the slot set changed meaningfully.
func (ws *Workspace) Admit(spaceID string, candidates []Candidate, now time.Time) []Slot {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	st := ws.space(spaceID)
	ws.decayLocked(st, now)

	raw := make([]float64, len(candidates))
	for i, c := range candidates {
		raw[i] = Salience(c.Features, ws.cfg.Weights)
	}
	normalized := SoftmaxBatch(raw, ws.cfg.SoftmaxTemp)

	changed := false
	for i, c := range candidates {
		merged := false
		for j := range st.slots {
			if hippocampus.IsNearDuplicate(c.Code, st.slots[j].Code, ws.cfg.DupThresholds) {
				st.slots[j].Weight = clampUnit(st.slots[j].Weight + 0.1) // rehearsal bump
				st.slots[j].LastSeen = now
				st.slots[j].Score = normalized[i]
				merged = true
				changed = true
				break
			}
		}
		if merged {
			continue
		}
		st.slots = append(st.slots, Slot{
			EventID: c.EventID, Summary: c.Summary, Code: c.Code,
			Features: c.Features, Weight: 1.0, Score: normalized[i], LastSeen: now,
		})
		changed = true
	}

	if len(st.slots) > ws.cfg.Capacity {
		sort.Slice(st.slots, func(i, j int) bool { return st.slots[i].Weight > st.slots[j].Weight })
		st.slots = st.slots[:ws.cfg.Capacity]
		changed = true
	}

	if ws.metrics != nil {
		ws.metrics.WorkspaceSlotOccupancy.Set(float64(len(st.slots)))
	}

	if changed {
		ws.maybeBroadcastLocked(spaceID, st, now)
	}
	return append([]Slot(nil), st.slots...)
}

// decayLocked applies half-life decay to every slot in st: w ← w·0.5^(Δt/h).
func (ws *Workspace) decayLocked(st *spaceState, now time.Time) {
	if st.lastTick.IsZero() {
		st.lastTick = now
		return
	}
	deltaSeconds := now.Sub(st.lastTick).Seconds()
	if deltaSeconds <= 0 {
		return
	}
	halfLifeSeconds := ws.cfg.HalfLife.Seconds()
	if halfLifeSeconds <= 0 {
		halfLifeSeconds = 90
	}
	decay := math.Pow(0.5, deltaSeconds/halfLifeSeconds)
	for i := range st.slots {
		st.slots[i].Weight *= decay
	}
	st.lastTick = now
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// maybeBroadcastLocked emits a WORKSPACE_BROADCAST via onBroadcast if at
// least BroadcastDebounce has elapsed since the last one for this space.
func (ws *Workspace) maybeBroadcastLocked(spaceID string, st *spaceState, now time.Time) {
	if now.Sub(st.lastBroadcast) < ws.cfg.BroadcastDebounce {
		st.pendingBroadcast = true
		return
	}
	st.lastBroadcast = now
	st.pendingBroadcast = false
	if ws.onBroadcast != nil {
		ws.onBroadcast(spaceID, append([]Slot(nil), st.slots...))
	}
	if ws.metrics != nil {
		ws.metrics.WorkspaceBroadcastTotal.Inc()
	}
}

// Slots returns a snapshot of spaceID's current slots without mutating
// decay state.
func (ws *Workspace) Slots(spaceID string) []Slot {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	st, ok := ws.spaces[spaceID]
	if !ok {
		return nil
	}
	return append([]Slot(nil), st.slots...)
}

// TrimByBudget walks candidates by descending salience, keeping each one
// whose estimated cost still fits in the remaining budget and skipping the
// others, matching spec.md's "trim greedily by descending S_i" time-budget
// rule. estCost must return a
// non-negative estimated processing cost in the same units as budget.
func TrimByBudget(candidates []Candidate, weights Weights, budget float64, estCost func(Candidate) float64) []Candidate {
	type scored struct {
		c     Candidate
		score float64
		cost  float64
	}
	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		scoredList[i] = scored{c: c, score: Salience(c.Features, weights), cost: estCost(c)}
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })

	var kept []Candidate
	var total float64
	for _, s := range scoredList {
		if total+s.cost > budget {
			continue
		}
		kept = append(kept, s.c)
		total += s.cost
	}
	return kept
}
