// Package consolidation implements the Consolidation Engine: periodic
// compaction of near-duplicate hippocampal codes, MMR extractive rollups
// per period, reconsolidation on late evidence, and KG projection from
// rollup text.
//
// The composite similarity score mirrors internal/anomaly/mahalanobis.go's
// shape: a weighted sum of several terms, clamped, degrading gracefully
// when an input (a vector, an author) is unavailable rather than failing.
package consolidation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/hippocampus"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
)

// TickKind is the closed set of consolidation trigger cadences.
type TickKind string

const (
	TickIdle    TickKind = "idle"
	TickNightly TickKind = "nightly"
	TickWeekly  TickKind = "weekly"
)

// Period is the closed set of rollup periods.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// defaultTokenBudget returns the default token budget for a rollup period.
func defaultTokenBudget(p Period) int {
	switch p {
	case PeriodDay:
		return 400
	case PeriodWeek:
		return 1200
	default:
		return 1200
	}
}

// CandidateItem is one hippocampal code considered for compaction, carrying
// the auxiliary fields the composite score needs.
type CandidateItem struct {
	EventID  string
	SpaceID  string
	Band     string // "green" | "amber" | "red" | "black"
	Author   string
	Content  string
	Vector   []float64
	Code     hippocampus.Code
	TSUTC    time.Time
}

// SimilarityWeights are the composite-score coefficients (spec.md §4.H
// defaults: 0.45 Jaccard3g, 0.45 cosine, 0.05 time-proximity, 0.05
// same-author).
type SimilarityWeights struct {
	Jaccard    float64
	Cosine     float64
	TimeBucket float64
	SameAuthor float64
}

// DefaultSimilarityWeights returns the spec.md defaults.
func DefaultSimilarityWeights() SimilarityWeights {
	return SimilarityWeights{Jaccard: 0.45, Cosine: 0.45, TimeBucket: 0.05, SameAuthor: 0.05}
}

// DuplicateThreshold is the minimum composite score to mark two items
// duplicates (spec.md §4.H: S ≥ 0.86).
const DuplicateThreshold = 0.86

// timeBucketWindow is τ_t, the window within which two items' timestamps
// count as "close" for the composite score's time term.
const timeBucketWindow = 6 * time.Hour

// CompositeSimilarity computes S = w_j·Jaccard3g + w_c·cos + w_t·[Δt<τ_t] +
// w_a·[same_author]. When either item has no vector, the cosine term takes
// the Jaccard estimate instead; the time and author terms are 0 when their
// inputs are absent.
func CompositeSimilarity(a, b CandidateItem, w SimilarityWeights) float64 {
	jaccard := hippocampus.JaccardSimilarity(a.Code.MinHash, b.Code.MinHash)

	cos := jaccard
	if len(a.Vector) > 0 && len(b.Vector) > 0 {
		cos = cosineSimilarity(a.Vector, b.Vector)
	}

	timeTerm := 0.0
	delta := a.TSUTC.Sub(b.TSUTC)
	if delta < 0 {
		delta = -delta
	}
	if delta < timeBucketWindow {
		timeTerm = 1
	}

	authorTerm := 0.0
	if a.Author != "" && a.Author == b.Author {
		authorTerm = 1
	}

	score := w.Jaccard*jaccard + w.Cosine*cos + w.TimeBucket*timeTerm + w.SameAuthor*authorTerm
	if score < 0 {
		return 0
	}
	return score
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Group is a set of items the engine has judged mutually near-duplicate,
// with a selected canonical exemplar.
type Group struct {
	CanonicalID string
	MemberIDs   []string
}

// isBoilerplate is a terse heuristic for "not worth preferring as
// canonical": very short, templated content.
func isBoilerplate(content string) bool {
	trimmed := strings.TrimSpace(content)
	return len(trimmed) < 8
}

// Compact groups items into near-duplicate clusters via pairwise composite
// similarity (MinHash-bucketed candidate generation is approximated here by
// scanning within a single space, since per-space candidate sets are
// already bounded by the Hippocampus's own recentCodes window). BLACK and
// RED band items are never compacted.
func Compact(items []CandidateItem, w SimilarityWeights) []Group {
	eligible := make([]CandidateItem, 0, len(items))
	for _, it := range items {
		if it.Band == "red" || it.Band == "black" {
			continue
		}
		eligible = append(eligible, it)
	}

	visited := make(map[string]bool, len(eligible))
	var groups []Group
	for i, a := range eligible {
		if visited[a.EventID] {
			continue
		}
		members := []CandidateItem{a}
		visited[a.EventID] = true
		for j := i + 1; j < len(eligible); j++ {
			b := eligible[j]
			if visited[b.EventID] {
				continue
			}
			if CompositeSimilarity(a, b, w) >= DuplicateThreshold {
				members = append(members, b)
				visited[b.EventID] = true
			}
		}
		if len(members) < 2 {
			continue
		}
		groups = append(groups, Group{
			CanonicalID: selectCanonical(members),
			MemberIDs:   ids(members),
		})
	}
	return groups
}

func ids(items []CandidateItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.EventID
	}
	return out
}

// selectCanonical picks longest non-boilerplate, then earliest timestamp,
// per spec.md §4.H.
func selectCanonical(members []CandidateItem) string {
	best := members[0]
	for _, m := range members[1:] {
		bestBoiler := isBoilerplate(best.Content)
		mBoiler := isBoilerplate(m.Content)
		switch {
		case bestBoiler && !mBoiler:
			best = m
		case bestBoiler == mBoiler && len(m.Content) > len(best.Content):
			best = m
		case bestBoiler == mBoiler && len(m.Content) == len(best.Content) && m.TSUTC.Before(best.TSUTC):
			best = m
		}
	}
	return best.EventID
}

// Rollup is the persisted summary record for one period (spec.md §3.10).
type Rollup struct {
	RollupID     string    `json:"rollup_id"`
	SpaceID      string    `json:"space_id"`
	Period       Period    `json:"period"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	SummaryText  string    `json:"summary_text"`
	Highlights   []string  `json:"highlights"`
	Provenance   []string  `json:"provenance"`
	Version      int       `json:"version"`
}

// ReconAction is the audit record written when reconsolidation rewrites an
// existing rollup in response to late evidence.
type ReconAction struct {
	RollupID  string    `json:"rollup_id"`
	FromVer   int        `json:"from_version"`
	ToVer     int        `json:"to_version"`
	Diff      string    `json:"diff"`
	Reason    string    `json:"reason"`
	AppliedAt time.Time `json:"applied_at"`
}

// MMRWeights are the extractive-ranking coefficients (spec.md §4.H: λ=0.7,
// μ=0.3).
type MMRWeights struct {
	Lambda float64
	Mu     float64
}

// DefaultMMRWeights returns the spec.md defaults.
func DefaultMMRWeights() MMRWeights { return MMRWeights{Lambda: 0.7, Mu: 0.3} }

// sentence is one candidate line for a rollup, with its precomputed tfidf
// and recency scores.
type sentence struct {
	text    string
	tfidf   float64
	recency float64
	vector  []float64
	eventID string
}

// SelectByMMR runs greedy Maximal Marginal Relevance selection:
// score(s) = λ·tfidf(s) + (1−λ)·recency − μ·max cos(s, selected), stopping
// once tokenBudget is exhausted.
func SelectByMMR(sentences []Candidate, w MMRWeights, tokenBudget int) []Candidate {
	pool := make([]sentence, len(sentences))
	for i, c := range sentences {
		pool[i] = sentence{text: c.Text, tfidf: c.TFIDF, recency: c.Recency, vector: c.Vector, eventID: c.EventID}
	}

	var selected []sentence
	usedTokens := 0
	for len(pool) > 0 && usedTokens < tokenBudget {
		bestIdx := -1
		bestScore := -1e18
		for i, s := range pool {
			maxCos := 0.0
			for _, sel := range selected {
				if c := cosineSimilarity(s.vector, sel.vector); c > maxCos {
					maxCos = c
				}
			}
			score := w.Lambda*s.tfidf + (1-w.Lambda)*s.recency - w.Mu*maxCos
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		chosen := pool[bestIdx]
		cost := tokenEstimate(chosen.text)
		if usedTokens+cost > tokenBudget && len(selected) > 0 {
			break
		}
		selected = append(selected, chosen)
		usedTokens += cost
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}

	out := make([]Candidate, len(selected))
	for i, s := range selected {
		out[i] = Candidate{Text: s.text, TFIDF: s.tfidf, Recency: s.recency, Vector: s.vector, EventID: s.eventID}
	}
	return out
}

// Candidate is one sentence eligible for rollup inclusion.
type Candidate struct {
	EventID string
	Text    string
	TFIDF   float64
	Recency float64
	Vector  []float64
}

func tokenEstimate(text string) int {
	return len(strings.Fields(text))
}

// lightRewrite applies a terse rule-based normalization pass: trims
// whitespace and collapses repeated list markers. Not a generative rewrite.
func lightRewrite(sentences []string) string {
	var b strings.Builder
	for i, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(s)
	}
	return b.String()
}

// BuildRollup assembles a Rollup from MMR-selected candidates.
func BuildRollup(rollupID, spaceID string, period Period, from, to time.Time, selected []Candidate) Rollup {
	texts := make([]string, len(selected))
	prov := make([]string, len(selected))
	for i, c := range selected {
		texts[i] = c.Text
		prov[i] = c.EventID
	}
	return Rollup{
		RollupID: rollupID, SpaceID: spaceID, Period: period, From: from, To: to,
		SummaryText: lightRewrite(texts), Highlights: texts, Provenance: prov, Version: 1,
	}
}

// Engine orchestrates compaction and rollup persistence.
type Engine struct {
	db      *store.DB
	log     *zap.Logger
	metrics *obs.Metrics
	simW    SimilarityWeights
	mmrW    MMRWeights
}

// Config tunes an Engine.
type Config struct {
	SimilarityWeights SimilarityWeights
	MMRWeights        MMRWeights
}

// DefaultConfig returns spec.md's default weights.
func DefaultConfig() Config {
	return Config{SimilarityWeights: DefaultSimilarityWeights(), MMRWeights: DefaultMMRWeights()}
}

// New constructs an Engine.
func New(db *store.DB, cfg Config, log *zap.Logger, metrics *obs.Metrics) *Engine {
	return &Engine{db: db, log: log, metrics: metrics, simW: cfg.SimilarityWeights, mmrW: cfg.MMRWeights}
}

func rollupKey(rollupID string) []byte { return []byte("rollups/" + rollupID) }

// RunCompaction groups items into near-duplicate clusters and returns them;
// it does not delete originals (episodic codes remain append-only per
// spec.md §3.11 — compaction only marks canonical/duplicate relationships).
func (e *Engine) RunCompaction(items []CandidateItem) []Group {
	groups := Compact(items, e.simW)
	if e.metrics != nil {
		for _, g := range groups {
			e.metrics.ConsolidationGroupSize.Observe(float64(len(g.MemberIDs)))
		}
	}
	return groups
}

// RunRollup selects candidates by MMR within tokenBudget, builds and
// persists a Rollup.
func (e *Engine) RunRollup(spaceID, rollupID string, period Period, from, to time.Time, candidates []Candidate) (Rollup, error) {
	budget := defaultTokenBudget(period)
	selected := SelectByMMR(candidates, e.mmrW, budget)
	rollup := BuildRollup(rollupID, spaceID, period, from, to, selected)
	if err := e.db.PutJSON("consolidation", rollupKey(rollupID), rollup); err != nil {
		return Rollup{}, fmt.Errorf("consolidation.RunRollup: persist: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ConsolidationRollupsTotal.Inc()
	}
	return rollup, nil
}

// Reconsolidate applies late evidence to an existing rollup: if within the
// same period, patches in place (keeping its version); otherwise produces a v2
// with a diff, and always writes a ReconAction audit record.
func (e *Engine) Reconsolidate(rollupID string, newCandidates []Candidate, samePeriod bool, reason string) (Rollup, ReconAction, error) {
	var existing Rollup
	found, err := e.db.GetJSON("consolidation", rollupKey(rollupID), &existing)
	if err != nil {
		return Rollup{}, ReconAction{}, fmt.Errorf("consolidation.Reconsolidate: load: %w", err)
	}
	if !found {
		return Rollup{}, ReconAction{}, fmt.Errorf("consolidation.Reconsolidate: rollup %s not found", rollupID)
	}

	budget := defaultTokenBudget(existing.Period)
	additional := SelectByMMR(newCandidates, e.mmrW, budget)

	updated := existing
	updated.Highlights = append(append([]string(nil), existing.Highlights...), extractTexts(additional)...)
	updated.Provenance = append(append([]string(nil), existing.Provenance...), extractIDs(additional)...)
	updated.SummaryText = lightRewrite(updated.Highlights)

	fromVer := existing.Version
	if samePeriod {
		updated.Version = existing.Version // patched in place, same version
	} else {
		updated.Version = existing.Version + 1
	}

	if err := e.db.PutJSON("consolidation", rollupKey(rollupID), updated); err != nil {
		return Rollup{}, ReconAction{}, fmt.Errorf("consolidation.Reconsolidate: persist: %w", err)
	}

	action := ReconAction{
		RollupID: rollupID, FromVer: fromVer, ToVer: updated.Version,
		Diff: fmt.Sprintf("+%d highlights", len(additional)), Reason: reason, AppliedAt: time.Now().UTC(),
	}
	if err := e.db.PutJSON("consolidation", append([]byte("recon/"), []byte(rollupID+"__"+fmt.Sprint(updated.Version))...), action); err != nil {
		return Rollup{}, ReconAction{}, fmt.Errorf("consolidation.Reconsolidate: persist audit: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ConsolidationRollupsTotal.Inc()
	}
	return updated, action, nil
}

func extractTexts(c []Candidate) []string {
	out := make([]string, len(c))
	for i, x := range c {
		out[i] = x.Text
	}
	return out
}

func extractIDs(c []Candidate) []string {
	out := make([]string, len(c))
	for i, x := range c {
		out[i] = x.EventID
	}
	return out
}

// relationLexicon maps a trigger word to the KG predicate it projects,
// per spec.md §4.H's pattern list.
var relationLexicon = map[string]string{
	"called":  "called",
	"visited": "visited",
	"bought":  "bought",
	"promised": "promised",
	"due on":  "due_on",
}

// ProjectedRelation is one KG edge extracted from rollup text.
type ProjectedRelation struct {
	RollupID  string `json:"rollup_id"`
	Predicate string `json:"predicate"`
	Clause    string `json:"clause"`
}

// ProjectKG chunks rollup text by sentence and extracts relations by
// pattern match against relationLexicon.
func ProjectKG(rollup Rollup) []ProjectedRelation {
	var out []ProjectedRelation
	for _, highlight := range rollup.Highlights {
		lower := strings.ToLower(highlight)
		for trigger, predicate := range relationLexicon {
			if strings.Contains(lower, trigger) {
				out = append(out, ProjectedRelation{RollupID: rollup.RollupID, Predicate: predicate, Clause: highlight})
			}
		}
	}
	return out
}
