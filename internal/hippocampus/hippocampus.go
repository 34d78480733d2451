package hippocampus

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
)

// StoredCode is the persisted record for one event's DG code, including the
// fields needed for later novelty comparison and CA1 retrieval.
type StoredCode struct {
	Code    Code      `json:"code"`
	SpaceID string    `json:"space_id"`
	TSUTC   time.Time `json:"ts_utc"`
}

// Encoder is the Hippocampus pipeline: DG encode → novelty/near-dup check →
// persist → CA1 triple projection.
type Encoder struct {
	db      *store.DB
	log     *zap.Logger
	metrics *obs.Metrics

	noveltyParams NoveltyParams
	dupThresholds NearDupThresholds
	vectorIndexEnabled bool
}

// Config tunes the Encoder.
type Config struct {
	NoveltyParams      NoveltyParams
	DupThresholds      NearDupThresholds
	VectorIndexEnabled bool // stored on the Encoder; Encode does not consult it and builds no vector index entries
}

// DefaultConfig returns spec.md's default thresholds.
func DefaultConfig() Config {
	return Config{
		NoveltyParams: DefaultNoveltyParams(),
		DupThresholds: DefaultNearDupThresholds(),
	}
}

// New constructs an Encoder.
func New(db *store.DB, cfg Config, log *zap.Logger, metrics *obs.Metrics) *Encoder {
	return &Encoder{
		db: db, log: log, metrics: metrics,
		noveltyParams: cfg.NoveltyParams, dupThresholds: cfg.DupThresholds,
		vectorIndexEnabled: cfg.VectorIndexEnabled,
	}
}

// EncodeResult is the outcome of encoding one event, including its novelty
// score and any near-duplicate it was matched against.
type EncodeResult struct {
	Code            Code
	Novelty         float64
	NearDuplicateOf string // empty if not a near-duplicate
	Degraded        bool
	Triples         []Triple
}

// codeKey builds the hippocampus/codes store key for an event within a space.
func codeKey(spaceID, eventID string) []byte {
	return []byte(spaceID + "__" + eventID)
}

// Encode runs the full DG → novelty → CA1 pipeline for one event and
// persists the resulting code.
//
// Never blocks ingest on encoder unavailability: if content is empty (the
// degraded-input case this implementation can actually hit without a real
// embedding model dependency), it falls back to SDR-only scoring tagged
// "degraded" rather than failing.
func (e *Encoder) Encode(spaceID, eventID, content string, ts time.Time, knownPersons []string) (EncodeResult, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.HippoEncodeLatency.Observe(time.Since(start).Seconds())
		}
	}()

	degraded := content == ""
	code := Encode(eventID, content)
	code.Degraded = degraded

	prior, err := e.recentCodes(spaceID, 64)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("hippocampus.Encode: load prior codes: %w", err)
	}

	minHammingFraction := 1.0
	dupCount := 0
	var nearDupID string
	for _, p := range prior {
		hf := float64(HammingDistance(code.SimHash, p.Code.SimHash)) / SimHashBits
		if hf < minHammingFraction {
			minHammingFraction = hf
		}
		if IsNearDuplicate(code, p.Code, e.dupThresholds) {
			dupCount++
			if nearDupID == "" {
				nearDupID = p.Code.EventID
			}
		}
	}
	dupRate := 0.0
	if len(prior) > 0 {
		dupRate = float64(dupCount) / float64(len(prior))
	}
	novelty := Novelty(minHammingFraction, dupRate, e.noveltyParams)
	if e.metrics != nil {
		e.metrics.HippoNoveltyScore.Observe(novelty)
		if nearDupID != "" {
			e.metrics.HippoNearDupTotal.Inc()
		}
	}

	stored := StoredCode{Code: code, SpaceID: spaceID, TSUTC: ts.UTC()}
	if err := e.db.PutJSON("hippocampus", codeKey(spaceID, eventID), stored); err != nil {
		return EncodeResult{}, fmt.Errorf("hippocampus.Encode: persist code: %w", err)
	}

	triples := ExtractTriples(eventID, content, ts, knownPersons)
	for _, tr := range triples {
		if err := e.projectTriple(tr); err != nil {
			e.log.Error("hippocampus: project triple failed", zap.Error(err))
		}
	}

	return EncodeResult{
		Code: code, Novelty: novelty, NearDuplicateOf: nearDupID,
		Degraded: degraded, Triples: triples,
	}, nil
}

// recentCodes loads up to limit previously-stored codes for spaceID,
// used as the comparison set for novelty/near-dup scoring.
func (e *Encoder) recentCodes(spaceID string, limit int) ([]StoredCode, error) {
	var out []StoredCode
	err := e.db.ForEachPrefix("hippocampus", []byte(spaceID+"__"), func(_, value []byte) error {
		if len(out) >= limit {
			return nil
		}
		var sc StoredCode
		if unmarshalErr := json.Unmarshal(value, &sc); unmarshalErr != nil {
			return unmarshalErr
		}
		out = append(out, sc)
		return nil
	})
	return out, err
}

func (e *Encoder) projectTriple(t Triple) error {
	key := []byte(t.Subject + "__" + t.Predicate + "__" + t.Object)
	return e.db.PutJSON("hippocampus", append([]byte("kg/"), key...), t)
}

// Recall runs CA3 completion for a cue against every stored code in
// spaceID.
func (e *Encoder) Recall(spaceID string, cue Code, cueVector []float64, k int) ([]CompletionResult, error) {
	prior, err := e.recentCodes(spaceID, 1024)
	if err != nil {
		return nil, fmt.Errorf("hippocampus.Recall: %w", err)
	}
	candidates := make([]Candidate, 0, len(prior))
	for _, p := range prior {
		candidates = append(candidates, Candidate{EventID: p.Code.EventID, Code: p.Code})
	}
	return Complete(cue, cueVector, candidates, k), nil
}
