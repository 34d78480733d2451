// Package hippocampus implements the DG/CA3/CA1 encoder and recall
// pipeline: sparse-code pattern separation (SimHash/MinHash), novelty and
// near-duplicate detection, content-addressable completion, and a rule-
// lexicon bridge projecting triples into a knowledge-graph store.
//
// The DG encoder's novelty/completion scoring follows the same
// "weighted-composite distance, clamped and bounded, degrade gracefully on
// missing input" shape as internal/anomaly/mahalanobis.go's
// Mahalanobis+entropy composite score — the linear algebra itself
// (Cholesky decomposition, covariance inversion) has no analog here and is
// not carried forward; only the scoring *shape* is grounded on it.
package hippocampus

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// SimHashBits is the width B of the SimHash sparse distributed
// representation (spec.md §4.E).
const SimHashBits = 512

// MinHashK is the number of independent permutations in the MinHash
// sketch.
const MinHashK = 64

// Code is the DG-encoded sparse representation of one event's content.
type Code struct {
	EventID string     `json:"event_id"`
	SimHash [SimHashBits / 64]uint64 `json:"simhash"` // 512 bits, packed as 8 uint64 words
	MinHash [MinHashK]uint32 `json:"minhash"`
	Degraded bool      `json:"degraded"`
}

// Shingles tokenizes content into lowercased k=3 character shingles.
func Shingles(content string) mapset.Set[string] {
	s := strings.ToLower(content)
	set := mapset.NewSet[string]()
	runes := []rune(s)
	const k = 3
	if len(runes) < k {
		if len(runes) > 0 {
			set.Add(string(runes))
		}
		return set
	}
	for i := 0; i+k <= len(runes); i++ {
		set.Add(string(runes[i : i+k]))
	}
	return set
}

// Encode computes the SimHash and MinHash sparse codes for content.
func Encode(eventID, content string) Code {
	shingles := Shingles(content)
	return Code{
		EventID: eventID,
		SimHash: simHash(shingles),
		MinHash: minHash(shingles),
	}
}

// simHash builds a 512-bit SimHash by accumulating each shingle's weighted
// hash bits, bit=1 iff the accumulator is non-negative.
func simHash(shingles mapset.Set[string]) [SimHashBits / 64]uint64 {
	var acc [SimHashBits]int64
	for shingle := range shingles.Iter() {
		h := hashToBits(shingle)
		weight := int64(1) // uniform token weight; spec.md allows weighted tokens, unweighted here
		for b := 0; b < SimHashBits; b++ {
			word := b / 64
			bit := uint(b % 64)
			if h[word]&(1<<bit) != 0 {
				acc[b] += weight
			} else {
				acc[b] -= weight
			}
		}
	}
	var packed [SimHashBits / 64]uint64
	for b := 0; b < SimHashBits; b++ {
		if acc[b] >= 0 {
			packed[b/64] |= 1 << uint(b%64)
		}
	}
	return packed
}

// hashToBits expands a shingle into SimHashBits/64 pseudo-random uint64
// words via repeated FNV hashing with a salt, giving each bit position an
// independent-looking value without needing a 512-bit hash primitive.
func hashToBits(shingle string) [SimHashBits / 64]uint64 {
	var words [SimHashBits / 64]uint64
	for i := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(shingle))
		var salt [8]byte
		binary.LittleEndian.PutUint64(salt[:], uint64(i)*0x9E3779B97F4A7C15)
		_, _ = h.Write(salt[:])
		words[i] = h.Sum64()
	}
	return words
}

// minHash computes K independent minimum hashes over the shingle set using
// salted FNV hashing as the permutation family.
func minHash(shingles mapset.Set[string]) [MinHashK]uint32 {
	var mins [MinHashK]uint32
	for i := range mins {
		mins[i] = math.MaxUint32
	}
	for shingle := range shingles.Iter() {
		for i := 0; i < MinHashK; i++ {
			h := fnv.New32a()
			_, _ = h.Write([]byte(shingle))
			var salt [4]byte
			binary.LittleEndian.PutUint32(salt[:], uint32(i)*2654435761)
			_, _ = h.Write(salt[:])
			v := h.Sum32()
			if v < mins[i] {
				mins[i] = v
			}
		}
	}
	return mins
}

// HammingDistance counts differing bits between two SimHash codes.
func HammingDistance(a, b [SimHashBits / 64]uint64) int {
	dist := 0
	for i := range a {
		dist += popcount(a[i] ^ b[i])
	}
	return dist
}

func popcount(x uint64) int {
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}

// JaccardSimilarity estimates Jaccard similarity between two MinHash
// sketches as the fraction of matching slots.
func JaccardSimilarity(a, b [MinHashK]uint32) float64 {
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(MinHashK)
}

// NoveltyParams tunes the novelty sigmoid (spec.md §4.E defaults).
type NoveltyParams struct {
	Alpha float64 // weight on min Hamming fraction, default 6
	Beta  float64 // weight on local duplicate rate, default 1
}

// DefaultNoveltyParams returns the spec.md default α=6, β=1.
func DefaultNoveltyParams() NoveltyParams { return NoveltyParams{Alpha: 6, Beta: 1} }

// Novelty scores a new code against the closest previous codes in the same
// space: novelty = sigmoid(α·(d_H_min/B) − β·dup_rate).
//
// minHammingFraction is d_H_min/B for the single closest prior code;
// dupRate is the fraction of the k nearest-neighbor set that qualifies as
// near-duplicate under IsNearDuplicate.
func Novelty(minHammingFraction, dupRate float64, p NoveltyParams) float64 {
	z := p.Alpha*minHammingFraction - p.Beta*dupRate
	return 1.0 / (1.0 + math.Exp(-z))
}

// NearDupThresholds are the spec.md default near-duplicate cutoffs.
type NearDupThresholds struct {
	HammingFraction float64 // τ_h, default 0.15
	Jaccard         float64 // τ_j, default 0.82
}

// DefaultNearDupThresholds returns τ_h=0.15, τ_j=0.82.
func DefaultNearDupThresholds() NearDupThresholds {
	return NearDupThresholds{HammingFraction: 0.15, Jaccard: 0.82}
}

// IsNearDuplicate reports whether a and b are near-duplicates: either their
// Hamming fraction is at or below τ_h, or their Jaccard estimate is at or above
// τ_j.
func IsNearDuplicate(a, b Code, t NearDupThresholds) bool {
	hammingFraction := float64(HammingDistance(a.SimHash, b.SimHash)) / SimHashBits
	if hammingFraction <= t.HammingFraction {
		return true
	}
	return JaccardSimilarity(a.MinHash, b.MinHash) >= t.Jaccard
}
