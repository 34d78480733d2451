package hippocampus

import (
	"fmt"
	"math"
)

// Candidate is one stored code eligible for CA3 completion, optionally
// carrying a dense embedding vector when one is available.
type Candidate struct {
	EventID string
	Code    Code
	Vector  []float64 // nil if no embedding available for this candidate
}

// CompletionResult is one scored candidate returned from CA3 completion.
type CompletionResult struct {
	EventID string  `json:"event_id"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// Complete scores every candidate against the cue using CA3's vector+SDR
// fusion: score = λ·cos(q_vec, v) + (1−λ)·(1 − d_H/B), λ=0.7 if the cue and
// candidate both carry vectors, else λ=0 (SDR-only).
//
// Returns the top-k results ordered by descending score.
func Complete(cue Code, cueVector []float64, candidates []Candidate, k int) []CompletionResult {
	results := make([]CompletionResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, scoreCandidate(cue, cueVector, c))
	}
	sortResultsDescending(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func scoreCandidate(cue Code, cueVector []float64, c Candidate) CompletionResult {
	hammingFrac := float64(HammingDistance(cue.SimHash, c.Code.SimHash)) / SimHashBits
	sdrScore := 1 - hammingFrac

	lambda := 0.0
	cosSim := 0.0
	if len(cueVector) > 0 && len(c.Vector) > 0 && len(cueVector) == len(c.Vector) {
		lambda = 0.7
		cosSim = cosineSimilarity(cueVector, c.Vector)
	}

	score := lambda*cosSim + (1-lambda)*sdrScore
	reason := formatReason(lambda, cosSim, hammingFrac)
	return CompletionResult{EventID: c.EventID, Score: clamp01(score), Reason: reason}
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func formatReason(lambda, cosSim, hammingFrac float64) string {
	if lambda > 0 {
		return fmt.Sprintf("vector:cos=%.3f", cosSim)
	}
	return fmt.Sprintf("sdr:hamm=%.3f", hammingFrac)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortResultsDescending(results []CompletionResult) {
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && results[j-1].Score < results[j].Score {
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}
}
