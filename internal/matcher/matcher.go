// Package matcher classifies transcripts against the reference catalog of
// technique embeddings using cosine similarity.
package matcher

import (
	"math"
)

// MinConfidence is the inclusive acceptance threshold for a technique match.
const MinConfidence = 0.30

// Reference is one catalog entry: a labeled technique embedding.
type Reference struct {
	TechniqueID string
	Title       string
	Vector      []float64
}

// Match is an accepted classification result.
type Match struct {
	TechniqueID string
	Title       string
	Confidence  float64
}

// Best scans the catalog for the highest-scoring reference and accepts it
// only when the score reaches MinConfidence. Ties are broken by first-seen
// order: the scan uses a strict greater-than comparison.
func Best(embedding []float64, catalog []Reference) (Match, bool) {
	var best Match
	bestScore := 0.0
	found := false

	for _, ref := range catalog {
		if len(ref.Vector) == 0 {
			continue
		}
		score := CosineSimilarity(embedding, ref.Vector)
		if score > bestScore {
			bestScore = score
			best = Match{TechniqueID: ref.TechniqueID, Title: ref.Title, Confidence: round4(score)}
			found = true
		}
	}

	if !found || bestScore < MinConfidence {
		return Match{}, false
	}
	return best, true
}

// CosineSimilarity returns dot(a,b) / (|a|*|b|). Mismatched lengths and
// zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
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

func round4(value float64) float64 {
	return math.Round(value*10000) / 10000
}
