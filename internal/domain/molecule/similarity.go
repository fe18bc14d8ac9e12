package molecule

import (
	"math"
	"math/bits"
	"sort"

	"github.com/molforge/molforge/internal/chem"
	"github.com/molforge/molforge/pkg/errors"
)

// SimilarityMetric selects the algorithm used to compare fingerprints.
type SimilarityMetric string

const (
	MetricTanimoto SimilarityMetric = "tanimoto"
	MetricDice     SimilarityMetric = "dice"
	MetricCosine   SimilarityMetric = "cosine"
)

// IsValid reports whether the metric is supported.
func (m SimilarityMetric) IsValid() bool {
	switch m {
	case MetricTanimoto, MetricDice, MetricCosine:
		return true
	}
	return false
}

func (m SimilarityMetric) String() string { return string(m) }

// ParseSimilarityMetric parses a string into a SimilarityMetric, defaulting to
// Tanimoto for the empty string.
func ParseSimilarityMetric(s string) (SimilarityMetric, error) {
	if s == "" {
		return MetricTanimoto, nil
	}
	m := SimilarityMetric(s)
	if !m.IsValid() {
		return "", errors.New(errors.ErrCodeBadRequest, "unsupported similarity metric: "+s)
	}
	return m, nil
}

// Similarity computes the score between two fingerprints with the given
// metric.  Fingerprints must share type and length.
func Similarity(a, b *chem.Fingerprint, metric SimilarityMetric) (float64, error) {
	if a == nil || b == nil {
		return 0, errors.New(errors.ErrCodeBadRequest, "cannot compare nil fingerprints")
	}
	if a.Type != b.Type || a.Length != b.Length {
		return 0, errors.New(errors.ErrCodeBadRequest, "fingerprints must have same type and dimension")
	}

	switch metric {
	case MetricTanimoto:
		return chem.Tanimoto(a, b)
	case MetricDice:
		return dice(a, b), nil
	case MetricCosine:
		return cosine(a, b), nil
	default:
		return 0, errors.New(errors.ErrCodeBadRequest, "unsupported similarity metric: "+string(metric))
	}
}

func dice(a, b *chem.Fingerprint) float64 {
	intersection := 0
	for i := range a.Bits {
		intersection += bits.OnesCount8(a.Bits[i] & b.Bits[i])
	}
	denom := a.NumOnBits + b.NumOnBits
	if denom == 0 {
		return 0
	}
	return 2 * float64(intersection) / float64(denom)
}

func cosine(a, b *chem.Fingerprint) float64 {
	intersection := 0
	for i := range a.Bits {
		intersection += bits.OnesCount8(a.Bits[i] & b.Bits[i])
	}
	denom := math.Sqrt(float64(a.NumOnBits)) * math.Sqrt(float64(b.NumOnBits))
	if denom == 0 {
		return 0
	}
	return float64(intersection) / denom
}

// RankedHit pairs a candidate index with its similarity score.
type RankedHit struct {
	Index int
	Score float64
}

// RankCandidates scores every candidate against the target and returns the
// hits at or above threshold, best first.  Ties break on candidate index so
// the ordering is deterministic.
func RankCandidates(target *chem.Fingerprint, candidates []*chem.Fingerprint, metric SimilarityMetric, threshold float64) ([]RankedHit, error) {
	if threshold < 0 || threshold > 1 {
		return nil, errors.New(errors.ErrCodeSimilarityThresholdInvalid, "similarity threshold must be between 0 and 1")
	}

	var hits []RankedHit
	for i, c := range candidates {
		score, err := Similarity(target, c, metric)
		if err != nil {
			return nil, err
		}
		if score >= threshold {
			hits = append(hits, RankedHit{Index: i, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Index < hits[j].Index
	})
	return hits, nil
}

// Similarity classification thresholds.
const (
	ThresholdIdentical          = 0.99
	ThresholdHighSimilarity     = 0.85
	ThresholdModerateSimilarity = 0.70
	ThresholdLowSimilarity      = 0.50
)

// ClassifySimilarity buckets a score into a human-readable label.
func ClassifySimilarity(score float64) string {
	switch {
	case score >= ThresholdIdentical:
		return "identical"
	case score >= ThresholdHighSimilarity:
		return "high"
	case score >= ThresholdModerateSimilarity:
		return "moderate"
	case score >= ThresholdLowSimilarity:
		return "low"
	default:
		return "dissimilar"
	}
}
