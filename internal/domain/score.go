package domain

import (
	"fmt"
	"math"
)

// Criterion weight bounds.
const (
	MinWeight = 0.0
	MaxWeight = 100.0

	// ExpectedWeightSum is the sum callers are expected to supply. Other sums
	// are normalized.
	ExpectedWeightSum = 100.0
)

// ClampWeight bounds w to [MinWeight, MaxWeight]; NaN maps to MinWeight.
func ClampWeight(w float64) float64 {
	if math.IsNaN(w) {
		return MinWeight
	}
	return math.Min(MaxWeight, math.Max(MinWeight, w))
}

// WeightedScore is the outcome of combining criterion scores.
type WeightedScore struct {
	Overall   float64          `json:"overall"`
	Scores    []CriterionScore `json:"scores"`
	WeightSum float64          `json:"weight_sum"`

	// Normalized is true when the clamped weights did not sum to
	// ExpectedWeightSum and the result was rescaled.
	Normalized bool `json:"normalized"`
}

// ComputeWeightedScore combines the analysis scores using the criteria's
// clamped weights. The result is normalized by the weight sum, so it stays
// on the 0-10 scale whatever the caller supplied; when every weight clamps
// to zero all criteria count equally. Every criterion must have a score.
func ComputeWeightedScore(criteria []Criterion, analysis Analysis) (WeightedScore, error) {
	if len(criteria) == 0 {
		return WeightedScore{}, ErrNoCriteria
	}

	scores := make([]CriterionScore, 0, len(criteria))
	var sum float64
	for _, c := range criteria {
		s, ok := analysis.ScoreFor(c.Name)
		if !ok {
			return WeightedScore{}, fmt.Errorf("%w: %q", ErrMissingCriterionScore, c.Name)
		}
		w := ClampWeight(c.Weight)
		sum += w
		scores = append(scores, CriterionScore{Name: c.Name, Score: ClampScore(s), Weight: w})
	}

	if sum == 0 {
		for i := range scores {
			scores[i].Weight = 1
		}
		sum = float64(len(scores))
	}

	var total float64
	for _, s := range scores {
		total += s.Weight * s.Score
	}

	return WeightedScore{
		Overall:    ClampScore(total / sum),
		Scores:     scores,
		WeightSum:  sum,
		Normalized: sum != ExpectedWeightSum,
	}, nil
}
