package domain

import "math"

// ValidationTier identifies which fallback tier produced a validation result.
type ValidationTier string

const (
	TierFull         ValidationTier = "full"
	TierSimplified   ValidationTier = "simplified"
	TierMetadataOnly ValidationTier = "metadata_only"
	TierNeutral      ValidationTier = "neutral"
)

// Score bounds shared by criterion and template validation scores.
const (
	MinScore     = 0.0
	MaxScore     = 10.0
	NeutralScore = 5.0
)

// ValidationResult describes how closely a document follows its reference
// template. Both scores are always within [MinScore, MaxScore].
type ValidationResult struct {
	Tier               ValidationTier `json:"tier"`
	ThemeMatch         float64        `json:"theme_match"`
	StructureAdherence float64        `json:"structure_adherence"`
	Deviations         []string       `json:"deviations,omitempty"`

	// Reason explains a neutral result; empty for every other tier.
	Reason string `json:"reason,omitempty"`

	// Attempts lists the tiers tried, in order, ending with Tier.
	Attempts []ValidationTier `json:"attempts,omitempty"`
}

// NewValidationResult builds a result with both scores clamped to range.
func NewValidationResult(tier ValidationTier, themeMatch, structure float64, deviations []string) ValidationResult {
	return ValidationResult{
		Tier:               tier,
		ThemeMatch:         ClampScore(themeMatch),
		StructureAdherence: ClampScore(structure),
		Deviations:         deviations,
	}
}

// NeutralValidation is the terminal fallback: midpoint scores and a reason.
func NeutralValidation(reason string) ValidationResult {
	if reason == "" {
		reason = "template validation unavailable"
	}
	return ValidationResult{
		Tier:               TierNeutral,
		ThemeMatch:         NeutralScore,
		StructureAdherence: NeutralScore,
		Reason:             reason,
	}
}

// IsNeutral reports whether the result came from the terminal fallback.
func (v ValidationResult) IsNeutral() bool { return v.Tier == TierNeutral }

// ClampScore bounds v to [MinScore, MaxScore]; NaN maps to MinScore.
func ClampScore(v float64) float64 {
	if math.IsNaN(v) {
		return MinScore
	}
	return math.Min(MaxScore, math.Max(MinScore, v))
}
