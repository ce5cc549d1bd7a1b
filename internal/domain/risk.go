package domain

import (
	"time"
)

// RiskLevel buckets a 0–100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// RiskFunction selects how a factor maps a feature value to a sub-score.
type RiskFunction string

const (
	// RiskFnBands maps the value through ordered threshold bands.
	RiskFnBands RiskFunction = "bands"

	// RiskFnLinear interpolates linearly between configured breakpoints.
	RiskFnLinear RiskFunction = "linear"
)

// RiskBand maps a feature value range to a fixed sub-score.
// Lower bound inclusive, upper bound exclusive; nil means unbounded.
type RiskBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Score      float64  `json:"score"`
}

// RiskBreakpoint is one point of a piecewise-linear scoring curve.
// Breakpoints must be sorted by Value ascending.
type RiskBreakpoint struct {
	Value float64 `json:"value"`
	Score float64 `json:"score"`
}

// RiskFactor maps one snapshot feature to a normalized 0–100 sub-score.
type RiskFactor struct {
	ID        string       `json:"id"`
	FieldName string       `json:"fieldName"`
	Weight    float64      `json:"weight"`
	Function  RiskFunction `json:"function"`

	Bands       []RiskBand       `json:"bands,omitempty"`
	Breakpoints []RiskBreakpoint `json:"breakpoints,omitempty"`

	// MissingScore overrides the profile default sub-score used when the
	// feature is absent from the snapshot.
	MissingScore *float64 `json:"missingScore,omitempty"`
}

// EffectiveWeight returns the factor weight with the 1.0 default applied.
func (f *RiskFactor) EffectiveWeight() float64 {
	if f.Weight <= 0 {
		return 1.0
	}
	return f.Weight
}

// RiskThresholds are the level boundaries: score < Medium is low,
// < High is medium, < VeryHigh is high, and everything above is very_high.
type RiskThresholds struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	VeryHigh float64 `json:"veryHigh"`
}

// DefaultRiskThresholds returns the documented defaults: <25 low,
// <50 medium, <75 high, >=75 very_high.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{Medium: 25, High: 50, VeryHigh: 75}
}

// Level buckets a clamped risk score.
func (t RiskThresholds) Level(score float64) RiskLevel {
	switch {
	case score < t.Medium:
		return RiskLow
	case score < t.High:
		return RiskMedium
	case score < t.VeryHigh:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// RiskProfile is the per-tenant weighted risk-factor configuration,
// read-only to the scorer.
type RiskProfile struct {
	TenantID string       `json:"tenantId"`
	Factors  []RiskFactor `json:"factors"`

	Thresholds RiskThresholds `json:"thresholds"`

	// MissingScore is the conservative default sub-score for features
	// absent from the snapshot. Missing features contribute this value
	// rather than being excluded, so incomplete profiles cannot lower
	// their risk. Zero means use the engine default.
	MissingScore float64 `json:"missingScore,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}
