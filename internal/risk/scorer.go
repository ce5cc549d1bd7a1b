// Package risk computes weighted risk scores from farmer feature snapshots.
//
// Each configured factor maps one feature to a normalized 0–100 sub-score
// through threshold bands or linear interpolation between breakpoints; the
// overall risk score is the weighted average of sub-scores clamped to
// [0,100]. Missing features contribute a conservative default sub-score
// rather than being excluded, so incomplete profiles cannot game the score.
package risk

import (
	"fmt"

	"github.com/farmgate/eligibility/internal/domain"
)

// Scorer evaluates per-tenant risk profiles. It holds the engine defaults
// applied when a profile leaves thresholds or the missing-feature sub-score
// unset.
type Scorer struct {
	defaultThresholds   domain.RiskThresholds
	defaultMissingScore float64
}

// NewScorer creates a scorer with the given engine defaults.
func NewScorer(thresholds domain.RiskThresholds, missingScore float64) *Scorer {
	if thresholds == (domain.RiskThresholds{}) {
		thresholds = domain.DefaultRiskThresholds()
	}
	return &Scorer{
		defaultThresholds:   thresholds,
		defaultMissingScore: missingScore,
	}
}

// FactorScore is one factor's contribution, kept for explainability.
type FactorScore struct {
	FactorID  string  `json:"factorId"`
	FieldName string  `json:"fieldName"`
	SubScore  float64 `json:"subScore"`
	Weight    float64 `json:"weight"`
	Missing   bool    `json:"missing"`
}

// Result is the scorer output.
type Result struct {
	RiskScore float64          `json:"riskScore"`
	RiskLevel domain.RiskLevel `json:"riskLevel"`
	Factors   []FactorScore    `json:"factors"`
}

// Score computes the weighted risk score for a snapshot. A nil or empty
// profile yields zero risk at the lowest level; schemes that want risk
// gating configure factors.
func (s *Scorer) Score(profile *domain.RiskProfile, snap *domain.FeatureSnapshot) *Result {
	thresholds := s.defaultThresholds
	if profile != nil && profile.Thresholds != (domain.RiskThresholds{}) {
		thresholds = profile.Thresholds
	}

	if profile == nil || len(profile.Factors) == 0 {
		return &Result{RiskScore: 0, RiskLevel: thresholds.Level(0)}
	}

	var weighted, totalWeight float64
	factors := make([]FactorScore, 0, len(profile.Factors))

	for i := range profile.Factors {
		f := &profile.Factors[i]
		sub, missing := s.subScore(f, profile, snap)

		w := f.EffectiveWeight()
		weighted += sub * w
		totalWeight += w

		factors = append(factors, FactorScore{
			FactorID:  f.ID,
			FieldName: f.FieldName,
			SubScore:  sub,
			Weight:    w,
			Missing:   missing,
		})
	}

	score := 0.0
	if totalWeight > 0 {
		score = weighted / totalWeight
	}
	score = clamp(score)

	return &Result{
		RiskScore: score,
		RiskLevel: thresholds.Level(score),
		Factors:   factors,
	}
}

// subScore maps one factor; the second return marks a missing feature.
func (s *Scorer) subScore(f *domain.RiskFactor, profile *domain.RiskProfile, snap *domain.FeatureSnapshot) (float64, bool) {
	raw, ok := snap.Resolve(f.FieldName)
	if !ok {
		return s.missingScore(f, profile), true
	}
	value, ok := toNumber(raw)
	if !ok {
		// Non-numeric value where a curve expects a number: treated the
		// same as missing data, conservatively.
		return s.missingScore(f, profile), true
	}

	switch f.Function {
	case domain.RiskFnLinear:
		return clamp(interpolate(f.Breakpoints, value)), false
	default:
		return clamp(bandScore(f.Bands, value)), false
	}
}

func (s *Scorer) missingScore(f *domain.RiskFactor, profile *domain.RiskProfile) float64 {
	if f.MissingScore != nil {
		return clamp(*f.MissingScore)
	}
	if profile != nil && profile.MissingScore > 0 {
		return clamp(profile.MissingScore)
	}
	return clamp(s.defaultMissingScore)
}

// bandScore finds the band containing value: lower bound inclusive, upper
// exclusive, nil bounds open. Falls back to the last band when nothing
// matches, so a curve covering (-inf, x) still scores values at its edge.
func bandScore(bands []domain.RiskBand, value float64) float64 {
	for _, b := range bands {
		if b.LowerLimit != nil && value < *b.LowerLimit {
			continue
		}
		if b.UpperLimit != nil && value >= *b.UpperLimit {
			continue
		}
		return b.Score
	}
	if len(bands) > 0 {
		return bands[len(bands)-1].Score
	}
	return 0
}

// interpolate evaluates a piecewise-linear curve, clamping outside the
// configured breakpoint range.
func interpolate(points []domain.RiskBreakpoint, value float64) float64 {
	if len(points) == 0 {
		return 0
	}
	if value <= points[0].Value {
		return points[0].Score
	}
	last := points[len(points)-1]
	if value >= last.Value {
		return last.Score
	}
	for i := 1; i < len(points); i++ {
		if value <= points[i].Value {
			lo, hi := points[i-1], points[i]
			span := hi.Value - lo.Value
			if span == 0 {
				return hi.Score
			}
			frac := (value - lo.Value) / span
			return lo.Score + frac*(hi.Score-lo.Score)
		}
	}
	return last.Score
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// ValidateProfile checks a risk profile at save time.
func ValidateProfile(profile *domain.RiskProfile) error {
	if profile == nil {
		return fmt.Errorf("%w: risk profile is required", domain.ErrInvalidInput)
	}

	t := profile.Thresholds
	if t != (domain.RiskThresholds{}) {
		if !(t.Medium < t.High && t.High < t.VeryHigh) {
			return fmt.Errorf("%w: risk thresholds must be strictly increasing", domain.ErrInvalidInput)
		}
	}

	for i := range profile.Factors {
		f := &profile.Factors[i]
		if f.FieldName == "" {
			return fmt.Errorf("%w: risk factor %q has no field name", domain.ErrInvalidInput, f.ID)
		}
		if f.Weight < 0 {
			return fmt.Errorf("%w: risk factor %q has negative weight", domain.ErrInvalidInput, f.ID)
		}
		switch f.Function {
		case domain.RiskFnBands, "":
			if len(f.Bands) == 0 {
				return fmt.Errorf("%w: risk factor %q has no bands", domain.ErrInvalidInput, f.ID)
			}
		case domain.RiskFnLinear:
			if len(f.Breakpoints) < 2 {
				return fmt.Errorf("%w: risk factor %q needs at least two breakpoints", domain.ErrInvalidInput, f.ID)
			}
			for j := 1; j < len(f.Breakpoints); j++ {
				if f.Breakpoints[j].Value < f.Breakpoints[j-1].Value {
					return fmt.Errorf("%w: risk factor %q breakpoints must be sorted", domain.ErrInvalidInput, f.ID)
				}
			}
		default:
			return fmt.Errorf("%w: risk factor %q has unknown function %q", domain.ErrInvalidInput, f.ID, f.Function)
		}
	}
	return nil
}
