package domain

import (
	"strings"
	"time"
)

// FeatureSnapshot is the immutable, point-in-time view of a farmer's
// attributes assembled from the profile, farm, KYC and credit-bureau
// collaborators. It is evaluation input only and is never persisted as
// engine state.
type FeatureSnapshot struct {
	FarmerID string         `json:"farmerId"`
	TenantID string         `json:"tenantId"`
	Features map[string]any `json:"features"`
	TakenAt  time.Time      `json:"takenAt"`

	// Provenance records sources that failed or degraded during assembly,
	// e.g. a credit-bureau timeout recorded as a missing-feature condition.
	Provenance []string `json:"provenance,omitempty"`
}

// Resolve looks up a dot-path such as "farm.land_size" in the feature map,
// descending through nested maps. The second return is false when any path
// segment is absent.
func (s *FeatureSnapshot) Resolve(path string) (any, bool) {
	if s == nil || s.Features == nil || path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var current any = s.Features
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// DerivedFeature is an admin-configured synthetic feature computed from the
// raw snapshot with a CEL expression before rule evaluation, e.g.
// land area per household member. Expressions are compiled and validated
// when the configuration is saved.
type DerivedFeature struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}
