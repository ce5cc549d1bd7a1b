package domain

import (
	"context"
)

// FeatureSource is one external collaborator contributing features to the
// snapshot: farmer profile, farm profile, KYC verification status, credit
// bureau. Fetched features are merged into the snapshot under the source's
// namespace, e.g. a "farm" source yields "farm.land_size".
type FeatureSource interface {
	// Name is the namespace prefix for this source's features.
	Name() string

	// Fetch returns the source's features for a farmer. Implementations
	// should honor ctx cancellation; a failure or timeout is treated by
	// the snapshot builder as a missing-feature condition, not a hard
	// failure of the assessment.
	Fetch(ctx context.Context, tenantID string, farmerID string) (map[string]any, error)

	// Required marks sources whose failure aborts snapshot assembly.
	// The credit bureau is optional; the farmer profile is not.
	Required() bool
}
