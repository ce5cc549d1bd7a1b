package domain

import (
	"time"
)

// WaitlistStatus is the lifecycle state of a waitlist entry.
type WaitlistStatus string

const (
	WaitlistWaiting  WaitlistStatus = "waiting"
	WaitlistOffered  WaitlistStatus = "offered"
	WaitlistAccepted WaitlistStatus = "accepted"
	WaitlistDeclined WaitlistStatus = "declined"
	WaitlistExpired  WaitlistStatus = "expired"

	// WaitlistWithdrawn marks an entry closed because its backing
	// assessment was superseded by a re-assessment.
	WaitlistWithdrawn WaitlistStatus = "withdrawn"
)

// WaitlistEntry holds one farmer's position in a scheme's waitlist.
// Positions are 1-based, dense and unique per scheme: the set of waiting
// positions is always {1..N} with no gaps or duplicates.
type WaitlistEntry struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenantId"`
	AssessmentID string `json:"assessmentId"`
	SchemeID     string `json:"schemeId"`
	FarmerID     string `json:"farmerId"`

	Position int            `json:"position"`
	Status   WaitlistStatus `json:"status"`

	OfferedAt      *time.Time `json:"offeredAt,omitempty"`
	OfferExpiresAt *time.Time `json:"offerExpiresAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Finalized reports whether the entry has left the waitlist.
func (e *WaitlistEntry) Finalized() bool {
	switch e.Status {
	case WaitlistAccepted, WaitlistDeclined, WaitlistExpired, WaitlistWithdrawn:
		return true
	}
	return false
}
