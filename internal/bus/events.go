package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/farmgate/eligibility/internal/domain"
)

// AssessmentEvent is the payload published on assessment topics.
type AssessmentEvent struct {
	AssessmentID string  `json:"assessmentId"`
	FarmerID     string  `json:"farmerId"`
	SchemeID     string  `json:"schemeId"`
	Status       string  `json:"status"`
	Score        float64 `json:"score"`
	RiskLevel    string  `json:"riskLevel"`
	Decision     string  `json:"decision,omitempty"`
	OccurredAt   string  `json:"occurredAt"`
}

// WaitlistEvent is the payload published on waitlist topics.
type WaitlistEvent struct {
	EntryID        string `json:"entryId"`
	AssessmentID   string `json:"assessmentId"`
	FarmerID       string `json:"farmerId"`
	SchemeID       string `json:"schemeId"`
	Position       int    `json:"position"`
	Status         string `json:"status"`
	OfferExpiresAt string `json:"offerExpiresAt,omitempty"`
	OccurredAt     string `json:"occurredAt"`
}

// AssessmentRequest is the payload consumed by the async assessment worker.
type AssessmentRequest struct {
	FarmerID string `json:"farmerId"`
	SchemeID string `json:"schemeId"`
}

// PublishAssessment publishes an assessment lifecycle event. Publish
// failures are the caller's to log; the assessment itself is already
// persisted by the time events fire.
func PublishAssessment(ctx context.Context, eb domain.EventBus, topic string, a *domain.Assessment) error {
	event := AssessmentEvent{
		AssessmentID: a.ID,
		FarmerID:     a.FarmerID,
		SchemeID:     a.SchemeID,
		Status:       string(a.Status),
		Score:        a.EligibilityScore,
		RiskLevel:    string(a.RiskLevel),
		Decision:     a.FinalDecision,
		OccurredAt:   time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return eb.Publish(ctx, a.TenantID, topic, payload)
}

// PublishWaitlist publishes a waitlist lifecycle event.
func PublishWaitlist(ctx context.Context, eb domain.EventBus, topic string, entry *domain.WaitlistEntry) error {
	event := WaitlistEvent{
		EntryID:      entry.ID,
		AssessmentID: entry.AssessmentID,
		FarmerID:     entry.FarmerID,
		SchemeID:     entry.SchemeID,
		Position:     entry.Position,
		Status:       string(entry.Status),
		OccurredAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if entry.OfferExpiresAt != nil {
		event.OfferExpiresAt = entry.OfferExpiresAt.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return eb.Publish(ctx, entry.TenantID, topic, payload)
}
