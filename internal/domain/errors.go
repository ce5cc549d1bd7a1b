package domain

import "errors"

// Error taxonomy for the assessment pipeline.
//
// Configuration errors are fatal and rejected before evaluation starts.
// Data-unavailable conditions are recovered locally as failed rules or
// conservative risk sub-scores and never abort an assessment. External
// service failures degrade to data-unavailable with a provenance note.
// Capacity conflicts are routed to waitlisting rather than failure.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidRuleTree flags an invalid or leafless rule tree, caught at
	// scheme activation time.
	ErrInvalidRuleTree = errors.New("invalid rule tree")

	// ErrSchemeNotActive rejects assessment against a draft or closed scheme.
	ErrSchemeNotActive = errors.New("scheme is not active")

	// ErrDataUnavailable marks a missing snapshot field or source.
	ErrDataUnavailable = errors.New("feature data unavailable")

	// ErrExternalService marks a collaborator call failure or timeout.
	ErrExternalService = errors.New("external service failure")

	// ErrCapacityConflict surfaces only when the atomic capacity update
	// cannot be retried successfully.
	ErrCapacityConflict = errors.New("scheme capacity conflict")

	// ErrAssessmentFinal rejects mutation of a finalized assessment.
	ErrAssessmentFinal = errors.New("assessment already finalized")

	// ErrOfferNotPending rejects accept/decline on an entry without an
	// outstanding offer.
	ErrOfferNotPending = errors.New("no pending waitlist offer")
)
