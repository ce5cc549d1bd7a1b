package domain

import (
	"time"
)

// AssessmentStatus is the state machine position of an assessment.
//
//	pending → scored → {eligible, not_eligible} → {approved, rejected, waitlisted}
type AssessmentStatus string

const (
	AssessmentPending     AssessmentStatus = "pending"
	AssessmentScored      AssessmentStatus = "scored"
	AssessmentEligible    AssessmentStatus = "eligible"
	AssessmentNotEligible AssessmentStatus = "not_eligible"
	AssessmentApproved    AssessmentStatus = "approved"
	AssessmentRejected    AssessmentStatus = "rejected"
	AssessmentWaitlisted  AssessmentStatus = "waitlisted"
)

// Terminal reports whether the status is an end state of the workflow.
func (s AssessmentStatus) Terminal() bool {
	switch s {
	case AssessmentApproved, AssessmentRejected, AssessmentWaitlisted:
		return true
	}
	return false
}

// Workflow decision provenance.
const (
	DecisionAuto           = "auto"
	DecisionManualOverride = "manual_override"
	DecisionWaitlistAccept = "waitlist_accept"
)

// RuleResult records the outcome of one leaf rule, produced 1:1 per rule
// evaluated and owned by the containing assessment.
type RuleResult struct {
	RuleID        string  `json:"ruleId"`
	FieldName     string  `json:"fieldName"`
	Passed        bool    `json:"passed"`
	ActualValue   string  `json:"actualValue"`
	ExpectedValue string  `json:"expectedValue"`
	Message       string  `json:"message,omitempty"`
	IsMandatory   bool    `json:"isMandatory"`
	Weight        float64 `json:"weight"`
}

// Assessment is the persisted result of evaluating one farmer against one
// scheme. Immutable once FinalDecision is set, except for waitlist position
// updates by the waitlist manager. At most one active (non-superseded)
// assessment exists per (farmer, scheme) pair.
type Assessment struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	FarmerID string `json:"farmerId"`
	SchemeID string `json:"schemeId"`

	// SchemeVersion pins the rule tree version this assessment was
	// evaluated against.
	SchemeVersion int `json:"schemeVersion"`

	Status AssessmentStatus `json:"status"`

	EligibilityScore float64   `json:"eligibilityScore"` // 0–100
	RiskScore        float64   `json:"riskScore"`        // 0–100
	RiskLevel        RiskLevel `json:"riskLevel"`

	RulesPassed int          `json:"rulesPassed"`
	RulesFailed int          `json:"rulesFailed"`
	RuleResults []RuleResult `json:"ruleResults"`

	WorkflowDecision string `json:"workflowDecision,omitempty"`
	FinalDecision    string `json:"finalDecision,omitempty"`
	DecisionReason   string `json:"decisionReason,omitempty"`

	WaitlistPosition *int `json:"waitlistPosition,omitempty"`

	// SupersededBy references the newer assessment for the same
	// (farmer, scheme) pair. Nil means this record is the active one.
	SupersededBy *string `json:"supersededBy,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

// Superseded reports whether a newer assessment replaced this one.
func (a *Assessment) Superseded() bool {
	return a.SupersededBy != nil
}

// FailedReasons extracts the messages of failed rules, in evaluation order,
// so callers can render the specific failing criteria.
func (a *Assessment) FailedReasons() []string {
	var reasons []string
	for _, r := range a.RuleResults {
		if !r.Passed && r.Message != "" {
			reasons = append(reasons, r.Message)
		}
	}
	return reasons
}

// BatchItemError reports one failed farmer within a batch run.
type BatchItemError struct {
	FarmerID string `json:"farmerId"`
	Error    string `json:"error"`
}

// BatchResult itemizes the outcome of a batch run. Partial completion is a
// reported outcome, not a failure of the batch as a whole.
type BatchResult struct {
	SchemeID  string           `json:"schemeId"`
	Succeeded []*Assessment    `json:"succeeded"`
	Failed    []BatchItemError `json:"failed"`
	StartedAt time.Time        `json:"startedAt"`
	TotalMs   int64            `json:"totalMs"`
}

// AuditEvent records a manual intervention on an assessment. Overrides are
// audit-logged rather than silently replacing the automatic scores.
type AuditEvent struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	AssessmentID string    `json:"assessmentId"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
