// Package assess implements the assessment orchestrator: it combines rule
// evaluation and risk scoring into a persisted assessment and drives the
// decision state machine.
package assess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/farmgate/eligibility/internal/bus"
	"github.com/farmgate/eligibility/internal/domain"
	"github.com/farmgate/eligibility/internal/risk"
	"github.com/farmgate/eligibility/internal/rules"
	"github.com/farmgate/eligibility/internal/snapshot"
)

var tracer = otel.Tracer("eligibility-assess")

// SchemeSource loads scheme definitions, typically the registry with its
// cache in front of the repository.
type SchemeSource interface {
	Get(ctx context.Context, tenantID string, schemeID string) (*domain.Scheme, error)
}

// Waitlister is the slice of the waitlist manager the orchestrator drives.
// Enqueue and Withdraw are called with the scheme lock held, so neither may
// re-acquire it; Promote takes the lock itself.
type Waitlister interface {
	Enqueue(ctx context.Context, tenantID string, a *domain.Assessment, scheme *domain.Scheme) (*domain.WaitlistEntry, error)
	Withdraw(ctx context.Context, tenantID string, assessmentID string) (bool, error)
	Promote(ctx context.Context, tenantID string, schemeID string) error
}

// Orchestrator runs the assessment pipeline:
//
//	snapshot → evaluate + score (parallel) → decision → persist → publish
type Orchestrator struct {
	repo      domain.Repository
	eventBus  domain.EventBus
	schemes   SchemeSource
	snapshots *snapshot.Builder
	scorer    *risk.Scorer
	waitlist  Waitlister
	locks     *SchemeLocks
	logger    *slog.Logger
}

// New creates an orchestrator.
func New(
	repo domain.Repository,
	eventBus domain.EventBus,
	schemes SchemeSource,
	snapshots *snapshot.Builder,
	scorer *risk.Scorer,
	waitlist Waitlister,
	locks *SchemeLocks,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = NewSchemeLocks()
	}
	return &Orchestrator{
		repo:      repo,
		eventBus:  eventBus,
		schemes:   schemes,
		snapshots: snapshots,
		scorer:    scorer,
		waitlist:  waitlist,
		locks:     locks,
		logger:    logger,
	}
}

// Locks exposes the per-scheme lock set so the waitlist manager serializes
// on the same locks.
func (o *Orchestrator) Locks() *SchemeLocks {
	return o.locks
}

// Assess evaluates one farmer against one scheme and persists the result.
// A prior active assessment for the same pair is superseded, never mutated.
func (o *Orchestrator) Assess(ctx context.Context, tenantID string, farmerID string, schemeID string) (*domain.Assessment, error) {
	ctx, span := tracer.Start(ctx, "assess",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("farmer.id", farmerID),
			attribute.String("scheme.id", schemeID),
		),
	)
	defer span.End()

	start := time.Now()

	scheme, err := o.schemes.Get(ctx, tenantID, schemeID)
	if err != nil {
		return nil, err
	}
	if scheme.Status != domain.SchemeStatusActive {
		return nil, fmt.Errorf("%w: scheme %s is %s", domain.ErrSchemeNotActive, schemeID, scheme.Status)
	}

	snap, err := o.buildSnapshot(ctx, tenantID, farmerID)
	if err != nil {
		return nil, err
	}

	assessment := &domain.Assessment{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		FarmerID:      farmerID,
		SchemeID:      schemeID,
		SchemeVersion: scheme.Version,
		Status:        domain.AssessmentPending,
		CreatedAt:     time.Now().UTC(),
	}

	outcome, riskResult := o.scoreParallel(ctx, tenantID, scheme, snap)

	// Both stages complete: pending → scored.
	assessment.Status = domain.AssessmentScored
	assessment.EligibilityScore = outcome.Score
	assessment.RulesPassed = outcome.RulesPassed
	assessment.RulesFailed = outcome.RulesFailed
	assessment.RuleResults = outcome.Results
	assessment.RiskScore = riskResult.RiskScore
	assessment.RiskLevel = riskResult.RiskLevel

	if outcome.Passed {
		assessment.Status = domain.AssessmentEligible
	} else {
		assessment.Status = domain.AssessmentNotEligible
	}

	promote, err := o.commit(ctx, tenantID, assessment, scheme)
	if err != nil {
		return nil, err
	}
	if promote {
		if err := o.waitlist.Promote(ctx, tenantID, schemeID); err != nil {
			o.logger.Warn("waitlist promotion after re-assessment failed",
				"tenant_id", tenantID, "scheme_id", schemeID, "error", err)
		}
	}

	if err := bus.PublishAssessment(ctx, o.eventBus, domain.TopicAssessmentCompleted, assessment); err != nil {
		o.logger.Warn("failed to publish assessment event",
			"assessment_id", assessment.ID, "error", err)
	}

	o.logger.Info("assessment completed",
		"tenant_id", tenantID,
		"farmer_id", farmerID,
		"scheme_id", schemeID,
		"assessment_id", assessment.ID,
		"status", string(assessment.Status),
		"eligibility_score", assessment.EligibilityScore,
		"risk_level", string(assessment.RiskLevel),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return assessment, nil
}

func (o *Orchestrator) buildSnapshot(ctx context.Context, tenantID, farmerID string) (*domain.FeatureSnapshot, error) {
	ctx, span := tracer.Start(ctx, "assess.snapshot")
	defer span.End()
	return o.snapshots.Build(ctx, tenantID, farmerID)
}

// scoreParallel runs rule evaluation and risk scoring concurrently. Neither
// reads the other's output; the orchestrator waits for both.
func (o *Orchestrator) scoreParallel(ctx context.Context, tenantID string, scheme *domain.Scheme, snap *domain.FeatureSnapshot) (*rules.Outcome, *risk.Result) {
	ctx, span := tracer.Start(ctx, "assess.score")
	defer span.End()

	var (
		wg         sync.WaitGroup
		outcome    *rules.Outcome
		riskResult *risk.Result
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		outcome = rules.Evaluate(scheme.RuleTree, snap)
	}()
	go func() {
		defer wg.Done()
		profile, err := o.repo.GetRiskProfile(ctx, tenantID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("failed to load risk profile, scoring without factors",
				"tenant_id", tenantID, "error", err)
		}
		riskResult = o.scorer.Score(profile, snap)
	}()
	wg.Wait()

	return outcome, riskResult
}

// commit runs the post-scoring transitions and persists the result. The
// capacity check, the waitlist position assignment and the supersede of the
// prior active assessment all run under the scheme lock, so a re-assessed
// farmer never holds two seats or two positions at once. The returned flag
// asks the caller to run waitlist promotion once the lock is released.
func (o *Orchestrator) commit(ctx context.Context, tenantID string, a *domain.Assessment, scheme *domain.Scheme) (bool, error) {
	now := time.Now().UTC()

	if a.Status == domain.AssessmentNotEligible {
		a.Status = domain.AssessmentRejected
		a.WorkflowDecision = domain.DecisionAuto
		a.FinalDecision = "rejected"
		a.DecisionReason = rejectionReason(a)
		a.DecidedAt = &now
	}

	// Cancellation point: after this the transition must complete.
	if err := ctx.Err(); err != nil {
		return false, err
	}

	unlock := o.locks.Lock(tenantID, a.SchemeID)
	defer unlock()

	prior, err := o.repo.GetActiveAssessment(ctx, tenantID, a.FarmerID, a.SchemeID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	priorSeated := prior != nil && prior.Status == domain.AssessmentApproved

	// A superseded waitlist entry leaves the queue before the new decision,
	// so the farmer never occupies two positions and the new entry is
	// assigned an already-compacted tail position.
	priorWithdrew := false
	if prior != nil && prior.Status == domain.AssessmentWaitlisted {
		priorWithdrew, err = o.waitlist.Withdraw(ctx, tenantID, prior.ID)
		if err != nil {
			return false, err
		}
	}

	var admitted bool
	var entry *domain.WaitlistEntry
	if a.Status == domain.AssessmentEligible {
		if priorSeated {
			// The farmer already holds a seat; the re-assessment keeps it.
			a.Status = domain.AssessmentApproved
			a.WorkflowDecision = domain.DecisionAuto
			a.FinalDecision = "approved"
			a.DecidedAt = &now
		} else {
			admitted, err = o.repo.TryAdmitBeneficiary(ctx, tenantID, a.SchemeID)
			if err != nil {
				return false, fmt.Errorf("%w: %v", domain.ErrCapacityConflict, err)
			}
			if admitted {
				a.Status = domain.AssessmentApproved
				a.WorkflowDecision = domain.DecisionAuto
				a.FinalDecision = "approved"
				a.DecidedAt = &now
			} else {
				// Scheme at capacity: eligible → waitlisted.
				entry, err = o.waitlist.Enqueue(ctx, tenantID, a, scheme)
				if err != nil {
					return false, err
				}
				a.Status = domain.AssessmentWaitlisted
				a.WorkflowDecision = domain.DecisionAuto
				a.FinalDecision = "waitlisted"
				a.WaitlistPosition = &entry.Position
				a.DecidedAt = &now
			}
		}
	}

	if err := o.repo.SaveAssessment(ctx, tenantID, a); err != nil {
		// Give back the seat or the position the unsaved assessment took.
		if admitted {
			if rbErr := o.repo.ReleaseBeneficiary(ctx, tenantID, a.SchemeID); rbErr != nil {
				o.logger.Error("failed to release seat of unsaved assessment",
					"tenant_id", tenantID, "scheme_id", a.SchemeID, "error", rbErr)
			}
		}
		if entry != nil {
			if _, rbErr := o.waitlist.Withdraw(ctx, tenantID, a.ID); rbErr != nil {
				o.logger.Error("failed to withdraw entry of unsaved assessment",
					"tenant_id", tenantID, "scheme_id", a.SchemeID, "error", rbErr)
			}
		}
		return false, fmt.Errorf("failed to save assessment: %w", err)
	}

	if prior == nil {
		return false, nil
	}
	if err := o.repo.MarkSuperseded(ctx, tenantID, prior.ID, a.ID); err != nil {
		return false, fmt.Errorf("failed to supersede assessment %s: %w", prior.ID, err)
	}

	// A seat held by the prior decision is released unless the new decision
	// keeps it; an exited seat or a withdrawn offer frees room for others.
	released := false
	if priorSeated && a.Status != domain.AssessmentApproved {
		if err := o.repo.ReleaseBeneficiary(ctx, tenantID, a.SchemeID); err != nil {
			return false, err
		}
		released = true
	}
	return released || priorWithdrew, nil
}

// Override applies a manual reviewer decision. The automatic scores stay
// untouched; the intervention is audit-logged and published.
func (o *Orchestrator) Override(ctx context.Context, tenantID string, assessmentID string, decision string, actor string, reason string) (*domain.Assessment, error) {
	if decision != "approved" && decision != "rejected" {
		return nil, fmt.Errorf("%w: decision must be approved or rejected", domain.ErrInvalidInput)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: decision reason is required", domain.ErrInvalidInput)
	}

	a, err := o.repo.GetAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		return nil, err
	}
	if a.Superseded() {
		return nil, fmt.Errorf("%w: assessment %s is superseded", domain.ErrAssessmentFinal, assessmentID)
	}
	if a.Status == domain.AssessmentApproved || a.Status == domain.AssessmentRejected {
		if a.WorkflowDecision != domain.DecisionAuto {
			return nil, fmt.Errorf("%w: assessment %s already decided manually", domain.ErrAssessmentFinal, assessmentID)
		}
	}
	if a.Status == domain.AssessmentWaitlisted {
		return nil, fmt.Errorf("%w: waitlisted assessments are decided through the waitlist", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	wasApproved := a.Status == domain.AssessmentApproved

	if decision == "approved" && !wasApproved {
		unlock := o.locks.Lock(tenantID, a.SchemeID)
		admitted, err := o.repo.TryAdmitBeneficiary(ctx, tenantID, a.SchemeID)
		unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCapacityConflict, err)
		}
		if !admitted {
			return nil, fmt.Errorf("%w: scheme %s is at capacity, raise the cap before overriding", domain.ErrCapacityConflict, a.SchemeID)
		}
	}
	if decision == "rejected" && wasApproved {
		if err := o.repo.ReleaseBeneficiary(ctx, tenantID, a.SchemeID); err != nil {
			return nil, err
		}
	}

	a.Status = domain.AssessmentApproved
	if decision == "rejected" {
		a.Status = domain.AssessmentRejected
	}
	a.WorkflowDecision = domain.DecisionManualOverride
	a.FinalDecision = decision
	a.DecisionReason = reason
	a.DecidedAt = &now

	if err := o.repo.UpdateAssessment(ctx, tenantID, a); err != nil {
		return nil, err
	}

	audit := &domain.AuditEvent{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		AssessmentID: a.ID,
		Actor:        actor,
		Action:       "override:" + decision,
		Reason:       reason,
		CreatedAt:    now,
	}
	if err := o.repo.SaveAuditEvent(ctx, tenantID, audit); err != nil {
		return nil, fmt.Errorf("failed to record audit event: %w", err)
	}

	if err := bus.PublishAssessment(ctx, o.eventBus, domain.TopicDecisionOverride, a); err != nil {
		o.logger.Warn("failed to publish override event",
			"assessment_id", a.ID, "error", err)
	}

	o.logger.Info("assessment overridden",
		"tenant_id", tenantID,
		"assessment_id", a.ID,
		"decision", decision,
		"actor", actor,
	)
	return a, nil
}

// Get retrieves one assessment.
func (o *Orchestrator) Get(ctx context.Context, tenantID string, assessmentID string) (*domain.Assessment, error) {
	return o.repo.GetAssessment(ctx, tenantID, assessmentID)
}

// History retrieves a farmer's assessments, superseded records included.
func (o *Orchestrator) History(ctx context.Context, tenantID string, farmerID string) ([]*domain.Assessment, error) {
	return o.repo.ListAssessmentsByFarmer(ctx, tenantID, farmerID)
}

// AuditTrail retrieves the manual interventions on an assessment.
func (o *Orchestrator) AuditTrail(ctx context.Context, tenantID string, assessmentID string) ([]*domain.AuditEvent, error) {
	return o.repo.ListAuditEvents(ctx, tenantID, assessmentID)
}

func rejectionReason(a *domain.Assessment) string {
	reasons := a.FailedReasons()
	if len(reasons) == 0 {
		return "eligibility criteria not met"
	}
	if len(reasons) > 3 {
		reasons = reasons[:3]
	}
	reason := reasons[0]
	for _, r := range reasons[1:] {
		reason += "; " + r
	}
	return reason
}
