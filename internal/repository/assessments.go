package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/farmgate/eligibility/internal/domain"
)

const assessmentColumns = `
	id, tenant_id, farmer_id, scheme_id, scheme_version, status,
	eligibility_score, risk_score, risk_level, rules_passed, rules_failed,
	rule_results, workflow_decision, final_decision, decision_reason,
	waitlist_position, superseded_by, created_at, decided_at
`

// SaveAssessment inserts a new assessment record.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, a *domain.Assessment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	results, err := json.Marshal(a.RuleResults)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO assessments (` + assessmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.FarmerID, a.SchemeID, a.SchemeVersion, string(a.Status),
		a.EligibilityScore, a.RiskScore, string(a.RiskLevel), a.RulesPassed, a.RulesFailed,
		string(results), nullString(a.WorkflowDecision), nullString(a.FinalDecision),
		nullString(a.DecisionReason), nullInt(a.WaitlistPosition),
		nullStringPtr(a.SupersededBy), a.CreatedAt, nullTime(a.DecidedAt),
	)
	return err
}

// UpdateAssessment persists state machine progress on an existing record.
func (r *SQLRepository) UpdateAssessment(ctx context.Context, tenantID string, a *domain.Assessment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE assessments SET
			status = ?, workflow_decision = ?, final_decision = ?,
			decision_reason = ?, waitlist_position = ?, decided_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(a.Status), nullString(a.WorkflowDecision), nullString(a.FinalDecision),
		nullString(a.DecisionReason), nullInt(a.WaitlistPosition), nullTime(a.DecidedAt),
		tenantID, a.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func scanAssessment(row interface{ Scan(...any) error }) (*domain.Assessment, error) {
	var a domain.Assessment
	var results string
	var workflowDecision, finalDecision, decisionReason, supersededBy sql.NullString
	var waitlistPosition sql.NullInt64
	var decidedAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.TenantID, &a.FarmerID, &a.SchemeID, &a.SchemeVersion, (*string)(&a.Status),
		&a.EligibilityScore, &a.RiskScore, (*string)(&a.RiskLevel), &a.RulesPassed, &a.RulesFailed,
		&results, &workflowDecision, &finalDecision, &decisionReason,
		&waitlistPosition, &supersededBy, &a.CreatedAt, &decidedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(results), &a.RuleResults); err != nil {
		return nil, err
	}
	a.WorkflowDecision = workflowDecision.String
	a.FinalDecision = finalDecision.String
	a.DecisionReason = decisionReason.String
	if supersededBy.Valid {
		s := supersededBy.String
		a.SupersededBy = &s
	}
	if waitlistPosition.Valid {
		p := int(waitlistPosition.Int64)
		a.WaitlistPosition = &p
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return &a, nil
}

// GetAssessment retrieves an assessment by ID.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*domain.Assessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE tenant_id = ? AND id = ?`
	return scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, assessmentID))
}

// GetActiveAssessment retrieves the non-superseded assessment for a
// (farmer, scheme) pair. At most one exists by the supersede rule.
func (r *SQLRepository) GetActiveAssessment(ctx context.Context, tenantID string, farmerID string, schemeID string) (*domain.Assessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + assessmentColumns + `
		FROM assessments
		WHERE tenant_id = ? AND farmer_id = ? AND scheme_id = ? AND superseded_by IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, farmerID, schemeID))
}

// ListAssessmentsByFarmer retrieves a farmer's full assessment history,
// superseded records included.
func (r *SQLRepository) ListAssessmentsByFarmer(ctx context.Context, tenantID string, farmerID string) ([]*domain.Assessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + assessmentColumns + `
		FROM assessments
		WHERE tenant_id = ? AND farmer_id = ?
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, farmerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assessments []*domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		assessments = append(assessments, a)
	}
	return assessments, rows.Err()
}

// MarkSuperseded points an old assessment at its replacement. History is
// append-only: the old record keeps its scores and results.
func (r *SQLRepository) MarkSuperseded(ctx context.Context, tenantID string, oldID string, newID string) error {
	query := `UPDATE assessments SET superseded_by = ? WHERE tenant_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), newID, tenantID, oldID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

const waitlistColumns = `
	id, tenant_id, assessment_id, scheme_id, farmer_id, position, status,
	offered_at, offer_expires_at, created_at, updated_at
`

// SaveWaitlistEntry inserts a new waitlist entry.
func (r *SQLRepository) SaveWaitlistEntry(ctx context.Context, tenantID string, entry *domain.WaitlistEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO waitlist_entries (` + waitlistColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, tenantID, entry.AssessmentID, entry.SchemeID, entry.FarmerID,
		entry.Position, string(entry.Status),
		nullTime(entry.OfferedAt), nullTime(entry.OfferExpiresAt),
		entry.CreatedAt, entry.UpdatedAt,
	)
	return err
}

// UpdateWaitlistEntry persists status, position and offer timestamps.
func (r *SQLRepository) UpdateWaitlistEntry(ctx context.Context, tenantID string, entry *domain.WaitlistEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE waitlist_entries SET
			position = ?, status = ?, offered_at = ?, offer_expires_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.Position, string(entry.Status),
		nullTime(entry.OfferedAt), nullTime(entry.OfferExpiresAt), entry.UpdatedAt,
		tenantID, entry.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func scanWaitlistEntry(row interface{ Scan(...any) error }) (*domain.WaitlistEntry, error) {
	var e domain.WaitlistEntry
	var offeredAt, offerExpiresAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.TenantID, &e.AssessmentID, &e.SchemeID, &e.FarmerID,
		&e.Position, (*string)(&e.Status),
		&offeredAt, &offerExpiresAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if offeredAt.Valid {
		t := offeredAt.Time
		e.OfferedAt = &t
	}
	if offerExpiresAt.Valid {
		t := offerExpiresAt.Time
		e.OfferExpiresAt = &t
	}
	return &e, nil
}

// GetWaitlistEntryByAssessment retrieves the entry backing an assessment.
func (r *SQLRepository) GetWaitlistEntryByAssessment(ctx context.Context, tenantID string, assessmentID string) (*domain.WaitlistEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + waitlistColumns + `
		FROM waitlist_entries
		WHERE tenant_id = ? AND assessment_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanWaitlistEntry(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, assessmentID))
}

// ListWaitlist retrieves a scheme's open entries ordered by position.
func (r *SQLRepository) ListWaitlist(ctx context.Context, tenantID string, schemeID string) ([]*domain.WaitlistEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + waitlistColumns + `
		FROM waitlist_entries
		WHERE tenant_id = ? AND scheme_id = ? AND status IN ('waiting', 'offered')
		ORDER BY position
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, schemeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MaxWaitlistPosition returns the highest open position for a scheme, zero
// when the waitlist is empty.
func (r *SQLRepository) MaxWaitlistPosition(ctx context.Context, tenantID string, schemeID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(MAX(position), 0)
		FROM waitlist_entries
		WHERE tenant_id = ? AND scheme_id = ? AND status IN ('waiting', 'offered')
	`
	var max int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, schemeID).Scan(&max)
	return max, err
}

// NextWaitingEntry returns the lowest-position waiting entry for a scheme.
func (r *SQLRepository) NextWaitingEntry(ctx context.Context, tenantID string, schemeID string) (*domain.WaitlistEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + waitlistColumns + `
		FROM waitlist_entries
		WHERE tenant_id = ? AND scheme_id = ? AND status = 'waiting'
		ORDER BY position
		LIMIT 1
	`
	return scanWaitlistEntry(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, schemeID))
}

// ListExpiredOffers returns offered entries whose expiry passed.
func (r *SQLRepository) ListExpiredOffers(ctx context.Context, tenantID string, now time.Time) ([]*domain.WaitlistEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + waitlistColumns + `
		FROM waitlist_entries
		WHERE tenant_id = ? AND status = 'offered' AND offer_expires_at <= ?
		ORDER BY offer_expires_at
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CompactWaitlist shifts every open entry after the given position down by
// one, keeping waiting positions dense ({1..N}, no gaps).
func (r *SQLRepository) CompactWaitlist(ctx context.Context, tenantID string, schemeID string, afterPosition int) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE waitlist_entries
		SET position = position - 1, updated_at = ?
		WHERE tenant_id = ? AND scheme_id = ? AND position > ? AND status IN ('waiting', 'offered')
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, schemeID, afterPosition)
	return err
}

// SaveAuditEvent records a manual intervention.
func (r *SQLRepository) SaveAuditEvent(ctx context.Context, tenantID string, event *domain.AuditEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO audit_events (id, tenant_id, assessment_id, actor, action, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, tenantID, event.AssessmentID, event.Actor, event.Action,
		nullString(event.Reason), event.CreatedAt,
	)
	return err
}

// ListAuditEvents retrieves an assessment's audit trail, oldest first.
func (r *SQLRepository) ListAuditEvents(ctx context.Context, tenantID string, assessmentID string) ([]*domain.AuditEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, assessment_id, actor, action, reason, created_at
		FROM audit_events
		WHERE tenant_id = ? AND assessment_id = ?
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AssessmentID, &e.Actor, &e.Action, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
