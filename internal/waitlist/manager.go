// Package waitlist maintains ordered per-scheme waitlists: dense 1-based
// positions, promotion to timed offers as capacity frees, and acceptance,
// decline and expiry handling.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/farmgate/eligibility/internal/bus"
	"github.com/farmgate/eligibility/internal/domain"
)

// Locker provides the per-scheme exclusive locks shared with the
// orchestrator, so capacity checks and position updates serialize on the
// same lock regardless of which component runs them.
type Locker interface {
	Lock(tenantID, schemeID string) func()
}

// Manager is the waitlist manager.
type Manager struct {
	repo     domain.Repository
	eventBus domain.EventBus
	locks    Locker
	offerTTL time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a waitlist manager. offerTTL is the default offer expiry,
// overridable per scheme.
func New(repo domain.Repository, eventBus domain.EventBus, locks Locker, offerTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if offerTTL <= 0 {
		offerTTL = 72 * time.Hour
	}
	return &Manager{
		repo:     repo,
		eventBus: eventBus,
		locks:    locks,
		offerTTL: offerTTL,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Enqueue appends an eligible assessment to the scheme's waitlist at
// position max+1. The caller holds the scheme lock, which is what makes
// the position assignment atomic; Enqueue must not re-acquire it.
func (m *Manager) Enqueue(ctx context.Context, tenantID string, a *domain.Assessment, scheme *domain.Scheme) (*domain.WaitlistEntry, error) {
	max, err := m.repo.MaxWaitlistPosition(ctx, tenantID, scheme.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &domain.WaitlistEntry{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		AssessmentID: a.ID,
		SchemeID:     scheme.ID,
		FarmerID:     a.FarmerID,
		Position:     max + 1,
		Status:       domain.WaitlistWaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.repo.SaveWaitlistEntry(ctx, tenantID, entry); err != nil {
		return nil, fmt.Errorf("failed to save waitlist entry: %w", err)
	}

	m.logger.Info("farmer waitlisted",
		"tenant_id", tenantID,
		"scheme_id", scheme.ID,
		"farmer_id", a.FarmerID,
		"position", entry.Position,
	)
	return entry, nil
}

// List returns a scheme's open entries ordered by position.
func (m *Manager) List(ctx context.Context, tenantID string, schemeID string) ([]*domain.WaitlistEntry, error) {
	return m.repo.ListWaitlist(ctx, tenantID, schemeID)
}

// Promote offers the scheme's open seats to the lowest waiting positions.
// Invoked whenever capacity frees: a beneficiary exits, an offer is
// declined or expires, or the cap is raised. Each promotion completes
// fully before the next, so a free seat never gets two offers.
func (m *Manager) Promote(ctx context.Context, tenantID string, schemeID string) error {
	unlock := m.locks.Lock(tenantID, schemeID)
	defer unlock()
	return m.promoteLocked(ctx, tenantID, schemeID)
}

func (m *Manager) promoteLocked(ctx context.Context, tenantID string, schemeID string) error {
	scheme, err := m.repo.GetScheme(ctx, tenantID, schemeID)
	if err != nil {
		return err
	}

	open, err := m.repo.ListWaitlist(ctx, tenantID, schemeID)
	if err != nil {
		return err
	}
	outstanding := 0
	for _, e := range open {
		if e.Status == domain.WaitlistOffered {
			outstanding++
		}
	}

	// One outstanding offer per free seat.
	free := scheme.MaxBeneficiaries - scheme.CurrentBeneficiaries - outstanding
	for ; free > 0; free-- {
		entry, err := m.repo.NextWaitingEntry(ctx, tenantID, schemeID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		ttl := m.offerTTL
		if scheme.OfferTTLHours > 0 {
			ttl = time.Duration(scheme.OfferTTLHours) * time.Hour
		}

		now := time.Now().UTC()
		expiresAt := now.Add(ttl)
		entry.Status = domain.WaitlistOffered
		entry.OfferedAt = &now
		entry.OfferExpiresAt = &expiresAt
		entry.UpdatedAt = now

		if err := m.repo.UpdateWaitlistEntry(ctx, tenantID, entry); err != nil {
			return err
		}
		m.scheduleExpiry(entry, ttl)

		if err := bus.PublishWaitlist(ctx, m.eventBus, domain.TopicWaitlistOffered, entry); err != nil {
			m.logger.Warn("failed to publish offer event", "entry_id", entry.ID, "error", err)
		}

		m.logger.Info("waitlist offer issued",
			"tenant_id", tenantID,
			"scheme_id", schemeID,
			"farmer_id", entry.FarmerID,
			"position", entry.Position,
			"expires_at", expiresAt,
		)
	}
	return nil
}

// Accept finalizes an offered entry: the farmer takes the seat, the
// backing assessment transitions to approved, and positions compact.
func (m *Manager) Accept(ctx context.Context, tenantID string, assessmentID string) (*domain.Assessment, error) {
	entry, err := m.repo.GetWaitlistEntryByAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(tenantID, entry.SchemeID)
	defer unlock()

	// Re-read under the lock: the expiry timer may have finalized it.
	entry, err = m.repo.GetWaitlistEntryByAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.WaitlistOffered {
		return nil, fmt.Errorf("%w: entry is %s", domain.ErrOfferNotPending, entry.Status)
	}
	a, err := m.repo.GetAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		return nil, err
	}
	// A re-assessment replaced this record; only the active one can take
	// a seat.
	if a.Superseded() {
		return nil, fmt.Errorf("%w: assessment %s is superseded", domain.ErrOfferNotPending, assessmentID)
	}
	if entry.OfferExpiresAt != nil && time.Now().After(*entry.OfferExpiresAt) {
		// The timer has not fired yet; treat as expired.
		m.cancelTimer(entry.ID)
		if err := m.finalizeLocked(ctx, tenantID, entry, domain.WaitlistExpired, "waitlist offer expired"); err != nil {
			return nil, err
		}
		if err := m.promoteLocked(ctx, tenantID, entry.SchemeID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: offer expired", domain.ErrOfferNotPending)
	}

	admitted, err := m.repo.TryAdmitBeneficiary(ctx, tenantID, entry.SchemeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCapacityConflict, err)
	}
	if !admitted {
		return nil, fmt.Errorf("%w: scheme %s has no remaining capacity", domain.ErrCapacityConflict, entry.SchemeID)
	}

	m.cancelTimer(entry.ID)

	now := time.Now().UTC()
	entry.Status = domain.WaitlistAccepted
	entry.UpdatedAt = now
	if err := m.repo.UpdateWaitlistEntry(ctx, tenantID, entry); err != nil {
		return nil, err
	}
	if err := m.repo.CompactWaitlist(ctx, tenantID, entry.SchemeID, entry.Position); err != nil {
		return nil, err
	}

	a.Status = domain.AssessmentApproved
	a.WorkflowDecision = domain.DecisionWaitlistAccept
	a.FinalDecision = "approved"
	a.DecisionReason = "waitlist offer accepted"
	a.DecidedAt = &now
	if err := m.repo.UpdateAssessment(ctx, tenantID, a); err != nil {
		return nil, err
	}

	if err := bus.PublishWaitlist(ctx, m.eventBus, domain.TopicWaitlistFinalized, entry); err != nil {
		m.logger.Warn("failed to publish waitlist event", "entry_id", entry.ID, "error", err)
	}
	if err := bus.PublishAssessment(ctx, m.eventBus, domain.TopicAssessmentCompleted, a); err != nil {
		m.logger.Warn("failed to publish assessment event", "assessment_id", a.ID, "error", err)
	}

	m.logger.Info("waitlist offer accepted",
		"tenant_id", tenantID,
		"scheme_id", entry.SchemeID,
		"farmer_id", entry.FarmerID,
		"assessment_id", assessmentID,
	)
	return a, nil
}

// Decline finalizes a waiting or offered entry at the farmer's request and
// immediately promotes the next position.
func (m *Manager) Decline(ctx context.Context, tenantID string, assessmentID string) error {
	entry, err := m.repo.GetWaitlistEntryByAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		return err
	}
	if entry.Finalized() {
		return fmt.Errorf("%w: entry is %s", domain.ErrOfferNotPending, entry.Status)
	}
	a, err := m.repo.GetAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		return err
	}
	if a.Superseded() {
		return fmt.Errorf("%w: assessment %s is superseded", domain.ErrOfferNotPending, assessmentID)
	}

	unlock := m.locks.Lock(tenantID, entry.SchemeID)
	defer unlock()

	m.cancelTimer(entry.ID)
	if err := m.finalizeLocked(ctx, tenantID, entry, domain.WaitlistDeclined, "waitlist offer declined"); err != nil {
		return err
	}
	return m.promoteLocked(ctx, tenantID, entry.SchemeID)
}

// Withdraw closes the open entry backing an assessment that is being
// superseded, compacting the positions behind it. The caller holds the
// scheme lock. Reports whether an open entry was withdrawn; a missing or
// finalized entry is a no-op. The backing assessment is left alone: the
// supersede marker already records its fate.
func (m *Manager) Withdraw(ctx context.Context, tenantID string, assessmentID string) (bool, error) {
	entry, err := m.repo.GetWaitlistEntryByAssessment(ctx, tenantID, assessmentID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Finalized() {
		return false, nil
	}

	m.cancelTimer(entry.ID)

	entry.Status = domain.WaitlistWithdrawn
	entry.UpdatedAt = time.Now().UTC()
	if err := m.repo.UpdateWaitlistEntry(ctx, tenantID, entry); err != nil {
		return false, err
	}
	if err := m.repo.CompactWaitlist(ctx, tenantID, entry.SchemeID, entry.Position); err != nil {
		return false, err
	}

	if err := bus.PublishWaitlist(ctx, m.eventBus, domain.TopicWaitlistFinalized, entry); err != nil {
		m.logger.Warn("failed to publish waitlist event", "entry_id", entry.ID, "error", err)
	}

	m.logger.Info("waitlist entry withdrawn",
		"tenant_id", tenantID,
		"scheme_id", entry.SchemeID,
		"farmer_id", entry.FarmerID,
		"position", entry.Position,
	)
	return true, nil
}

// ExpireOffers sweeps offers past their expiry and promotes replacements.
// The in-process timers handle the common case; the sweep covers restarts.
func (m *Manager) ExpireOffers(ctx context.Context, tenantID string) (int, error) {
	entries, err := m.repo.ListExpiredOffers(ctx, tenantID, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, entry := range entries {
		if err := m.expire(ctx, tenantID, entry); err != nil {
			m.logger.Error("failed to expire offer", "entry_id", entry.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, tenantID string, entry *domain.WaitlistEntry) error {
	unlock := m.locks.Lock(tenantID, entry.SchemeID)
	defer unlock()

	// Re-read under the lock: the farmer may have accepted meanwhile.
	current, err := m.repo.GetWaitlistEntryByAssessment(ctx, tenantID, entry.AssessmentID)
	if err != nil {
		return err
	}
	if current.Status != domain.WaitlistOffered {
		return nil
	}

	m.cancelTimer(current.ID)
	if err := m.finalizeLocked(ctx, tenantID, current, domain.WaitlistExpired, "waitlist offer expired"); err != nil {
		return err
	}
	return m.promoteLocked(ctx, tenantID, current.SchemeID)
}

// finalizeLocked removes the entry from the queue, compacts subsequent
// positions and records the outcome on the backing assessment.
func (m *Manager) finalizeLocked(ctx context.Context, tenantID string, entry *domain.WaitlistEntry, status domain.WaitlistStatus, reason string) error {
	now := time.Now().UTC()
	entry.Status = status
	entry.UpdatedAt = now
	if err := m.repo.UpdateWaitlistEntry(ctx, tenantID, entry); err != nil {
		return err
	}
	if err := m.repo.CompactWaitlist(ctx, tenantID, entry.SchemeID, entry.Position); err != nil {
		return err
	}

	a, err := m.repo.GetAssessment(ctx, tenantID, entry.AssessmentID)
	if err != nil {
		return err
	}
	a.Status = domain.AssessmentRejected
	a.FinalDecision = "rejected"
	a.DecisionReason = reason
	a.DecidedAt = &now
	if err := m.repo.UpdateAssessment(ctx, tenantID, a); err != nil {
		return err
	}

	if err := bus.PublishWaitlist(ctx, m.eventBus, domain.TopicWaitlistFinalized, entry); err != nil {
		m.logger.Warn("failed to publish waitlist event", "entry_id", entry.ID, "error", err)
	}

	m.logger.Info("waitlist entry finalized",
		"tenant_id", tenantID,
		"scheme_id", entry.SchemeID,
		"farmer_id", entry.FarmerID,
		"status", string(status),
	)
	return nil
}

// scheduleExpiry arms an in-process timer for an offer. Timers do not
// survive restarts; ExpireOffers covers that window.
func (m *Manager) scheduleExpiry(entry *domain.WaitlistEntry, ttl time.Duration) {
	tenantID := entry.TenantID
	assessmentID := entry.AssessmentID

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[entry.ID]; ok {
		t.Stop()
	}
	m.timers[entry.ID] = time.AfterFunc(ttl, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		current, err := m.repo.GetWaitlistEntryByAssessment(ctx, tenantID, assessmentID)
		if err != nil {
			m.logger.Error("offer expiry lookup failed", "entry_id", entry.ID, "error", err)
			return
		}
		if err := m.expire(ctx, tenantID, current); err != nil {
			m.logger.Error("offer expiry failed", "entry_id", entry.ID, "error", err)
		}
	})
}

func (m *Manager) cancelTimer(entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[entryID]; ok {
		t.Stop()
		delete(m.timers, entryID)
	}
}

// Close stops all pending offer timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
