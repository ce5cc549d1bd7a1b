package assess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/farmgate/eligibility/internal/bus"
	"github.com/farmgate/eligibility/internal/domain"
	"github.com/farmgate/eligibility/internal/registry"
	"github.com/farmgate/eligibility/internal/repository"
	"github.com/farmgate/eligibility/internal/risk"
	"github.com/farmgate/eligibility/internal/snapshot"
	"github.com/farmgate/eligibility/internal/waitlist"
)

const testTenant = "tenant-001"

type testEngine struct {
	orch     *Orchestrator
	registry *registry.Registry
	repo     domain.Repository
	eventBus domain.EventBus
	farmers  map[string]map[string]any
}

func newTestEngine(t *testing.T) *testEngine {
	return newTestEngineRepo(t, nil)
}

// newTestEngineRepo lets a test wrap the repository, typically to
// inject storage failures at a chosen point.
func newTestEngineRepo(t *testing.T, wrap func(domain.Repository) domain.Repository) *testEngine {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "assess-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	if wrap != nil {
		repo = wrap(repo)
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	farmers := map[string]map[string]any{}
	profileSource := &snapshot.FuncSource{
		SourceName:  "profile",
		MustSucceed: true,
		SourceFetch: func(ctx context.Context, tenantID, farmerID string) (map[string]any, error) {
			features, ok := farmers[farmerID]
			if !ok {
				return nil, fmt.Errorf("farmer %s not found", farmerID)
			}
			return features, nil
		},
	}

	builder := snapshot.NewBuilder([]domain.FeatureSource{profileSource}, nil, time.Second)
	scorer := risk.NewScorer(domain.DefaultRiskThresholds(), 75)
	reg := registry.New(repo, nil, nil)
	locks := NewSchemeLocks()
	wl := waitlist.New(repo, eventBus, locks, time.Hour, nil)
	t.Cleanup(wl.Close)

	orch := New(repo, eventBus, reg, builder, scorer, wl, locks, nil)
	return &testEngine{orch: orch, registry: reg, repo: repo, eventBus: eventBus, farmers: farmers}
}

func (e *testEngine) addFarmer(id string, age, hectares float64) {
	e.farmers[id] = map[string]any{"age": age, "land_hectares": hectares}
}

func (e *testEngine) activeScheme(t *testing.T, maxBeneficiaries int) *domain.Scheme {
	t.Helper()
	ctx := context.Background()

	scheme, err := e.registry.Create(ctx, testTenant, registry.CreateInput{
		Code:             fmt.Sprintf("SCHEME-%d", time.Now().UnixNano()),
		Name:             "Input Subsidy",
		MaxBeneficiaries: maxBeneficiaries,
		RuleTree: &domain.RuleGroup{
			Logic: domain.LogicAnd,
			Children: []domain.RuleNode{
				{Rule: &domain.Rule{ID: "age", FieldName: "profile.age", Operator: domain.OpGte, Value: 18.0, Weight: 1, IsMandatory: true}},
				{Rule: &domain.Rule{ID: "land", FieldName: "profile.land_hectares", Operator: domain.OpGte, Value: 1.0, Weight: 2}},
			},
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := e.registry.Activate(ctx, testTenant, scheme.ID); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return scheme
}

func TestAssess(t *testing.T) {
	ctx := context.Background()

	t.Run("EligibleWithCapacityIsApproved", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		e.addFarmer("farmer-001", 42, 2.0)

		a, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if a.Status != domain.AssessmentApproved {
			t.Errorf("expected approved, got %s", a.Status)
		}
		if a.WorkflowDecision != domain.DecisionAuto {
			t.Errorf("expected auto decision, got %s", a.WorkflowDecision)
		}
		if a.EligibilityScore != 100 {
			t.Errorf("expected score 100, got %f", a.EligibilityScore)
		}
		if len(a.RuleResults) != 2 {
			t.Errorf("expected 2 rule results, got %d", len(a.RuleResults))
		}
		if a.SchemeVersion != scheme.Version {
			t.Errorf("expected pinned version %d, got %d", scheme.Version, a.SchemeVersion)
		}
		if a.DecidedAt == nil {
			t.Error("expected DecidedAt on a decided assessment")
		}

		stored, err := e.repo.GetScheme(ctx, testTenant, scheme.ID)
		if err != nil {
			t.Fatalf("GetScheme failed: %v", err)
		}
		if stored.CurrentBeneficiaries != 1 {
			t.Errorf("expected 1 beneficiary, got %d", stored.CurrentBeneficiaries)
		}
	})

	t.Run("NotEligibleIsRejectedWithReasons", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		e.addFarmer("farmer-minor", 16, 2.0)

		a, err := e.orch.Assess(ctx, testTenant, "farmer-minor", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if a.Status != domain.AssessmentRejected {
			t.Errorf("expected rejected, got %s", a.Status)
		}
		if a.DecisionReason == "" {
			t.Error("expected a decision reason naming the failed criteria")
		}
		// Partial score is still reported.
		if a.EligibilityScore <= 0 || a.EligibilityScore >= 100 {
			t.Errorf("expected partial score, got %f", a.EligibilityScore)
		}
		// No seat consumed.
		stored, _ := e.repo.GetScheme(ctx, testTenant, scheme.ID)
		if stored.CurrentBeneficiaries != 0 {
			t.Errorf("rejection must not consume capacity, got %d", stored.CurrentBeneficiaries)
		}
	})

	t.Run("AtCapacityIsWaitlisted", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 1)
		e.addFarmer("farmer-a", 30, 2.0)
		e.addFarmer("farmer-b", 35, 3.0)

		first, err := e.orch.Assess(ctx, testTenant, "farmer-a", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if first.Status != domain.AssessmentApproved {
			t.Fatalf("expected approved, got %s", first.Status)
		}

		second, err := e.orch.Assess(ctx, testTenant, "farmer-b", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if second.Status != domain.AssessmentWaitlisted {
			t.Fatalf("expected waitlisted, got %s", second.Status)
		}
		if second.WaitlistPosition == nil || *second.WaitlistPosition != 1 {
			t.Errorf("expected waitlist position 1, got %v", second.WaitlistPosition)
		}
	})

	t.Run("ReassessSupersedes", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		e.addFarmer("farmer-001", 42, 2.0)

		first, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		second, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}

		old, err := e.repo.GetAssessment(ctx, testTenant, first.ID)
		if err != nil {
			t.Fatalf("GetAssessment failed: %v", err)
		}
		if !old.Superseded() || *old.SupersededBy != second.ID {
			t.Errorf("expected first assessment superseded by %s, got %v", second.ID, old.SupersededBy)
		}

		active, err := e.repo.GetActiveAssessment(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("GetActiveAssessment failed: %v", err)
		}
		if active.ID != second.ID {
			t.Errorf("expected active %s, got %s", second.ID, active.ID)
		}

		history, err := e.orch.History(ctx, testTenant, "farmer-001")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != 2 {
			t.Errorf("expected 2 records in history, got %d", len(history))
		}
	})

	t.Run("ReassessApprovedKeepsOneSeat", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 2)
		e.addFarmer("farmer-001", 42, 2.0)
		e.addFarmer("farmer-002", 35, 3.0)

		first, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		second, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if first.Status != domain.AssessmentApproved || second.Status != domain.AssessmentApproved {
			t.Fatalf("expected both runs approved, got %s then %s", first.Status, second.Status)
		}

		// The farmer holds one seat, not one per run.
		stored, _ := e.repo.GetScheme(ctx, testTenant, scheme.ID)
		if stored.CurrentBeneficiaries != 1 {
			t.Errorf("expected 1 beneficiary after re-assessment, got %d", stored.CurrentBeneficiaries)
		}

		// The second seat is still open for another farmer.
		other, err := e.orch.Assess(ctx, testTenant, "farmer-002", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if other.Status != domain.AssessmentApproved {
			t.Errorf("expected approval for the remaining seat, got %s", other.Status)
		}
	})

	t.Run("ReassessWaitlistedLeavesOneEntry", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 0)
		e.addFarmer("farmer-001", 42, 2.0)
		e.addFarmer("farmer-002", 35, 3.0)

		first, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if _, err := e.orch.Assess(ctx, testTenant, "farmer-002", scheme.ID); err != nil {
			t.Fatalf("Assess failed: %v", err)
		}

		second, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if second.Status != domain.AssessmentWaitlisted {
			t.Fatalf("expected waitlisted, got %s", second.Status)
		}

		// The superseded run's entry is closed; the farmer re-joins at
		// the tail behind farmer-002.
		oldEntry, err := e.repo.GetWaitlistEntryByAssessment(ctx, testTenant, first.ID)
		if err != nil {
			t.Fatalf("GetWaitlistEntryByAssessment failed: %v", err)
		}
		if oldEntry.Status != domain.WaitlistWithdrawn {
			t.Errorf("expected superseded entry withdrawn, got %s", oldEntry.Status)
		}
		entries, err := e.repo.ListWaitlist(ctx, testTenant, scheme.ID)
		if err != nil {
			t.Fatalf("ListWaitlist failed: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 open entries, got %d", len(entries))
		}
		if entries[0].FarmerID != "farmer-002" || entries[0].Position != 1 {
			t.Errorf("expected farmer-002 at position 1, got %s at %d", entries[0].FarmerID, entries[0].Position)
		}
		if entries[1].FarmerID != "farmer-001" || entries[1].Position != 2 {
			t.Errorf("expected farmer-001 at position 2, got %s at %d", entries[1].FarmerID, entries[1].Position)
		}
		if second.WaitlistPosition == nil || *second.WaitlistPosition != 2 {
			t.Errorf("expected recorded position 2, got %v", second.WaitlistPosition)
		}
	})

	t.Run("ReassessIntoRejectionFreesSeat", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 1)
		e.addFarmer("farmer-a", 42, 2.0)
		e.addFarmer("farmer-b", 35, 3.0)

		if _, err := e.orch.Assess(ctx, testTenant, "farmer-a", scheme.ID); err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		waiting, err := e.orch.Assess(ctx, testTenant, "farmer-b", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if waiting.Status != domain.AssessmentWaitlisted {
			t.Fatalf("expected waitlisted, got %s", waiting.Status)
		}

		// Updated records now fail the age rule; re-assessment drops the
		// seat and the freed capacity is offered to the queue.
		e.farmers["farmer-a"]["age"] = 16.0
		redone, err := e.orch.Assess(ctx, testTenant, "farmer-a", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if redone.Status != domain.AssessmentRejected {
			t.Fatalf("expected rejected, got %s", redone.Status)
		}

		stored, _ := e.repo.GetScheme(ctx, testTenant, scheme.ID)
		if stored.CurrentBeneficiaries != 0 {
			t.Errorf("expected released seat, got %d beneficiaries", stored.CurrentBeneficiaries)
		}
		entry, err := e.repo.GetWaitlistEntryByAssessment(ctx, testTenant, waiting.ID)
		if err != nil {
			t.Fatalf("GetWaitlistEntryByAssessment failed: %v", err)
		}
		if entry.Status != domain.WaitlistOffered {
			t.Errorf("expected farmer-b offered the freed seat, got %s", entry.Status)
		}
	})

	t.Run("InactiveSchemeRejected", func(t *testing.T) {
		e := newTestEngine(t)
		e.addFarmer("farmer-001", 42, 2.0)

		draft, err := e.registry.Create(ctx, testTenant, registry.CreateInput{
			Code: "DRAFT", Name: "Draft", MaxBeneficiaries: 5,
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		_, err = e.orch.Assess(ctx, testTenant, "farmer-001", draft.ID)
		if !errors.Is(err, domain.ErrSchemeNotActive) {
			t.Errorf("expected ErrSchemeNotActive, got %v", err)
		}
	})

	t.Run("RequiredSourceFailureAborts", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		// farmer-unknown has no profile; the required source fails.

		_, err := e.orch.Assess(ctx, testTenant, "farmer-unknown", scheme.ID)
		if !errors.Is(err, domain.ErrDataUnavailable) {
			t.Errorf("expected ErrDataUnavailable, got %v", err)
		}
	})

	t.Run("CompletionEventPublished", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		e.addFarmer("farmer-001", 42, 2.0)

		received := make(chan *domain.Message, 1)
		sub, err := e.eventBus.Subscribe(ctx, testTenant, domain.TopicAssessmentCompleted,
			func(ctx context.Context, msg *domain.Message) error {
				received <- msg
				return nil
			})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		if _, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID); err != nil {
			t.Fatalf("Assess failed: %v", err)
		}

		select {
		case msg := <-received:
			if msg.TenantID != testTenant {
				t.Errorf("expected tenant %s, got %s", testTenant, msg.TenantID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for completion event")
		}
	})
}

// Ten eligible farmers race for one open slot: exactly one approval, the
// rest waitlisted with dense positions.
func TestConcurrentLastSlot(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	scheme := e.activeScheme(t, 1)

	const n = 10
	farmerIDs := make([]string, n)
	for i := 0; i < n; i++ {
		farmerIDs[i] = fmt.Sprintf("farmer-%03d", i)
		e.addFarmer(farmerIDs[i], 30, 2.0)
	}

	var wg sync.WaitGroup
	results := make([]*domain.Assessment, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			a, err := e.orch.Assess(ctx, testTenant, farmerIDs[idx], scheme.ID)
			if err != nil {
				t.Errorf("Assess %s failed: %v", farmerIDs[idx], err)
				return
			}
			results[idx] = a
		}(i)
	}
	wg.Wait()

	approved, waitlisted := 0, 0
	positions := map[int]bool{}
	for _, a := range results {
		if a == nil {
			continue
		}
		switch a.Status {
		case domain.AssessmentApproved:
			approved++
		case domain.AssessmentWaitlisted:
			waitlisted++
			if a.WaitlistPosition == nil {
				t.Error("waitlisted assessment missing position")
				continue
			}
			if positions[*a.WaitlistPosition] {
				t.Errorf("duplicate waitlist position %d", *a.WaitlistPosition)
			}
			positions[*a.WaitlistPosition] = true
		default:
			t.Errorf("unexpected status %s", a.Status)
		}
	}

	if approved != 1 {
		t.Errorf("expected exactly 1 approval for the last slot, got %d", approved)
	}
	if waitlisted != n-1 {
		t.Errorf("expected %d waitlisted, got %d", n-1, waitlisted)
	}
	for p := 1; p <= waitlisted; p++ {
		if !positions[p] {
			t.Errorf("waitlist positions not dense: missing %d", p)
		}
	}

	stored, _ := e.repo.GetScheme(ctx, testTenant, scheme.ID)
	if stored.CurrentBeneficiaries != 1 {
		t.Errorf("capacity invariant violated: %d beneficiaries for cap 1", stored.CurrentBeneficiaries)
	}
}

// flakySaveRepo fails SaveAssessment on demand and delegates everything
// else to the real repository.
type flakySaveRepo struct {
	domain.Repository
	fail bool
}

func (r *flakySaveRepo) SaveAssessment(ctx context.Context, tenantID string, a *domain.Assessment) error {
	if r.fail {
		return errors.New("storage write refused")
	}
	return r.Repository.SaveAssessment(ctx, tenantID, a)
}

// A failed assessment write must not leave a seat or queue position
// behind; the next run starts from a clean slate.
func TestAssessStorageFailureRollsBack(t *testing.T) {
	ctx := context.Background()

	t.Run("SeatReturned", func(t *testing.T) {
		flaky := &flakySaveRepo{fail: true}
		e := newTestEngineRepo(t, func(r domain.Repository) domain.Repository {
			flaky.Repository = r
			return flaky
		})
		scheme := e.activeScheme(t, 1)
		e.addFarmer("farmer-001", 42, 2.0)

		if _, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID); err == nil {
			t.Fatal("expected Assess to surface the write failure")
		}
		stored, _ := e.repo.GetScheme(ctx, testTenant, scheme.ID)
		if stored.CurrentBeneficiaries != 0 {
			t.Errorf("expected seat returned after failed write, got %d", stored.CurrentBeneficiaries)
		}

		flaky.fail = false
		a, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if a.Status != domain.AssessmentApproved {
			t.Errorf("expected approval once storage recovers, got %s", a.Status)
		}
	})

	t.Run("QueuePositionRemoved", func(t *testing.T) {
		flaky := &flakySaveRepo{fail: true}
		e := newTestEngineRepo(t, func(r domain.Repository) domain.Repository {
			flaky.Repository = r
			return flaky
		})
		scheme := e.activeScheme(t, 0)
		e.addFarmer("farmer-001", 42, 2.0)

		if _, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID); err == nil {
			t.Fatal("expected Assess to surface the write failure")
		}
		entries, err := e.repo.ListWaitlist(ctx, testTenant, scheme.ID)
		if err != nil {
			t.Fatalf("ListWaitlist failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected empty waitlist after failed write, got %d entries", len(entries))
		}

		flaky.fail = false
		a, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if a.Status != domain.AssessmentWaitlisted || a.WaitlistPosition == nil || *a.WaitlistPosition != 1 {
			t.Errorf("expected position 1 once storage recovers, got %s %v", a.Status, a.WaitlistPosition)
		}
	})
}

func TestOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("RejectedToApprovedConsumesSeat", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		e.addFarmer("farmer-minor", 16, 2.0)

		a, err := e.orch.Assess(ctx, testTenant, "farmer-minor", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		if a.Status != domain.AssessmentRejected {
			t.Fatalf("expected rejected, got %s", a.Status)
		}

		overridden, err := e.orch.Override(ctx, testTenant, a.ID, "approved", "officer-7", "field visit confirmed age records outdated")
		if err != nil {
			t.Fatalf("Override failed: %v", err)
		}
		if overridden.Status != domain.AssessmentApproved {
			t.Errorf("expected approved, got %s", overridden.Status)
		}
		if overridden.WorkflowDecision != domain.DecisionManualOverride {
			t.Errorf("expected manual_override, got %s", overridden.WorkflowDecision)
		}
		// Automatic scores stay untouched.
		if overridden.EligibilityScore != a.EligibilityScore {
			t.Errorf("override must not change the automatic score")
		}

		stored, _ := e.repo.GetScheme(ctx, testTenant, scheme.ID)
		if stored.CurrentBeneficiaries != 1 {
			t.Errorf("expected 1 beneficiary after override, got %d", stored.CurrentBeneficiaries)
		}

		trail, err := e.orch.AuditTrail(ctx, testTenant, a.ID)
		if err != nil {
			t.Fatalf("AuditTrail failed: %v", err)
		}
		if len(trail) != 1 || trail[0].Actor != "officer-7" {
			t.Errorf("expected one audit event by officer-7, got %+v", trail)
		}
	})

	t.Run("ApprovedToRejectedReleasesSeat", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		e.addFarmer("farmer-001", 42, 2.0)

		a, err := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}

		if _, err := e.orch.Override(ctx, testTenant, a.ID, "rejected", "officer-7", "duplicate application"); err != nil {
			t.Fatalf("Override failed: %v", err)
		}

		stored, _ := e.repo.GetScheme(ctx, testTenant, scheme.ID)
		if stored.CurrentBeneficiaries != 0 {
			t.Errorf("expected released seat, got %d beneficiaries", stored.CurrentBeneficiaries)
		}
	})

	t.Run("ManualDecisionIsFinal", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		e.addFarmer("farmer-001", 42, 2.0)

		a, _ := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		if _, err := e.orch.Override(ctx, testTenant, a.ID, "rejected", "officer-7", "duplicate application"); err != nil {
			t.Fatalf("Override failed: %v", err)
		}

		_, err := e.orch.Override(ctx, testTenant, a.ID, "approved", "officer-8", "second thoughts")
		if !errors.Is(err, domain.ErrAssessmentFinal) {
			t.Errorf("expected ErrAssessmentFinal, got %v", err)
		}
	})

	t.Run("ReasonRequired", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 5)
		e.addFarmer("farmer-001", 42, 2.0)

		a, _ := e.orch.Assess(ctx, testTenant, "farmer-001", scheme.ID)
		_, err := e.orch.Override(ctx, testTenant, a.ID, "rejected", "officer-7", "")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("OverrideAtCapacityConflicts", func(t *testing.T) {
		e := newTestEngine(t)
		scheme := e.activeScheme(t, 1)
		e.addFarmer("farmer-a", 30, 2.0)
		e.addFarmer("farmer-minor", 16, 2.0)

		if _, err := e.orch.Assess(ctx, testTenant, "farmer-a", scheme.ID); err != nil {
			t.Fatalf("Assess failed: %v", err)
		}
		rejected, err := e.orch.Assess(ctx, testTenant, "farmer-minor", scheme.ID)
		if err != nil {
			t.Fatalf("Assess failed: %v", err)
		}

		_, err = e.orch.Override(ctx, testTenant, rejected.ID, "approved", "officer-7", "exception approved")
		if !errors.Is(err, domain.ErrCapacityConflict) {
			t.Errorf("expected ErrCapacityConflict, got %v", err)
		}
	})
}
