package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/farmgate/eligibility/internal/bus"
	"github.com/farmgate/eligibility/internal/domain"
)

type fakeAssessor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeAssessor) Assess(ctx context.Context, tenantID, farmerID, schemeID string) (*domain.Assessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, farmerID+"/"+schemeID)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Assessment{
		ID:       "as-" + farmerID,
		TenantID: tenantID,
		FarmerID: farmerID,
		SchemeID: schemeID,
		Status:   domain.AssessmentApproved,
	}, nil
}

func (f *fakeAssessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSweeper struct {
	sweeps int64
}

func (f *fakeSweeper) ExpireOffers(ctx context.Context, tenantID string) (int, error) {
	atomic.AddInt64(&f.sweeps, 1)
	return 0, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerProcessesQueuedRequests(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	assessor := &fakeAssessor{}
	w := New(eventBus, assessor, nil, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	payload, _ := json.Marshal(bus.AssessmentRequest{FarmerID: "farmer-001", SchemeID: "scheme-001"})
	if err := eventBus.Publish(context.Background(), "tenant-001", domain.TopicAssessmentRequested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return assessor.callCount() == 1 })

	assessor.mu.Lock()
	defer assessor.mu.Unlock()
	if assessor.calls[0] != "farmer-001/scheme-001" {
		t.Errorf("unexpected call %q", assessor.calls[0])
	}
}

func TestWorkerIgnoresOtherTenants(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	assessor := &fakeAssessor{}
	w := New(eventBus, assessor, nil, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	payload, _ := json.Marshal(bus.AssessmentRequest{FarmerID: "farmer-001", SchemeID: "scheme-001"})
	if err := eventBus.Publish(context.Background(), "tenant-002", domain.TopicAssessmentRequested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := assessor.callCount(); n != 0 {
		t.Errorf("expected no calls for other tenant, got %d", n)
	}
}

func TestWorkerSkipsMalformedRequest(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	assessor := &fakeAssessor{}
	w := New(eventBus, assessor, nil, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	bad, _ := json.Marshal(bus.AssessmentRequest{FarmerID: "", SchemeID: "scheme-001"})
	good, _ := json.Marshal(bus.AssessmentRequest{FarmerID: "farmer-001", SchemeID: "scheme-001"})
	eventBus.Publish(context.Background(), "tenant-001", domain.TopicAssessmentRequested, bad)
	eventBus.Publish(context.Background(), "tenant-001", domain.TopicAssessmentRequested, good)

	waitFor(t, 2*time.Second, func() bool { return assessor.callCount() == 1 })

	assessor.mu.Lock()
	defer assessor.mu.Unlock()
	if assessor.calls[0] != "farmer-001/scheme-001" {
		t.Errorf("malformed request reached the assessor: %q", assessor.calls[0])
	}
}

func TestWorkerRunsOfferSweep(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	sweeper := &fakeSweeper{}
	w := New(eventBus, &fakeAssessor{}, sweeper, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}, SweepInterval: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&sweeper.sweeps) >= 2 })
}

func TestWorkerStopUnsubscribes(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := New(eventBus, &fakeAssessor{}, nil, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n := w.GetStats().SubscriptionCount; n != 0 {
		t.Errorf("expected 0 subscriptions after Stop, got %d", n)
	}
}

func TestWorkerRequiresTenants(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := New(eventBus, &fakeAssessor{}, nil, nil)
	if err := w.Start(Config{}); err == nil {
		t.Error("expected error when no tenants configured")
	}
}
