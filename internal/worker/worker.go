// Package worker provides async assessment processing for the Pro tier.
// API handlers enqueue assessment requests on the event bus and the worker
// drains them, so ingest spikes never block the HTTP path.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/farmgate/eligibility/internal/bus"
	"github.com/farmgate/eligibility/internal/domain"
)

// Assessor runs a single eligibility assessment end to end.
type Assessor interface {
	Assess(ctx context.Context, tenantID string, farmerID string, schemeID string) (*domain.Assessment, error)
}

// OfferSweeper finalizes waitlist offers whose deadline has passed.
type OfferSweeper interface {
	ExpireOffers(ctx context.Context, tenantID string) (int, error)
}

// Worker consumes assessment requests from the EventBus and periodically
// sweeps expired waitlist offers for its tenants.
type Worker struct {
	bus      domain.EventBus
	assessor Assessor
	sweeper  OfferSweeper
	logger   *slog.Logger

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string

	// SweepInterval is how often expired waitlist offers are swept.
	// The sweep is a safety net behind the in-process offer timers, and
	// recovers offers that expired while the service was down.
	SweepInterval time.Duration
}

// New creates an async assessment worker. The sweeper may be nil when
// waitlist processing is handled elsewhere.
func New(bus domain.EventBus, assessor Assessor, sweeper OfferSweeper, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		assessor: assessor,
		sweeper:  sweeper,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing assessment requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return errors.New("worker: at least one tenant is required")
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	if w.sweeper != nil {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		w.wg.Add(1)
		go w.sweepLoop(cfg.TenantIDs, interval)
	}

	w.logger.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startTenantWorker subscribes to the assessment request topic for one tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAssessmentRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicAssessmentRequested,
	)

	return nil
}

// processRequest runs one queued assessment.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req bus.AssessmentRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse assessment request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.FarmerID == "" || req.SchemeID == "" {
		w.logger.Error("assessment request missing farmer or scheme",
			"message_id", msg.ID,
		)
		return domain.ErrInvalidInput
	}

	a, err := w.assessor.Assess(ctx, tenantID, req.FarmerID, req.SchemeID)
	if err != nil {
		w.logger.Error("queued assessment failed",
			"tenant_id", tenantID,
			"farmer_id", req.FarmerID,
			"scheme_id", req.SchemeID,
			"error", err,
		)
		return err
	}

	w.logger.Info("queued assessment processed",
		"tenant_id", tenantID,
		"assessment_id", a.ID,
		"farmer_id", a.FarmerID,
		"scheme_id", a.SchemeID,
		"status", a.Status,
		"score", a.EligibilityScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// sweepLoop periodically expires overdue waitlist offers for every tenant.
func (w *Worker) sweepLoop(tenantIDs []string, interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range tenantIDs {
				n, err := w.sweeper.ExpireOffers(w.ctx, tenantID)
				if err != nil {
					w.logger.Error("offer sweep failed",
						"tenant_id", tenantID,
						"error", err,
					)
					continue
				}
				if n > 0 {
					w.logger.Info("expired waitlist offers",
						"tenant_id", tenantID,
						"count", n,
					)
				}
			}
		}
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
