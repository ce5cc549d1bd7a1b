// Package batch applies the assessment orchestrator across many farmers
// for one scheme, with per-item isolation.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/farmgate/eligibility/internal/domain"
)

// Assessor runs one farmer through the assessment pipeline.
type Assessor interface {
	Assess(ctx context.Context, tenantID string, farmerID string, schemeID string) (*domain.Assessment, error)
}

// Runner fans farmers out over a bounded worker pool. Items for the same
// scheme still serialize on the scheme lock during their capacity update;
// only the evaluation work runs in parallel.
type Runner struct {
	assessor    Assessor
	maxParallel int
	logger      *slog.Logger
}

// New creates a batch runner. maxParallel bounds concurrent assessments.
func New(assessor Assessor, maxParallel int, logger *slog.Logger) *Runner {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		assessor:    assessor,
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// Run assesses each farmer independently. One farmer's failure is reported
// per-item and never aborts the batch; partial completion is a reported
// outcome. Cancellation stops unstarted items, which are reported as failed
// with the context error.
func (r *Runner) Run(ctx context.Context, tenantID string, schemeID string, farmerIDs []string) (*domain.BatchResult, error) {
	if len(farmerIDs) == 0 {
		return nil, fmt.Errorf("%w: farmerIds must not be empty", domain.ErrInvalidInput)
	}

	start := time.Now()
	result := &domain.BatchResult{
		SchemeID:  schemeID,
		StartedAt: start.UTC(),
	}

	type itemResult struct {
		farmerID   string
		assessment *domain.Assessment
		err        error
	}
	results := make([]itemResult, len(farmerIDs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.maxParallel)

	for i, farmerID := range farmerIDs {
		// Stop scheduling once the caller gave up; started items finish.
		if err := ctx.Err(); err != nil {
			results[i] = itemResult{farmerID: farmerID, err: err}
			continue
		}

		wg.Add(1)
		go func(idx int, farmerID string) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if err := ctx.Err(); err != nil {
				results[idx] = itemResult{farmerID: farmerID, err: err}
				return
			}

			results[idx] = itemResult{farmerID: farmerID}
			results[idx].assessment, results[idx].err = r.assessOne(ctx, tenantID, farmerID, schemeID)
		}(i, farmerID)
	}

	wg.Wait()

	for _, item := range results {
		if item.err != nil {
			result.Failed = append(result.Failed, domain.BatchItemError{
				FarmerID: item.farmerID,
				Error:    item.err.Error(),
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, item.assessment)
	}
	result.TotalMs = time.Since(start).Milliseconds()

	r.logger.Info("batch run completed",
		"tenant_id", tenantID,
		"scheme_id", schemeID,
		"total", len(farmerIDs),
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"duration_ms", result.TotalMs,
	)
	return result, nil
}

// assessOne isolates a single item: a panicking evaluation is reported as
// that farmer's failure, not the batch's.
func (r *Runner) assessOne(ctx context.Context, tenantID, farmerID, schemeID string) (a *domain.Assessment, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			a = nil
			err = fmt.Errorf("assessment panic: %v", rec)
			r.logger.Error("assessment panicked",
				"tenant_id", tenantID,
				"farmer_id", farmerID,
				"scheme_id", schemeID,
				"panic", rec,
			)
		}
	}()
	return r.assessor.Assess(ctx, tenantID, farmerID, schemeID)
}
