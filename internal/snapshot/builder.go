// Package snapshot assembles read-only feature snapshots from the external
// farmer, farm, KYC and credit-bureau collaborators.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/farmgate/eligibility/internal/domain"
)

// Builder fetches all configured sources, merges their features under the
// source namespace and computes derived features. Sources run concurrently;
// an optional source that fails or times out degrades to a missing-feature
// condition recorded in the snapshot's provenance, never a hard failure.
type Builder struct {
	sources []domain.FeatureSource
	cache   domain.Cache
	timeout time.Duration

	mu      sync.RWMutex
	derived map[string]*DerivedSet
}

// NewBuilder creates a snapshot builder. cache may be nil; timeout bounds
// each individual source call.
func NewBuilder(sources []domain.FeatureSource, cache domain.Cache, timeout time.Duration) *Builder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Builder{
		sources: sources,
		cache:   cache,
		timeout: timeout,
		derived: make(map[string]*DerivedSet),
	}
}

// SetDerived installs a tenant's compiled derived-feature set. Safe to call
// concurrently with Build for hot reload.
func (b *Builder) SetDerived(tenantID string, ds *DerivedSet) {
	b.mu.Lock()
	b.derived[tenantID] = ds
	b.mu.Unlock()
}

// CacheTTL is how long assembled snapshots stay reusable. Short, so batch
// runs across schemes reuse one snapshot without serving stale profiles.
const CacheTTL = 2 * time.Minute

// Build assembles the snapshot for a farmer, consulting the cache first.
func (b *Builder) Build(ctx context.Context, tenantID, farmerID string) (*domain.FeatureSnapshot, error) {
	if tenantID == "" || farmerID == "" {
		return nil, fmt.Errorf("%w: tenantID and farmerID are required", domain.ErrInvalidInput)
	}

	if b.cache != nil {
		if cached, err := b.cache.GetSnapshot(ctx, tenantID, farmerID); err == nil && cached != nil {
			return cached, nil
		}
	}

	snap := &domain.FeatureSnapshot{
		FarmerID: farmerID,
		TenantID: tenantID,
		Features: make(map[string]any),
		TakenAt:  time.Now().UTC(),
	}

	type fetchResult struct {
		source   domain.FeatureSource
		features map[string]any
		err      error
	}

	results := make([]fetchResult, len(b.sources))
	var wg sync.WaitGroup
	for i, src := range b.sources {
		wg.Add(1)
		go func(idx int, src domain.FeatureSource) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()
			features, err := src.Fetch(fetchCtx, tenantID, farmerID)
			results[idx] = fetchResult{source: src, features: features, err: err}
		}(i, src)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			if res.source.Required() {
				return nil, fmt.Errorf("%w: source %s: %v", domain.ErrDataUnavailable, res.source.Name(), res.err)
			}
			// External-service failure degrades to missing features with a
			// flagged provenance note.
			snap.Provenance = append(snap.Provenance,
				fmt.Sprintf("%s: unavailable (%v)", res.source.Name(), res.err))
			slog.Warn("snapshot source degraded",
				"source", res.source.Name(),
				"farmer_id", farmerID,
				"error", res.err,
			)
			continue
		}
		if len(res.features) > 0 {
			snap.Features[res.source.Name()] = res.features
		}
	}

	b.mu.RLock()
	derived := b.derived[tenantID]
	b.mu.RUnlock()
	if derived != nil {
		if computed := derived.Compute(snap.Features); len(computed) > 0 {
			snap.Features["derived"] = computed
		}
	}

	if b.cache != nil {
		if err := b.cache.SetSnapshot(ctx, tenantID, snap, CacheTTL); err != nil {
			slog.Warn("failed to cache snapshot", "farmer_id", farmerID, "error", err)
		}
	}

	return snap, nil
}

// FuncSource adapts a fetch function to the FeatureSource interface, the
// usual way collaborator clients are wired in.
type FuncSource struct {
	SourceName  string
	SourceFetch func(ctx context.Context, tenantID, farmerID string) (map[string]any, error)
	MustSucceed bool
}

func (s *FuncSource) Name() string { return s.SourceName }

func (s *FuncSource) Required() bool { return s.MustSucceed }

func (s *FuncSource) Fetch(ctx context.Context, tenantID, farmerID string) (map[string]any, error) {
	return s.SourceFetch(ctx, tenantID, farmerID)
}
