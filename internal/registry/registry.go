// Package registry manages the lifecycle of support schemes: creation,
// versioned rule-tree edits, activation and closure.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/farmgate/eligibility/internal/domain"
	"github.com/farmgate/eligibility/internal/rules"
)

const schemeCacheTTL = 5 * time.Minute

// Registry is the scheme administration service. Published rule-tree
// versions are immutable: edits bump the version and archive the old tree,
// so completed assessments keep pointing at the exact rules they were
// evaluated against.
type Registry struct {
	repo   domain.Repository
	cache  domain.Cache
	logger *slog.Logger
}

// New creates a scheme registry.
func New(repo domain.Repository, cache domain.Cache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, cache: cache, logger: logger}
}

// CreateInput holds the admin-supplied fields of a new scheme.
type CreateInput struct {
	Code             string            `json:"code"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	MaxBeneficiaries int               `json:"maxBeneficiaries"`
	RuleTree         *domain.RuleGroup `json:"ruleTree,omitempty"`
	OfferTTLHours    int               `json:"offerTtlHours,omitempty"`
}

// Create registers a new scheme in draft state at version 1. The rule tree
// may be absent or invalid while drafting; activation enforces validity.
func (r *Registry) Create(ctx context.Context, tenantID string, input CreateInput) (*domain.Scheme, error) {
	if input.Code == "" || input.Name == "" {
		return nil, fmt.Errorf("%w: code and name are required", domain.ErrInvalidInput)
	}
	if input.MaxBeneficiaries < 0 {
		return nil, fmt.Errorf("%w: maxBeneficiaries must not be negative", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	scheme := &domain.Scheme{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		Code:             input.Code,
		Name:             input.Name,
		Description:      input.Description,
		Status:           domain.SchemeStatusDraft,
		Version:          1,
		MaxBeneficiaries: input.MaxBeneficiaries,
		RuleTree:         input.RuleTree,
		OfferTTLHours:    input.OfferTTLHours,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := r.repo.SaveScheme(ctx, tenantID, scheme); err != nil {
		return nil, fmt.Errorf("failed to save scheme: %w", err)
	}

	r.logger.Info("scheme created",
		"tenant_id", tenantID,
		"scheme_id", scheme.ID,
		"code", scheme.Code,
	)
	return scheme, nil
}

// UpdateInput holds the editable fields of an existing scheme. Nil fields
// are left unchanged.
type UpdateInput struct {
	Name             *string           `json:"name,omitempty"`
	Description      *string           `json:"description,omitempty"`
	MaxBeneficiaries *int              `json:"maxBeneficiaries,omitempty"`
	RuleTree         *domain.RuleGroup `json:"ruleTree,omitempty"`
	OfferTTLHours    *int              `json:"offerTtlHours,omitempty"`
}

// Update edits a scheme. A rule-tree edit bumps the version; metadata-only
// edits do not. Closed schemes cannot be edited.
func (r *Registry) Update(ctx context.Context, tenantID string, schemeID string, input UpdateInput) (*domain.Scheme, error) {
	scheme, err := r.repo.GetScheme(ctx, tenantID, schemeID)
	if err != nil {
		return nil, err
	}
	if scheme.Status == domain.SchemeStatusClosed {
		return nil, fmt.Errorf("%w: scheme %s is closed", domain.ErrInvalidInput, schemeID)
	}

	if input.Name != nil {
		scheme.Name = *input.Name
	}
	if input.Description != nil {
		scheme.Description = *input.Description
	}
	if input.MaxBeneficiaries != nil {
		if *input.MaxBeneficiaries < 0 {
			return nil, fmt.Errorf("%w: maxBeneficiaries must not be negative", domain.ErrInvalidInput)
		}
		scheme.MaxBeneficiaries = *input.MaxBeneficiaries
	}
	if input.OfferTTLHours != nil {
		scheme.OfferTTLHours = *input.OfferTTLHours
	}
	if input.RuleTree != nil {
		// Active schemes must never serve an invalid tree.
		if scheme.Status == domain.SchemeStatusActive {
			if err := rules.ValidateTree(input.RuleTree); err != nil {
				return nil, err
			}
		}
		scheme.RuleTree = input.RuleTree
		scheme.Version++
	}
	scheme.UpdatedAt = time.Now().UTC()

	if err := r.repo.SaveScheme(ctx, tenantID, scheme); err != nil {
		return nil, fmt.Errorf("failed to save scheme: %w", err)
	}
	r.invalidate(ctx, tenantID, schemeID)

	r.logger.Info("scheme updated",
		"tenant_id", tenantID,
		"scheme_id", schemeID,
		"version", scheme.Version,
	)
	return scheme, nil
}

// Activate transitions a draft scheme to active. Activation requires a
// valid rule tree with at least one leaf rule.
func (r *Registry) Activate(ctx context.Context, tenantID string, schemeID string) (*domain.Scheme, error) {
	scheme, err := r.repo.GetScheme(ctx, tenantID, schemeID)
	if err != nil {
		return nil, err
	}
	if scheme.Status == domain.SchemeStatusActive {
		return scheme, nil
	}
	if scheme.Status == domain.SchemeStatusClosed {
		return nil, fmt.Errorf("%w: scheme %s is closed", domain.ErrInvalidInput, schemeID)
	}

	if err := rules.ValidateTree(scheme.RuleTree); err != nil {
		return nil, err
	}

	if err := r.repo.UpdateSchemeStatus(ctx, tenantID, schemeID, domain.SchemeStatusActive); err != nil {
		return nil, err
	}
	scheme.Status = domain.SchemeStatusActive
	r.invalidate(ctx, tenantID, schemeID)

	r.logger.Info("scheme activated",
		"tenant_id", tenantID,
		"scheme_id", schemeID,
		"version", scheme.Version,
	)
	return scheme, nil
}

// Close transitions a scheme to closed. Closed schemes reject new
// assessments but keep their history and waitlist readable.
func (r *Registry) Close(ctx context.Context, tenantID string, schemeID string) (*domain.Scheme, error) {
	scheme, err := r.repo.GetScheme(ctx, tenantID, schemeID)
	if err != nil {
		return nil, err
	}
	if scheme.Status == domain.SchemeStatusClosed {
		return scheme, nil
	}

	if err := r.repo.UpdateSchemeStatus(ctx, tenantID, schemeID, domain.SchemeStatusClosed); err != nil {
		return nil, err
	}
	scheme.Status = domain.SchemeStatusClosed
	r.invalidate(ctx, tenantID, schemeID)

	r.logger.Info("scheme closed", "tenant_id", tenantID, "scheme_id", schemeID)
	return scheme, nil
}

// Get retrieves a scheme, preferring the cache.
func (r *Registry) Get(ctx context.Context, tenantID string, schemeID string) (*domain.Scheme, error) {
	if r.cache != nil {
		if cached, err := r.cache.GetScheme(ctx, tenantID, schemeID); err == nil && cached != nil {
			return cached, nil
		}
	}

	scheme, err := r.repo.GetScheme(ctx, tenantID, schemeID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetScheme(ctx, tenantID, scheme, schemeCacheTTL); err != nil {
			r.logger.Warn("failed to cache scheme", "scheme_id", schemeID, "error", err)
		}
	}
	return scheme, nil
}

// GetVersion retrieves a scheme pinned to a historical rule-tree version.
func (r *Registry) GetVersion(ctx context.Context, tenantID string, schemeID string, version int) (*domain.Scheme, error) {
	return r.repo.GetSchemeVersion(ctx, tenantID, schemeID, version)
}

// List retrieves all schemes for a tenant.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*domain.Scheme, error) {
	return r.repo.ListSchemes(ctx, tenantID)
}

// SetCapacity changes a scheme's beneficiary cap. Raising the cap frees
// seats; the caller is expected to trigger waitlist promotion afterwards.
func (r *Registry) SetCapacity(ctx context.Context, tenantID string, schemeID string, max int) (*domain.Scheme, error) {
	if max < 0 {
		return nil, fmt.Errorf("%w: maxBeneficiaries must not be negative", domain.ErrInvalidInput)
	}
	if err := r.repo.SetMaxBeneficiaries(ctx, tenantID, schemeID, max); err != nil {
		return nil, err
	}
	r.invalidate(ctx, tenantID, schemeID)

	r.logger.Info("scheme capacity changed",
		"tenant_id", tenantID,
		"scheme_id", schemeID,
		"max_beneficiaries", max,
	)
	return r.repo.GetScheme(ctx, tenantID, schemeID)
}

func (r *Registry) invalidate(ctx context.Context, tenantID string, schemeID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, tenantID, "scheme:"+schemeID); err != nil {
		r.logger.Warn("failed to invalidate scheme cache", "scheme_id", schemeID, "error", err)
	}
}
