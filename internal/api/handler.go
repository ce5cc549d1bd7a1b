package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/farmgate/eligibility/internal/assess"
	"github.com/farmgate/eligibility/internal/batch"
	"github.com/farmgate/eligibility/internal/bus"
	"github.com/farmgate/eligibility/internal/domain"
	"github.com/farmgate/eligibility/internal/registry"
	"github.com/farmgate/eligibility/internal/risk"
	"github.com/farmgate/eligibility/internal/snapshot"
	"github.com/farmgate/eligibility/internal/waitlist"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	eventBus     domain.EventBus
	registry     *registry.Registry
	orchestrator *assess.Orchestrator
	waitlist     *waitlist.Manager
	runner       *batch.Runner
	builder      *snapshot.Builder
	version      string
}

// NewHandler creates a new API handler. builder may be nil when derived
// features are managed out of band.
func NewHandler(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, reg *registry.Registry, orchestrator *assess.Orchestrator, wl *waitlist.Manager, runner *batch.Runner, builder *snapshot.Builder, version string) *Handler {
	return &Handler{
		repo:         repo,
		cache:        cache,
		eventBus:     eventBus,
		registry:     reg,
		orchestrator: orchestrator,
		waitlist:     wl,
		runner:       runner,
		builder:      builder,
		version:      version,
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidRuleTree):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrSchemeNotActive),
		errors.Is(err, domain.ErrCapacityConflict),
		errors.Is(err, domain.ErrAssessmentFinal),
		errors.Is(err, domain.ErrOfferNotPending):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDataUnavailable), errors.Is(err, domain.ErrExternalService):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateScheme handles POST /schemes.
func (h *Handler) CreateScheme(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var input registry.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	scheme, err := h.registry.Create(ctx, tenantID, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheme)
}

// ListSchemes handles GET /schemes.
func (h *Handler) ListSchemes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schemes, err := h.registry.List(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schemes": schemes,
		"count":   len(schemes),
	})
}

// GetScheme handles GET /schemes/{id}.
func (h *Handler) GetScheme(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scheme, err := h.registry.Get(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheme)
}

// GetSchemeVersion handles GET /schemes/{id}/versions/{version}. Archived
// versions remain readable so pinned assessments stay explainable.
func (h *Handler) GetSchemeVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version must be a positive integer",
		})
		return
	}

	scheme, err := h.registry.GetVersion(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheme)
}

// UpdateScheme handles PUT /schemes/{id}.
func (h *Handler) UpdateScheme(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input registry.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	tenantID := GetTenantID(ctx)
	schemeID := chi.URLParam(r, "id")
	scheme, err := h.registry.Update(ctx, tenantID, schemeID, input)
	if err != nil {
		writeError(w, err)
		return
	}

	// A cap change through the generic edit frees seats the same way the
	// capacity route does; promotion is a no-op when nothing is free.
	if input.MaxBeneficiaries != nil && h.waitlist != nil {
		if err := h.waitlist.Promote(ctx, tenantID, schemeID); err != nil {
			slog.Error("waitlist promotion after capacity change failed",
				"tenant_id", tenantID,
				"scheme_id", schemeID,
				"error", err,
			)
		}
	}

	writeJSON(w, http.StatusOK, scheme)
}

// ActivateScheme handles POST /schemes/{id}/activate.
func (h *Handler) ActivateScheme(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scheme, err := h.registry.Activate(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheme)
}

// CloseScheme handles POST /schemes/{id}/close.
func (h *Handler) CloseScheme(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scheme, err := h.registry.Close(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheme)
}

// CapacityRequest is the request body for PUT /schemes/{id}/capacity.
type CapacityRequest struct {
	MaxBeneficiaries int `json:"maxBeneficiaries"`
}

// SetCapacity handles PUT /schemes/{id}/capacity. Raising the cap frees
// seats, so waitlist promotion runs immediately afterwards.
func (h *Handler) SetCapacity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	schemeID := chi.URLParam(r, "id")

	var req CapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	scheme, err := h.registry.SetCapacity(ctx, tenantID, schemeID, req.MaxBeneficiaries)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.waitlist != nil {
		if err := h.waitlist.Promote(ctx, tenantID, schemeID); err != nil {
			slog.Error("waitlist promotion after capacity change failed",
				"tenant_id", tenantID,
				"scheme_id", schemeID,
				"error", err,
			)
		}
	}

	writeJSON(w, http.StatusOK, scheme)
}

// AssessRequest is the request body for POST /schemes/{id}/assessments.
type AssessRequest struct {
	FarmerID string `json:"farmerId"`

	// Async enqueues the assessment on the event bus instead of running it
	// inline. Requires a running worker.
	Async bool `json:"async,omitempty"`
}

// AssessResponse is the synchronous assessment response.
type AssessResponse struct {
	Assessment *domain.Assessment `json:"assessment"`
	Metadata   struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Assess handles POST /schemes/{id}/assessments.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	schemeID := chi.URLParam(r, "id")

	var req AssessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.FarmerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "farmerId is required",
		})
		return
	}

	if req.Async {
		payload, _ := json.Marshal(bus.AssessmentRequest{FarmerID: req.FarmerID, SchemeID: schemeID})
		if err := h.eventBus.Publish(ctx, tenantID, domain.TopicAssessmentRequested, payload); err != nil {
			slog.Error("failed to enqueue assessment", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "failed to enqueue assessment",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":   "queued",
			"farmerId": req.FarmerID,
			"schemeId": schemeID,
		})
		return
	}

	a, err := h.orchestrator.Assess(ctx, tenantID, req.FarmerID, schemeID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := AssessResponse{Assessment: a}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	writeJSON(w, http.StatusOK, resp)
}

// BatchRequest is the request body for POST /schemes/{id}/assessments/batch.
type BatchRequest struct {
	FarmerIDs []string `json:"farmerIds"`
}

// AssessBatch handles POST /schemes/{id}/assessments/batch.
func (h *Handler) AssessBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	schemeID := chi.URLParam(r, "id")

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.runner.Run(ctx, tenantID, schemeID, req.FarmerIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetAssessment handles GET /assessments/{id}.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.orchestrator.Get(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAuditTrail handles GET /assessments/{id}/audit.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := h.orchestrator.AuditTrail(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// FarmerHistory handles GET /farmers/{id}/assessments.
func (h *Handler) FarmerHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	history, err := h.orchestrator.History(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": history,
		"count":       len(history),
	})
}

// DecisionRequest is the request body for POST /assessments/{id}/decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason"`
}

// Decide handles POST /assessments/{id}/decision, the manual override of an
// automatic decision.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	a, err := h.orchestrator.Override(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Decision, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetWaitlist handles GET /schemes/{id}/waitlist.
func (h *Handler) GetWaitlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.waitlist.List(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// AcceptOffer handles POST /assessments/{id}/waitlist/accept.
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.waitlist.Accept(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeclineOffer handles POST /assessments/{id}/waitlist/decline.
func (h *Handler) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.waitlist.Decline(ctx, GetTenantID(ctx), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "declined",
	})
}

// GetRiskProfile handles GET /risk-profile.
func (h *Handler) GetRiskProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profile, err := h.repo.GetRiskProfile(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// PutRiskProfile handles PUT /risk-profile. The profile applies to
// assessments started after the save; running ones keep the profile they
// loaded.
func (h *Handler) PutRiskProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var profile domain.RiskProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	for _, f := range profile.Factors {
		if f.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "every risk factor needs an id",
			})
			return
		}
	}
	// Bad curves are rejected here, not discovered mid-assessment.
	if err := risk.ValidateProfile(&profile); err != nil {
		writeError(w, err)
		return
	}

	profile.TenantID = tenantID
	profile.UpdatedAt = time.Now().UTC()
	if err := h.repo.SaveRiskProfile(ctx, tenantID, &profile); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("risk profile updated",
		"tenant_id", tenantID,
		"factor_count", len(profile.Factors),
	)
	writeJSON(w, http.StatusOK, &profile)
}

// ListDerivedFeatures handles GET /derived-features.
func (h *Handler) ListDerivedFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	features, err := h.repo.ListDerivedFeatures(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": features,
		"count":    len(features),
	})
}

// DerivedFeaturesRequest is the request body for PUT /derived-features.
type DerivedFeaturesRequest struct {
	Features []domain.DerivedFeature `json:"features"`
}

// PutDerivedFeatures handles PUT /derived-features, replacing the tenant's
// derived feature definitions.
func (h *Handler) PutDerivedFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req DerivedFeaturesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Expressions are compiled here, never at assessment time; a bad
	// expression is rejected before it can reach the snapshot path.
	ds, err := snapshot.NewDerivedSet()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ds.Load(req.Features); err != nil {
		writeError(w, err)
		return
	}

	if err := h.repo.SaveDerivedFeatures(ctx, tenantID, req.Features); err != nil {
		writeError(w, err)
		return
	}

	if h.builder != nil {
		h.builder.SetDerived(tenantID, ds)
	}

	slog.Info("derived features updated",
		"tenant_id", tenantID,
		"feature_count", len(req.Features),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": req.Features,
		"count":    len(req.Features),
	})
}
