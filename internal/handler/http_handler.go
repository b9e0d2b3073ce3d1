package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
	"github.com/pesio-ai/be-po-approvals/internal/logger"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	delegation *service.DelegationService
	workflow   *service.WorkflowService
	reconcile  *service.ReconcileService
	notify     *service.NotifyService
	configs    *repository.ApproverConfigRepository
	thresholds *repository.ThresholdRepository
	delegates  *repository.DelegateRepository
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	delegation *service.DelegationService,
	workflow *service.WorkflowService,
	reconcile *service.ReconcileService,
	notify *service.NotifyService,
	configs *repository.ApproverConfigRepository,
	thresholds *repository.ThresholdRepository,
	delegates *repository.DelegateRepository,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		delegation: delegation,
		workflow:   workflow,
		reconcile:  reconcile,
		notify:     notify,
		configs:    configs,
		thresholds: thresholds,
		delegates:  delegates,
		log:        log,
	}
}

// RegisterRoutes mounts all API routes on the router.
func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// Self-service delegation: one record, owned by the caller.
		r.Get("/delegation", h.GetOwnDelegation)
		r.Put("/delegation", h.SaveOwnDelegation)
		r.Delete("/delegation", h.ClearOwnDelegation)

		// Lookups performed by the order-approval workflow.
		r.Get("/workflow/approver-config", h.ResolveApproverConfig)
		r.Get("/workflow/threshold", h.ResolveThreshold)
		r.Get("/workflow/active-delegate", h.ResolveActiveDelegate)

		// Routing history written by the engine.
		r.Get("/orders/{id}/audit", h.OrderAuditTrail)
		r.Get("/runs/{id}/audit", h.RunAuditTrail)

		// Admin configuration surface.
		r.Get("/approver-configs", h.ListApproverConfigs)
		r.Post("/approver-configs", h.CreateApproverConfig)
		r.Put("/approver-configs/{id}", h.UpdateApproverConfig)
		r.Delete("/approver-configs/{id}", h.DeactivateApproverConfig)
		r.Get("/thresholds", h.ListThresholds)
		r.Post("/thresholds", h.CreateThreshold)
		r.Put("/thresholds/{id}", h.UpdateThreshold)
		r.Delete("/thresholds/{id}", h.DeactivateThreshold)
		r.Post("/delegates", h.CreateDelegate)
		r.Put("/delegates/{id}", h.UpdateDelegate)
		r.Delete("/delegates/{id}", h.DeactivateDelegate)

		// Scheduling trigger boundary.
		r.Post("/reconcile", h.RunReconciliation)
		r.Post("/notify", h.RunNotification)
	})
}

// ── Self-service delegation ──────────────────────────────────────────────────

// callerID identifies the authenticated user. The gateway in front of this
// service resolves the session and forwards the user id in a header.
func callerID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// GetOwnDelegation returns the caller's delegation record and status.
func (h *HTTPHandler) GetOwnDelegation(w http.ResponseWriter, r *http.Request) {
	view, err := h.delegation.GetOwnDelegation(r.Context(), callerID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// SaveOwnDelegation creates or replaces the caller's delegation record.
func (h *HTTPHandler) SaveOwnDelegation(w http.ResponseWriter, r *http.Request) {
	var req service.SaveDelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	view, err := h.delegation.SaveOwnDelegation(r.Context(), callerID(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ClearOwnDelegation removes the caller's delegation record.
func (h *HTTPHandler) ClearOwnDelegation(w http.ResponseWriter, r *http.Request) {
	if err := h.delegation.ClearOwnDelegation(r.Context(), callerID(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Workflow lookups ─────────────────────────────────────────────────────────

// ResolveApproverConfig returns the active approver config for a flow.
func (h *HTTPHandler) ResolveApproverConfig(w http.ResponseWriter, r *http.Request) {
	flow := r.URL.Query().Get("flow")
	if flow == "" {
		http.Error(w, "flow is required", http.StatusBadRequest)
		return
	}

	cfg, err := h.workflow.ResolveApproverConfig(r.Context(), flow)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// ResolveThreshold returns the active threshold for a flow.
func (h *HTTPHandler) ResolveThreshold(w http.ResponseWriter, r *http.Request) {
	flow := r.URL.Query().Get("flow")
	if flow == "" {
		http.Error(w, "flow is required", http.StatusBadRequest)
		return
	}

	t, err := h.workflow.ResolveThreshold(r.Context(), flow)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// ResolveActiveDelegate returns the delegate currently covering a primary
// approver, if any.
func (h *HTTPHandler) ResolveActiveDelegate(w http.ResponseWriter, r *http.Request) {
	primary := r.URL.Query().Get("primary")
	if primary == "" {
		http.Error(w, "primary is required", http.StatusBadRequest)
		return
	}

	delegate, err := h.workflow.ResolveActiveDelegate(r.Context(), primary)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]*string{"delegate_approver": delegate})
}

// OrderAuditTrail returns the routing history of one order.
func (h *HTTPHandler) OrderAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.workflow.OrderAuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// RunAuditTrail returns every mutation one reconciliation run applied.
func (h *HTTPHandler) RunAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.workflow.RunAuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// ── Admin configuration ──────────────────────────────────────────────────────

// ListApproverConfigs returns all active approver configs.
func (h *HTTPHandler) ListApproverConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.configs.ListActive(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, configs)
}

// ListThresholds returns all active thresholds.
func (h *HTTPHandler) ListThresholds(w http.ResponseWriter, r *http.Request) {
	thresholds, err := h.thresholds.ListActive(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, thresholds)
}

type approverConfigRequest struct {
	ConfigType        string  `json:"config_type"`
	PrimaryApprover   string  `json:"primary_approver"`
	SecondaryApprover *string `json:"secondary_approver,omitempty"`
	TertiaryApprover  *string `json:"tertiary_approver,omitempty"`
	IsActive          *bool   `json:"is_active,omitempty"`
}

// CreateApproverConfig creates an active approver config for a flow.
func (h *HTTPHandler) CreateApproverConfig(w http.ResponseWriter, r *http.Request) {
	var req approverConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg := &repository.ApproverConfig{
		ConfigType:        req.ConfigType,
		PrimaryApprover:   req.PrimaryApprover,
		SecondaryApprover: req.SecondaryApprover,
		TertiaryApprover:  req.TertiaryApprover,
	}
	if err := h.configs.Create(r.Context(), cfg); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cfg)
}

// UpdateApproverConfig updates an approver config.
func (h *HTTPHandler) UpdateApproverConfig(w http.ResponseWriter, r *http.Request) {
	var req approverConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg := &repository.ApproverConfig{
		ID:                chi.URLParam(r, "id"),
		ConfigType:        req.ConfigType,
		PrimaryApprover:   req.PrimaryApprover,
		SecondaryApprover: req.SecondaryApprover,
		TertiaryApprover:  req.TertiaryApprover,
		IsActive:          req.IsActive == nil || *req.IsActive,
	}
	if err := h.configs.Update(r.Context(), cfg); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// DeactivateApproverConfig soft-deletes an approver config.
func (h *HTTPHandler) DeactivateApproverConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.configs.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type thresholdRequest struct {
	ThresholdType     string `json:"threshold_type"`
	AutoApprovalLimit *int64 `json:"auto_approval_limit,omitempty"`
	Tier1Limit        *int64 `json:"tier1_limit,omitempty"`
	Tier2Limit        *int64 `json:"tier2_limit,omitempty"`
	IsActive          *bool  `json:"is_active,omitempty"`
}

// CreateThreshold creates an active threshold for a flow.
func (h *HTTPHandler) CreateThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	t := &repository.Threshold{
		ThresholdType:     req.ThresholdType,
		AutoApprovalLimit: req.AutoApprovalLimit,
		Tier1Limit:        req.Tier1Limit,
		Tier2Limit:        req.Tier2Limit,
	}
	if err := h.thresholds.Create(r.Context(), t); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

// UpdateThreshold updates a threshold.
func (h *HTTPHandler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	t := &repository.Threshold{
		ID:                chi.URLParam(r, "id"),
		ThresholdType:     req.ThresholdType,
		AutoApprovalLimit: req.AutoApprovalLimit,
		Tier1Limit:        req.Tier1Limit,
		Tier2Limit:        req.Tier2Limit,
		IsActive:          req.IsActive == nil || *req.IsActive,
	}
	if err := h.thresholds.Update(r.Context(), t); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// DeactivateThreshold soft-deletes a threshold.
func (h *HTTPHandler) DeactivateThreshold(w http.ResponseWriter, r *http.Request) {
	if err := h.thresholds.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type delegateRequest struct {
	PrimaryApprover  string     `json:"primary_approver"`
	DelegateApprover string     `json:"delegate_approver"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	IsActive         *bool      `json:"is_active,omitempty"`
}

func (req *delegateRequest) toDelegate(id string) *repository.Delegate {
	return &repository.Delegate{
		ID:               id,
		PrimaryApprover:  req.PrimaryApprover,
		DelegateApprover: req.DelegateApprover,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		IsActive:         true,
	}
}

// CreateDelegate creates a delegation record on behalf of an administrator.
func (h *HTTPHandler) CreateDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	d := req.toDelegate("")
	if err := h.delegates.Create(r.Context(), d); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// UpdateDelegate updates a delegation record.
func (h *HTTPHandler) UpdateDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	d := req.toDelegate(chi.URLParam(r, "id"))
	if req.IsActive != nil {
		d.IsActive = *req.IsActive
	}
	if err := h.delegates.Update(r.Context(), d); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// DeactivateDelegate soft-deletes a delegation record. Administrative
// removal keeps history; only the self-service surface hard-deletes.
func (h *HTTPHandler) DeactivateDelegate(w http.ResponseWriter, r *http.Request) {
	if err := h.delegates.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Run triggers ─────────────────────────────────────────────────────────────

// RunReconciliation executes one reconciliation run in the requested mode.
func (h *HTTPHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	mode, err := service.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, err)
		return
	}

	summary, err := h.reconcile.Run(r.Context(), mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// RunNotification executes one notification run.
func (h *HTTPHandler) RunNotification(w http.ResponseWriter, r *http.Request) {
	summary, err := h.notify.Run(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
