package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ListAlerts handles GET /alerts, ranked by risk score.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	alerts, err := h.engine.Alerts().ListAlerts(r.Context(), GetTenantID(r.Context()), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.FraudAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Alerts().GetAlert(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AssignAlert handles POST /alerts/{id}/assign.
func (h *Handler) AssignAlert(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.engine.Alerts().Assign(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Assignee)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// EscalateAlert handles POST /alerts/{id}/escalate.
func (h *Handler) EscalateAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Alerts().EscalateAlert(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// OpenInvestigation handles POST /alerts/{id}/investigations.
func (h *Handler) OpenInvestigation(w http.ResponseWriter, r *http.Request) {
	var req OpenInvestigationRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	inv, err := h.engine.Alerts().OpenInvestigation(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Assignee)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// GetInvestigation handles GET /investigations/{id}.
func (h *Handler) GetInvestigation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.engine.Alerts().GetInvestigation(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// StartInvestigation handles POST /investigations/{id}/start.
func (h *Handler) StartInvestigation(w http.ResponseWriter, r *http.Request) {
	var req StartInvestigationRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	inv, err := h.engine.Alerts().StartInvestigation(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Assignee)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// EscalateInvestigation handles POST /investigations/{id}/escalate.
func (h *Handler) EscalateInvestigation(w http.ResponseWriter, r *http.Request) {
	var req FindingsRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	inv, err := h.engine.Alerts().EscalateInvestigation(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Findings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// CloseInvestigationResponse carries both records changed by a close.
type CloseInvestigationResponse struct {
	Investigation *domain.Investigation `json:"investigation"`
	Alert         *domain.FraudAlert    `json:"alert"`
}

// CloseInvestigation handles POST /investigations/{id}/close. A confirmed
// finding resolves the alert; otherwise the alert is dismissed.
func (h *Handler) CloseInvestigation(w http.ResponseWriter, r *http.Request) {
	var req CloseInvestigationRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	outcome := domain.Outcome{FraudConfirmed: *req.FraudConfirmed, FraudType: req.FraudType}
	inv, a, err := h.engine.Alerts().CloseInvestigation(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Findings, outcome)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseInvestigationResponse{Investigation: inv, Alert: a})
}
