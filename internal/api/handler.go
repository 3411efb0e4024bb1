package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine  *engine.Engine
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler. cache and bus may be nil.
func NewHandler(eng *engine.Engine, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		engine:  eng,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// IngestClaim handles POST /claims.
func (h *Handler) IngestClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ClaimRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	claim, err := h.ingest(r, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Debug("claim ingested", "tenant_id", tenantID, "claim_id", claim.ID)
	writeJSON(w, http.StatusCreated, claim)
}

// ingest stores the optional reference records, then the claim. Nested
// records were validated with the request.
func (h *Handler) ingest(r *http.Request, req *ClaimRequest) (*domain.Claim, error) {
	if err := req.check(); err != nil {
		return nil, err
	}
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if req.Member != nil {
		if err := h.engine.IngestMember(ctx, tenantID, req.Member.member()); err != nil {
			return nil, err
		}
	}
	if req.Provider != nil {
		if err := h.engine.IngestProvider(ctx, tenantID, req.Provider.provider()); err != nil {
			return nil, err
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	claim := req.claim(id)
	if err := h.engine.IngestClaim(ctx, tenantID, claim); err != nil {
		return nil, err
	}
	return claim, nil
}

// GetClaim handles GET /claims/{id}.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := h.repo.GetClaim(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// IngestMember handles POST /members.
func (h *Handler) IngestMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m := req.member()
	if err := h.engine.IngestMember(r.Context(), GetTenantID(r.Context()), m); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// IngestProvider handles POST /providers.
func (h *Handler) IngestProvider(w http.ResponseWriter, r *http.Request) {
	var req ProviderRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := req.provider()
	if err := h.engine.IngestProvider(r.Context(), GetTenantID(r.Context()), p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Evaluate handles POST /evaluate: ingest the claim, then score it.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ClaimRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	claim, err := h.ingest(r, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ev, err := h.engine.EvaluateClaim(ctx, tenantID, claim.ID, GetTraceID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev.Response())
}

// EvaluateClaim handles POST /claims/{id}/evaluate. With ?async=true the
// claim is queued on the event bus and 202 is returned.
func (h *Handler) EvaluateClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	claimID := chi.URLParam(r, "id")
	traceID := GetTraceID(ctx)

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := h.engine.Submit(ctx, tenantID, claimID, traceID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, AsyncResponse{ClaimID: claimID, Status: "queued", TraceID: traceID})
		return
	}

	ev, err := h.engine.EvaluateClaim(ctx, tenantID, claimID, traceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev.Response())
}

// GetAssessment handles GET /assessments/{id}.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAssessment(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetProfile handles GET /members/{id}/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Profile(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.engine.ListRules(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.engine.GetRule(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules. The condition is compiled before the
// rule is stored.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req domain.RuleRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := h.engine.CreateRule(r.Context(), GetTenantID(r.Context()), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule handles PUT /rules/{id}; each update bumps the version.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req domain.RuleRequest
	if err := decode(r, w, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := h.engine.UpdateRule(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("eventbus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the server can take traffic: the store must answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors to status codes. Unexpected errors are
// logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		status = http.StatusRequestEntityTooLarge
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"error", err,
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
