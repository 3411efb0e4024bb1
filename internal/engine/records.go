package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// IngestClaim stores a claim record.
func (e *Engine) IngestClaim(ctx context.Context, tenantID string, c *domain.Claim) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: claim.id is required", domain.ErrInvalidInput)
	}
	if c.ClaimDate.IsZero() {
		c.ClaimDate = time.Now().UTC()
	}
	return e.store.SaveClaim(ctx, tenantID, c)
}

// IngestMember stores a member record and drops its cached lookup.
func (e *Engine) IngestMember(ctx context.Context, tenantID string, m *domain.Member) error {
	if err := e.store.SaveMember(ctx, tenantID, m); err != nil {
		return err
	}
	e.history.Invalidate(ctx, tenantID, m.ID, "")
	return nil
}

// IngestProvider stores a provider record and drops its cached lookup.
func (e *Engine) IngestProvider(ctx context.Context, tenantID string, p *domain.Provider) error {
	if err := e.store.SaveProvider(ctx, tenantID, p); err != nil {
		return err
	}
	e.history.Invalidate(ctx, tenantID, "", p.ID)
	return nil
}

// IngestAndEvaluate stores the claim and evaluates it in one call.
func (e *Engine) IngestAndEvaluate(ctx context.Context, tenantID string, c *domain.Claim, traceID string) (*Evaluation, error) {
	if c != nil && c.ClaimDate.IsZero() {
		c.ClaimDate = time.Now().UTC()
	}
	if err := validate(tenantID, &domain.ClaimContext{Claim: c}); err != nil {
		return nil, err
	}
	// Resolve the member and provider first so an unknown reference leaves
	// nothing stored.
	cc, err := e.history.Load(ctx, tenantID, c)
	if err != nil {
		return nil, err
	}
	if err := e.IngestClaim(ctx, tenantID, c); err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, tenantID, cc, traceID)
}

// Submit queues a stored claim for asynchronous evaluation on the bus.
func (e *Engine) Submit(ctx context.Context, tenantID, claimID, traceID string) error {
	if e.bus == nil {
		return fmt.Errorf("%w: asynchronous evaluation needs an event bus", domain.ErrInvalidInput)
	}
	if _, err := e.store.GetClaim(ctx, tenantID, claimID); err != nil {
		return err
	}
	queue := tenantID
	if e.globalQueue {
		queue = domain.GlobalQueue
	}
	return bus.PublishJSON(ctx, e.bus, queue, domain.TopicClaimSubmitted, domain.ClaimSubmittedEvent{
		TenantID: tenantID,
		ClaimID:  claimID,
		TraceID:  traceID,
	})
}

// ensureRules seeds the default rule set once for a tenant with no rules.
func (e *Engine) ensureRules(ctx context.Context, tenantID string) error {
	if !e.seedDefaults {
		return nil
	}
	if _, done := e.seeded.Load(tenantID); done {
		return nil
	}

	existing, err := e.store.ListRules(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		for _, r := range rules.DefaultRules(tenantID) {
			if err := e.store.SaveRule(ctx, tenantID, r); err != nil {
				return fmt.Errorf("seed rule %s: %w", r.ID, err)
			}
		}
		slog.Info("default rules seeded", "tenant_id", tenantID)
	}
	e.seeded.Store(tenantID, struct{}{})
	return nil
}

// CreateRule validates and stores a new rule at version 1.
func (e *Engine) CreateRule(ctx context.Context, tenantID string, req *domain.RuleRequest) (*domain.FraudRule, error) {
	if err := e.ensureRules(ctx, tenantID); err != nil {
		slog.Warn("failed to seed default rules", "tenant_id", tenantID, "error", err)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := e.store.GetRule(ctx, tenantID, id); err == nil {
		return nil, fmt.Errorf("%w: rule %s already exists", domain.ErrConflict, id)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	rule := ruleFromRequest(tenantID, id, req)
	rule.Version = 1
	if err := e.rules.ValidateRule(rule); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := e.store.SaveRule(ctx, tenantID, rule); err != nil {
		return nil, err
	}

	slog.Info("rule created", "tenant_id", tenantID, "rule_id", rule.ID)
	return rule, nil
}

// UpdateRule replaces a rule's definition and bumps its version.
func (e *Engine) UpdateRule(ctx context.Context, tenantID, ruleID string, req *domain.RuleRequest) (*domain.FraudRule, error) {
	current, err := e.store.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}

	rule := ruleFromRequest(tenantID, ruleID, req)
	rule.Version = current.Version + 1
	rule.CreatedAt = current.CreatedAt
	if err := e.rules.ValidateRule(rule); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := e.store.SaveRule(ctx, tenantID, rule); err != nil {
		return nil, err
	}

	slog.Info("rule updated", "tenant_id", tenantID, "rule_id", rule.ID, "version", rule.Version)
	return rule, nil
}

// GetRule returns a rule by ID.
func (e *Engine) GetRule(ctx context.Context, tenantID, ruleID string) (*domain.FraudRule, error) {
	return e.store.GetRule(ctx, tenantID, ruleID)
}

// ListRules returns the tenant's rules, seeding defaults first if enabled.
func (e *Engine) ListRules(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	if err := e.ensureRules(ctx, tenantID); err != nil {
		slog.Warn("failed to seed default rules", "tenant_id", tenantID, "error", err)
	}
	return e.store.ListRules(ctx, tenantID)
}

func ruleFromRequest(tenantID, id string, req *domain.RuleRequest) *domain.FraudRule {
	status := req.Status
	if status == "" {
		status = domain.RuleActive
	}
	return &domain.FraudRule{
		ID:            id,
		TenantID:      tenantID,
		Name:          req.Name,
		Description:   req.Description,
		Status:        status,
		Priority:      req.Priority,
		Severity:      req.Severity,
		Weight:        req.Weight,
		IndicatorType: req.IndicatorType,
		Condition:     req.Condition,
	}
}
