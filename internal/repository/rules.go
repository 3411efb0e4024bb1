package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveRule inserts or replaces a rule. Versioning is the caller's job.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.FraudRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	condition := string(rule.Condition)
	if condition == "" {
		condition = "null"
	}

	query := `
		INSERT INTO fraud_rules (
			tenant_id, id, name, description, version, status, priority,
			severity, weight, indicator_type, condition_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			status = excluded.status,
			priority = excluded.priority,
			severity = excluded.severity,
			weight = excluded.weight,
			indicator_type = excluded.indicator_type,
			condition_json = excluded.condition_json,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, rule.ID, rule.Name, rule.Description, rule.Version, string(rule.Status), rule.Priority,
		string(rule.Severity), rule.Weight, rule.IndicatorType, condition,
		utc(rule.CreatedAt), utc(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	rule.TenantID = tenantID
	return nil
}

const ruleColumns = `tenant_id, id, name, description, version, status, priority,
	severity, weight, indicator_type, condition_json, created_at, updated_at`

func scanRule(s rowScanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var status, severity, condition string
	if err := s.Scan(
		&rule.TenantID, &rule.ID, &rule.Name, &rule.Description, &rule.Version, &status, &rule.Priority,
		&severity, &rule.Weight, &rule.IndicatorType, &condition, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rule.Status = domain.RuleStatus(status)
	rule.Severity = domain.Severity(severity)
	rule.Condition = []byte(condition)
	return &rule, nil
}

// GetRule retrieves a rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.FraudRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM fraud_rules WHERE tenant_id = ? AND id = ?`
	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("rule", ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", ruleID, err)
	}
	return rule, nil
}

// ListRules returns every rule for the tenant, highest priority first.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	return r.listRules(ctx, tenantID, false)
}

// ListActiveRules returns the tenant's active rules, highest priority first.
func (r *SQLRepository) ListActiveRules(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	return r.listRules(ctx, tenantID, true)
}

func (r *SQLRepository) listRules(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.FraudRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM fraud_rules WHERE tenant_id = ?`
	args := []any{tenantID}
	if activeOnly {
		query += ` AND status = ?`
		args = append(args, string(domain.RuleActive))
	}
	query += ` ORDER BY priority DESC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := []*domain.FraudRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
