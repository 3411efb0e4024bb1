package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveAssessment stores the assessment as a JSON document with its
// headline fields broken out for querying.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, a *domain.Assessment) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	a.TenantID = tenantID

	doc, err := toJSON(a)
	if err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}

	query := `
		INSERT INTO assessments (
			tenant_id, id, claim_id, risk_score, risk_level, fraud_type,
			investigation_required, document, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, a.ID, a.ClaimID, a.RiskScore, string(a.RiskLevel), string(a.FraudType),
		boolInt(a.InvestigationRequired), doc, utc(a.Timestamp),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: assessment %s already exists", domain.ErrConflict, a.ID)
	}
	if err != nil {
		return fmt.Errorf("save assessment: %w", err)
	}
	return nil
}

// GetAssessment retrieves an assessment by ID.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*domain.Assessment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT document FROM assessments WHERE tenant_id = ? AND id = ?`

	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, assessmentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("assessment", assessmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get assessment %s: %w", assessmentID, err)
	}

	var a domain.Assessment
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("decode assessment %s: %w", assessmentID, err)
	}
	return &a, nil
}

// SaveNetworkResult stores a network analysis artifact.
func (r *SQLRepository) SaveNetworkResult(ctx context.Context, tenantID string, res *domain.NetworkAnalysisResult) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	res.TenantID = tenantID

	doc, err := toJSON(res)
	if err != nil {
		return fmt.Errorf("encode network result: %w", err)
	}

	query := `
		INSERT INTO network_results (
			tenant_id, id, claim_id, entity_type, entity_id, risk_score, document, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, res.ID, res.ClaimID, res.EntityType, res.EntityID, res.RiskScore, doc, utc(res.Timestamp),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: network result %s already exists", domain.ErrConflict, res.ID)
	}
	if err != nil {
		return fmt.Errorf("save network result: %w", err)
	}
	return nil
}

// GetNetworkResult retrieves a network analysis artifact by ID.
func (r *SQLRepository) GetNetworkResult(ctx context.Context, tenantID string, resultID string) (*domain.NetworkAnalysisResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT document FROM network_results WHERE tenant_id = ? AND id = ?`

	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, resultID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("network result", resultID)
	}
	if err != nil {
		return nil, fmt.Errorf("get network result %s: %w", resultID, err)
	}

	var res domain.NetworkAnalysisResult
	if err := json.Unmarshal([]byte(doc), &res); err != nil {
		return nil, fmt.Errorf("decode network result %s: %w", resultID, err)
	}
	return &res, nil
}
