package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CreateAlert inserts a new alert. A second active alert for the same
// claim fails with domain.ErrConflict.
func (r *SQLRepository) CreateAlert(ctx context.Context, tenantID string, alert *domain.FraudAlert) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	alert.TenantID = tenantID

	now := time.Now().UTC()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	if alert.UpdatedAt.IsZero() {
		alert.UpdatedAt = alert.CreatedAt
	}
	if alert.Indicators == nil {
		alert.Indicators = []domain.FraudIndicator{}
	}

	indicators, err := toJSON(alert.Indicators)
	if err != nil {
		return fmt.Errorf("encode alert indicators: %w", err)
	}
	resolution, err := nullJSON(alert.Resolution)
	if err != nil {
		return fmt.Errorf("encode alert resolution: %w", err)
	}

	query := `
		INSERT INTO fraud_alerts (
			tenant_id, id, claim_id, member_id, provider_id, assessment_id,
			severity, severity_rank, status, risk_score, fraud_type, description,
			assignee, indicators, resolution, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, alert.ID, alert.ClaimID, alert.MemberID, alert.ProviderID, alert.AssessmentID,
		string(alert.Severity), alert.Severity.Rank(), string(alert.Status), alert.RiskScore,
		string(alert.FraudType), alert.Description, alert.Assignee, indicators, resolution,
		utc(alert.CreatedAt), utc(alert.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: claim %s already has an active alert", domain.ErrConflict, alert.ClaimID)
	}
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

// UpdateAlert persists the mutable alert fields.
func (r *SQLRepository) UpdateAlert(ctx context.Context, tenantID string, alert *domain.FraudAlert) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	resolution, err := nullJSON(alert.Resolution)
	if err != nil {
		return fmt.Errorf("encode alert resolution: %w", err)
	}
	alert.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE fraud_alerts
		SET status = ?, assignee = ?, resolution = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(alert.Status), alert.Assignee, resolution, utc(alert.UpdatedAt),
		tenantID, alert.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: claim %s already has an active alert", domain.ErrConflict, alert.ClaimID)
	}
	if err != nil {
		return fmt.Errorf("update alert %s: %w", alert.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("alert", alert.ID)
	}
	return nil
}

const alertColumns = `tenant_id, id, claim_id, member_id, provider_id, assessment_id,
	severity, status, risk_score, fraud_type, description, assignee, indicators,
	resolution, created_at, updated_at`

func scanAlert(s rowScanner) (*domain.FraudAlert, error) {
	var a domain.FraudAlert
	var severity, status, fraudType, indicators string
	var resolution sql.NullString
	if err := s.Scan(
		&a.TenantID, &a.ID, &a.ClaimID, &a.MemberID, &a.ProviderID, &a.AssessmentID,
		&severity, &status, &a.RiskScore, &fraudType, &a.Description, &a.Assignee, &indicators,
		&resolution, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Severity = domain.RiskLevel(severity)
	a.Status = domain.AlertStatus(status)
	a.FraudType = domain.FraudType(fraudType)

	if err := json.Unmarshal([]byte(indicators), &a.Indicators); err != nil {
		return nil, fmt.Errorf("decode indicators for alert %s: %w", a.ID, err)
	}
	out, err := fromNullJSON[domain.Outcome](resolution)
	if err != nil {
		return nil, fmt.Errorf("decode resolution for alert %s: %w", a.ID, err)
	}
	a.Resolution = out
	return &a, nil
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.FraudAlert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + alertColumns + ` FROM fraud_alerts WHERE tenant_id = ? AND id = ?`
	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("alert", alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	return a, nil
}

// FindActiveAlert returns the claim's open, investigating or escalated alert.
func (r *SQLRepository) FindActiveAlert(ctx context.Context, tenantID string, claimID string) (*domain.FraudAlert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + alertColumns + ` FROM fraud_alerts
		WHERE tenant_id = ? AND claim_id = ? AND status IN (?, ?, ?)`
	args := []any{tenantID, claimID}
	for _, s := range domain.ActiveAlertStatuses {
		args = append(args, string(s))
	}

	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("active alert for claim", claimID)
	}
	if err != nil {
		return nil, fmt.Errorf("find active alert for claim %s: %w", claimID, err)
	}
	return a, nil
}

// ListAlerts returns alerts matching filter, highest risk first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.FraudAlert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	var where strings.Builder
	where.WriteString("tenant_id = ?")
	args := []any{tenantID}

	if len(filter.Status) > 0 {
		where.WriteString(" AND status IN (")
		for i, s := range filter.Status {
			if i > 0 {
				where.WriteString(", ")
			}
			where.WriteString("?")
			args = append(args, string(s))
		}
		where.WriteString(")")
	}
	if filter.MinSeverity != "" {
		if !filter.MinSeverity.Valid() {
			return nil, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, filter.MinSeverity)
		}
		where.WriteString(" AND severity_rank >= ?")
		args = append(args, filter.MinSeverity.Rank())
	}
	if filter.ClaimID != "" {
		where.WriteString(" AND claim_id = ?")
		args = append(args, filter.ClaimID)
	}
	if filter.MemberID != "" {
		where.WriteString(" AND member_id = ?")
		args = append(args, filter.MemberID)
	}
	if filter.ProviderID != "" {
		where.WriteString(" AND provider_id = ?")
		args = append(args, filter.ProviderID)
	}
	if !filter.Since.IsZero() {
		where.WriteString(" AND created_at >= ?")
		args = append(args, utc(filter.Since))
	}

	query := `SELECT ` + alertColumns + ` FROM fraud_alerts WHERE ` + where.String() +
		` ORDER BY risk_score DESC, created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*domain.FraudAlert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CreateInvestigation inserts an investigation. A second active
// investigation for the same alert fails with domain.ErrConflict.
func (r *SQLRepository) CreateInvestigation(ctx context.Context, tenantID string, inv *domain.Investigation) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	inv.TenantID = tenantID

	now := time.Now().UTC()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = inv.CreatedAt
	}
	outcome, err := nullJSON(inv.Outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	query := `
		INSERT INTO investigations (
			tenant_id, id, alert_id, status, assignee, findings, outcome,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, inv.ID, inv.AlertID, string(inv.Status), inv.Assignee, inv.Findings, outcome,
		utc(inv.CreatedAt), utc(inv.UpdatedAt), nullTime(inv.CompletedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: alert %s already has an active investigation", domain.ErrConflict, inv.AlertID)
	}
	if err != nil {
		return fmt.Errorf("create investigation: %w", err)
	}
	return nil
}

// UpdateInvestigation persists the mutable investigation fields.
func (r *SQLRepository) UpdateInvestigation(ctx context.Context, tenantID string, inv *domain.Investigation) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	outcome, err := nullJSON(inv.Outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	inv.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE investigations
		SET status = ?, assignee = ?, findings = ?, outcome = ?, updated_at = ?, completed_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(inv.Status), inv.Assignee, inv.Findings, outcome, utc(inv.UpdatedAt), nullTime(inv.CompletedAt),
		tenantID, inv.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: alert %s already has an active investigation", domain.ErrConflict, inv.AlertID)
	}
	if err != nil {
		return fmt.Errorf("update investigation %s: %w", inv.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("investigation", inv.ID)
	}
	return nil
}

const investigationColumns = `tenant_id, id, alert_id, status, assignee, findings, outcome,
	created_at, updated_at, completed_at`

func scanInvestigation(s rowScanner) (*domain.Investigation, error) {
	var inv domain.Investigation
	var status string
	var outcome sql.NullString
	var completed sql.NullTime
	if err := s.Scan(
		&inv.TenantID, &inv.ID, &inv.AlertID, &status, &inv.Assignee, &inv.Findings, &outcome,
		&inv.CreatedAt, &inv.UpdatedAt, &completed,
	); err != nil {
		return nil, err
	}
	inv.Status = domain.InvestigationStatus(status)
	if completed.Valid {
		t := completed.Time
		inv.CompletedAt = &t
	}
	out, err := fromNullJSON[domain.Outcome](outcome)
	if err != nil {
		return nil, fmt.Errorf("decode outcome for investigation %s: %w", inv.ID, err)
	}
	inv.Outcome = out
	return &inv, nil
}

// GetInvestigation retrieves an investigation by ID.
func (r *SQLRepository) GetInvestigation(ctx context.Context, tenantID string, investigationID string) (*domain.Investigation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + investigationColumns + ` FROM investigations WHERE tenant_id = ? AND id = ?`
	inv, err := scanInvestigation(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, investigationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("investigation", investigationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get investigation %s: %w", investigationID, err)
	}
	return inv, nil
}

// FindActiveInvestigation returns the alert's unresolved investigation.
func (r *SQLRepository) FindActiveInvestigation(ctx context.Context, tenantID string, alertID string) (*domain.Investigation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + investigationColumns + ` FROM investigations
		WHERE tenant_id = ? AND alert_id = ? AND status <> ?`
	inv, err := scanInvestigation(r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, alertID, string(domain.InvestigationResolved)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("active investigation for alert", alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("find active investigation for alert %s: %w", alertID, err)
	}
	return inv, nil
}
