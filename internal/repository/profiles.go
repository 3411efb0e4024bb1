package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GetProfile retrieves a member's behavioral profile.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, memberID string) (*domain.BehavioralProfile, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT version, document FROM behavioral_profiles WHERE tenant_id = ? AND member_id = ?`

	var version int
	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, memberID).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("profile", memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", memberID, err)
	}

	var p domain.BehavioralProfile
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", memberID, err)
	}
	p.Version = version
	return &p, nil
}

// SaveProfile writes a profile with optimistic concurrency. Version 0
// inserts; otherwise the row is updated only if its stored version still
// matches. Either race loses with domain.ErrConflict.
func (r *SQLRepository) SaveProfile(ctx context.Context, tenantID string, p *domain.BehavioralProfile) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	p.TenantID = tenantID

	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.LastUpdated
	}

	expected := p.Version
	p.Version = expected + 1
	doc, err := toJSON(p)
	if err != nil {
		p.Version = expected
		return fmt.Errorf("encode profile: %w", err)
	}

	if expected == 0 {
		query := `
			INSERT INTO behavioral_profiles (
				tenant_id, member_id, version, sample_count, risk_score, document, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err = r.db.ExecContext(ctx, r.rebind(query),
			tenantID, p.MemberID, p.Version, p.SampleCount, p.RiskScore, doc, utc(p.LastUpdated),
		)
		if isUniqueViolation(err) {
			p.Version = expected
			return fmt.Errorf("%w: profile %s already exists", domain.ErrConflict, p.MemberID)
		}
		if err != nil {
			p.Version = expected
			return fmt.Errorf("insert profile %s: %w", p.MemberID, err)
		}
		return nil
	}

	query := `
		UPDATE behavioral_profiles
		SET version = ?, sample_count = ?, risk_score = ?, document = ?, updated_at = ?
		WHERE tenant_id = ? AND member_id = ? AND version = ?
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query),
		p.Version, p.SampleCount, p.RiskScore, doc, utc(p.LastUpdated),
		tenantID, p.MemberID, expected,
	)
	if err != nil {
		p.Version = expected
		return fmt.Errorf("update profile %s: %w", p.MemberID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		p.Version = expected
		return fmt.Errorf("update profile %s: %w", p.MemberID, err)
	}
	if n == 0 {
		p.Version = expected
		return fmt.Errorf("%w: profile %s version %d is stale", domain.ErrConflict, p.MemberID, expected)
	}
	return nil
}
