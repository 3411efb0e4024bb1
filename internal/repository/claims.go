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

// SaveClaim upserts a claim. Re-ingesting a claim replaces its fields.
func (r *SQLRepository) SaveClaim(ctx context.Context, tenantID string, c *domain.Claim) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	codes, err := toJSON(c.ProcedureCodes)
	if err != nil {
		return fmt.Errorf("encode procedure codes: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO claims (
			tenant_id, id, member_id, provider_id, amount, service_date, claim_date,
			diagnosis_code, procedure_codes, description, place_of_service, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			member_id = excluded.member_id,
			provider_id = excluded.provider_id,
			amount = excluded.amount,
			service_date = excluded.service_date,
			claim_date = excluded.claim_date,
			diagnosis_code = excluded.diagnosis_code,
			procedure_codes = excluded.procedure_codes,
			description = excluded.description,
			place_of_service = excluded.place_of_service
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, c.ID, c.MemberID, c.ProviderID, c.Amount.String(),
		utc(c.ServiceDate), utc(c.ClaimDate),
		c.DiagnosisCode, codes, c.Description, c.PlaceOfService, utc(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save claim %s: %w", c.ID, err)
	}
	c.TenantID = tenantID
	return nil
}

const claimColumns = `tenant_id, id, member_id, provider_id, amount, service_date, claim_date,
	diagnosis_code, procedure_codes, description, place_of_service, created_at`

func scanClaim(s rowScanner) (*domain.Claim, error) {
	var c domain.Claim
	var codes string
	if err := s.Scan(
		&c.TenantID, &c.ID, &c.MemberID, &c.ProviderID, &c.Amount,
		&c.ServiceDate, &c.ClaimDate,
		&c.DiagnosisCode, &codes, &c.Description, &c.PlaceOfService, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	if codes != "" {
		if err := json.Unmarshal([]byte(codes), &c.ProcedureCodes); err != nil {
			return nil, fmt.Errorf("decode procedure codes for claim %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

// GetClaim retrieves a claim by ID with tenant isolation.
func (r *SQLRepository) GetClaim(ctx context.Context, tenantID string, claimID string) (*domain.Claim, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + claimColumns + ` FROM claims WHERE tenant_id = ? AND id = ?`
	c, err := scanClaim(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, claimID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("claim", claimID)
	}
	if err != nil {
		return nil, fmt.Errorf("get claim %s: %w", claimID, err)
	}
	return c, nil
}

// ListMemberClaims returns a member's claims dated within [since, until],
// oldest first.
func (r *SQLRepository) ListMemberClaims(ctx context.Context, tenantID string, memberID string, since, until time.Time) ([]*domain.Claim, error) {
	return r.listClaims(ctx, tenantID, "member_id", memberID, since, until)
}

// ListProviderClaims returns a provider's claims dated within [since, until],
// oldest first.
func (r *SQLRepository) ListProviderClaims(ctx context.Context, tenantID string, providerID string, since, until time.Time) ([]*domain.Claim, error) {
	return r.listClaims(ctx, tenantID, "provider_id", providerID, since, until)
}

// listClaims is only called with a fixed column name.
func (r *SQLRepository) listClaims(ctx context.Context, tenantID, column, id string, since, until time.Time) ([]*domain.Claim, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + claimColumns + ` FROM claims
		WHERE tenant_id = ? AND ` + column + ` = ? AND claim_date >= ? AND claim_date <= ?
		ORDER BY claim_date ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, id, utc(since), utc(until))
	if err != nil {
		return nil, fmt.Errorf("list claims by %s: %w", column, err)
	}
	defer rows.Close()

	claims := []*domain.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// SaveMember upserts a member.
func (r *SQLRepository) SaveMember(ctx context.Context, tenantID string, m *domain.Member) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	gender := m.Gender
	if gender == "" {
		gender = "U"
	}

	query := `
		INSERT INTO members (tenant_id, id, gender, date_of_birth, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			gender = excluded.gender,
			date_of_birth = excluded.date_of_birth,
			state = excluded.state
	`

	var dob sql.NullTime
	if !m.DateOfBirth.IsZero() {
		dob = sql.NullTime{Time: utc(m.DateOfBirth), Valid: true}
	}

	if _, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, m.ID, gender, dob, m.State, utc(m.CreatedAt),
	); err != nil {
		return fmt.Errorf("save member %s: %w", m.ID, err)
	}
	m.TenantID = tenantID
	return nil
}

// GetMember retrieves a member by ID with tenant isolation.
func (r *SQLRepository) GetMember(ctx context.Context, tenantID string, memberID string) (*domain.Member, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT tenant_id, id, gender, date_of_birth, state, created_at FROM members WHERE tenant_id = ? AND id = ?`

	var m domain.Member
	var dob sql.NullTime
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, memberID).Scan(
		&m.TenantID, &m.ID, &m.Gender, &dob, &m.State, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("member", memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("get member %s: %w", memberID, err)
	}
	if dob.Valid {
		m.DateOfBirth = dob.Time
	}
	return &m, nil
}

// SaveProvider upserts a provider.
func (r *SQLRepository) SaveProvider(ctx context.Context, tenantID string, p *domain.Provider) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO providers (tenant_id, id, name, specialty, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			specialty = excluded.specialty,
			state = excluded.state
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, p.ID, p.Name, p.Specialty, p.State, utc(p.CreatedAt),
	); err != nil {
		return fmt.Errorf("save provider %s: %w", p.ID, err)
	}
	p.TenantID = tenantID
	return nil
}

// GetProvider retrieves a provider by ID with tenant isolation.
func (r *SQLRepository) GetProvider(ctx context.Context, tenantID string, providerID string) (*domain.Provider, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT tenant_id, id, name, specialty, state, created_at FROM providers WHERE tenant_id = ? AND id = ?`

	var p domain.Provider
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, providerID).Scan(
		&p.TenantID, &p.ID, &p.Name, &p.Specialty, &p.State, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("provider", providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", providerID, err)
	}
	return &p, nil
}
