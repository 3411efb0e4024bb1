package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Claim is a request for reimbursement against a member's coverage.
type Claim struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	MemberID   string `json:"memberId"`
	ProviderID string `json:"providerId"`

	Amount decimal.Decimal `json:"amount"`

	ServiceDate time.Time `json:"serviceDate"`
	ClaimDate   time.Time `json:"claimDate"`

	DiagnosisCode  string   `json:"diagnosisCode"`
	ProcedureCodes []string `json:"procedureCodes,omitempty"`
	Description    string   `json:"description,omitempty"`

	// PlaceOfService is the state or region code where care was delivered.
	PlaceOfService string `json:"placeOfService,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// AmountFloat returns the claim amount as a float for statistics.
func (c *Claim) AmountFloat() float64 {
	f, _ := c.Amount.Float64()
	return f
}

// Member is a covered person.
type Member struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Gender      string    `json:"gender"` // M, F or U
	DateOfBirth time.Time `json:"dateOfBirth"`
	State       string    `json:"state,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AgeAt returns the member's age in whole years at t, or -1 when unknown.
func (m *Member) AgeAt(t time.Time) int {
	if m == nil || m.DateOfBirth.IsZero() {
		return -1
	}
	age := t.Year() - m.DateOfBirth.Year()
	if t.Month() < m.DateOfBirth.Month() || (t.Month() == m.DateOfBirth.Month() && t.Day() < m.DateOfBirth.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// Provider is a billing healthcare provider.
type Provider struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Specialty string    `json:"specialty,omitempty"`
	State     string    `json:"state,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClaimContext is the immutable input of one evaluation.
// Histories are ordered by claim date ascending and never contain Claim itself.
type ClaimContext struct {
	Claim    *Claim    `json:"claim"`
	Member   *Member   `json:"member,omitempty"`
	Provider *Provider `json:"provider,omitempty"`

	MemberHistory   []*Claim `json:"memberHistory"`
	ProviderHistory []*Claim `json:"providerHistory"`

	// AsOf is the reference instant for recency windows.
	AsOf time.Time `json:"asOf,omitempty"`
}

// Now returns the reference instant used for every window in one evaluation.
func (c *ClaimContext) Now() time.Time {
	if !c.AsOf.IsZero() {
		return c.AsOf
	}
	return c.Claim.ClaimDate
}

// ClaimRequest is the API payload for claim ingestion.
type ClaimRequest struct {
	ID             string          `json:"id" validate:"required,max=128"`
	MemberID       string          `json:"memberId" validate:"required"`
	ProviderID     string          `json:"providerId" validate:"required"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	ServiceDate    time.Time       `json:"serviceDate" validate:"required"`
	ClaimDate      time.Time       `json:"claimDate"`
	DiagnosisCode  string          `json:"diagnosisCode" validate:"required,max=16"`
	ProcedureCodes []string        `json:"procedureCodes" validate:"omitempty,dive,max=16"`
	Description    string          `json:"description" validate:"max=2000"`
	PlaceOfService string          `json:"placeOfService" validate:"omitempty,max=8"`
}

// ToClaim converts a request to a Claim for the tenant.
func (r *ClaimRequest) ToClaim(tenantID string) *Claim {
	now := time.Now().UTC()
	claimDate := r.ClaimDate
	if claimDate.IsZero() {
		claimDate = now
	}
	return &Claim{
		ID:             r.ID,
		TenantID:       tenantID,
		MemberID:       r.MemberID,
		ProviderID:     r.ProviderID,
		Amount:         r.Amount,
		ServiceDate:    r.ServiceDate.UTC(),
		ClaimDate:      claimDate.UTC(),
		DiagnosisCode:  r.DiagnosisCode,
		ProcedureCodes: r.ProcedureCodes,
		Description:    r.Description,
		PlaceOfService: r.PlaceOfService,
		CreatedAt:      now,
	}
}
