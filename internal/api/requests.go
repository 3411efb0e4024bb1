package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ClaimRequest is the request body for POST /claims and POST /evaluate.
type ClaimRequest struct {
	ID             string          `json:"id" validate:"omitempty,max=128"`
	MemberID       string          `json:"memberId" validate:"required,max=128"`
	ProviderID     string          `json:"providerId" validate:"required,max=128"`
	Amount         decimal.Decimal `json:"amount"`
	ServiceDate    time.Time       `json:"serviceDate"`
	ClaimDate      time.Time       `json:"claimDate"`
	DiagnosisCode  string          `json:"diagnosisCode" validate:"required,max=16"`
	ProcedureCodes []string        `json:"procedureCodes" validate:"max=50,dive,required,max=16"`
	Description    string          `json:"description" validate:"max=2000"`
	PlaceOfService string          `json:"placeOfService" validate:"max=16"`

	// Member and Provider are ingested with the claim when present; when
	// omitted the records must already be stored.
	Member   *MemberRequest   `json:"member,omitempty"`
	Provider *ProviderRequest `json:"provider,omitempty"`
}

// MemberRequest is the request body for POST /members.
type MemberRequest struct {
	ID          string    `json:"id" validate:"required,max=128"`
	Gender      string    `json:"gender" validate:"omitempty,oneof=M F U"`
	DateOfBirth time.Time `json:"dateOfBirth"`
	State       string    `json:"state" validate:"max=16"`
}

// ProviderRequest is the request body for POST /providers.
type ProviderRequest struct {
	ID        string `json:"id" validate:"required,max=128"`
	Name      string `json:"name" validate:"max=200"`
	Specialty string `json:"specialty" validate:"max=100"`
	State     string `json:"state" validate:"max=16"`
}

// AssignRequest is the request body for POST /alerts/{id}/assign.
type AssignRequest struct {
	Assignee string `json:"assignee" validate:"required,max=128"`
}

// OpenInvestigationRequest is the request body for POST /alerts/{id}/investigations.
type OpenInvestigationRequest struct {
	Assignee string `json:"assignee" validate:"max=128"`
}

// StartInvestigationRequest is the request body for POST /investigations/{id}/start.
type StartInvestigationRequest struct {
	Assignee string `json:"assignee" validate:"max=128"`
}

// FindingsRequest is the request body for POST /investigations/{id}/escalate.
type FindingsRequest struct {
	Findings string `json:"findings" validate:"max=10000"`
}

// CloseInvestigationRequest is the request body for POST /investigations/{id}/close.
type CloseInvestigationRequest struct {
	Findings       string           `json:"findings" validate:"max=10000"`
	FraudConfirmed *bool            `json:"fraudConfirmed" validate:"required"`
	FraudType      domain.FraudType `json:"fraudType" validate:"omitempty,oneof=DUPLICATE UNBUNDLING BILLING_FRAUD NONE"`
}

// AsyncResponse acknowledges a claim queued for evaluation.
type AsyncResponse struct {
	ClaimID string `json:"claimId"`
	Status  string `json:"status"`
	TraceID string `json:"traceId"`
}

func (req *ClaimRequest) check() error {
	if req.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}
	if !req.ServiceDate.IsZero() && !req.ClaimDate.IsZero() && req.ServiceDate.After(req.ClaimDate) {
		return fmt.Errorf("%w: serviceDate must not be after claimDate", domain.ErrInvalidInput)
	}
	if req.Member != nil && req.Member.ID != req.MemberID {
		return fmt.Errorf("%w: member.id must match memberId", domain.ErrInvalidInput)
	}
	if req.Provider != nil && req.Provider.ID != req.ProviderID {
		return fmt.Errorf("%w: provider.id must match providerId", domain.ErrInvalidInput)
	}
	return nil
}

func (req *ClaimRequest) claim(id string) *domain.Claim {
	return &domain.Claim{
		ID:             id,
		MemberID:       req.MemberID,
		ProviderID:     req.ProviderID,
		Amount:         req.Amount,
		ServiceDate:    req.ServiceDate,
		ClaimDate:      req.ClaimDate,
		DiagnosisCode:  strings.ToUpper(strings.TrimSpace(req.DiagnosisCode)),
		ProcedureCodes: req.ProcedureCodes,
		Description:    req.Description,
		PlaceOfService: req.PlaceOfService,
	}
}

func (req *MemberRequest) member() *domain.Member {
	return &domain.Member{
		ID:          req.ID,
		Gender:      req.Gender,
		DateOfBirth: req.DateOfBirth,
		State:       req.State,
	}
}

func (req *ProviderRequest) provider() *domain.Provider {
	return &domain.Provider{
		ID:        req.ID,
		Name:      req.Name,
		Specialty: req.Specialty,
		State:     req.State,
	}
}

// decode reads a JSON body into v and validates its struct tags.
func decode(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	// An empty body decodes to the zero request; validation decides.
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON request body: %w", domain.ErrInvalidInput, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, describe(err))
	}
	return nil
}

// describe flattens validator errors into "field: rule" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", name, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", name, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// alertFilter parses the query of GET /alerts.
func alertFilter(r *http.Request) (domain.AlertFilter, error) {
	q := r.URL.Query()
	f := domain.AlertFilter{
		MinSeverity: domain.RiskLevel(strings.ToUpper(q.Get("minSeverity"))),
		ClaimID:     q.Get("claimId"),
		MemberID:    q.Get("memberId"),
		ProviderID:  q.Get("providerId"),
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := domain.AlertStatus(strings.ToUpper(strings.TrimSpace(part)))
			switch st {
			case domain.AlertOpen, domain.AlertInvestigating, domain.AlertEscalated, domain.AlertResolved, domain.AlertDismissed:
				f.Status = append(f.Status, st)
			default:
				return f, fmt.Errorf("%w: unknown alert status %q", domain.ErrInvalidInput, part)
			}
		}
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, fmt.Errorf("%w: since must be RFC 3339", domain.ErrInvalidInput)
		}
		f.Since = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput)
		}
		f.Limit = n
	}
	return f, nil
}
