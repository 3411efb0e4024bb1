// Package alert raises fraud alerts from assessments and drives the alert
// and investigation workflows.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Store is the persistence the manager needs.
type Store interface {
	domain.AlertStore
	domain.InvestigationStore
}

// Manager creates deduplicated alerts and applies workflow transitions.
type Manager struct {
	store      Store
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	floor      domain.RiskLevel

	// mu serializes read-modify-write workflow transitions.
	mu  sync.Mutex
	now func() time.Time
}

// NewManager creates a manager. dispatcher may be nil, in which case no
// notifications are sent.
func NewManager(store Store, dispatcher *Dispatcher, cfg domain.AlertConfig, m *metrics.Metrics) *Manager {
	floor := cfg.Floor
	if !floor.Valid() {
		floor = domain.RiskMedium
	}
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		floor:      floor,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Floor returns the minimum risk level that raises an alert.
func (m *Manager) Floor() domain.RiskLevel {
	return m.floor
}

// Qualifies reports whether an assessment warrants an alert.
func (m *Manager) Qualifies(a *domain.Assessment) bool {
	return a.InvestigationRequired && a.RiskLevel.AtLeast(m.floor)
}

// Raise creates the alert for an assessment if it qualifies. When the claim
// already has an active alert, that alert is returned with created=false
// and no notification is sent. A nil alert means none was warranted.
func (m *Manager) Raise(ctx context.Context, tenantID string, claim *domain.Claim, a *domain.Assessment) (alert *domain.FraudAlert, created bool, err error) {
	if !m.Qualifies(a) {
		return nil, false, nil
	}

	existing, err := m.store.FindActiveAlert(ctx, tenantID, claim.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	now := m.now()
	alert = &domain.FraudAlert{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		ClaimID:      claim.ID,
		MemberID:     claim.MemberID,
		ProviderID:   claim.ProviderID,
		AssessmentID: a.ID,
		Severity:     a.RiskLevel,
		Status:       domain.AlertOpen,
		RiskScore:    a.RiskScore,
		FraudType:    a.FraudType,
		Description:  describe(claim, a),
		Indicators:   a.Indicators,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.CreateAlert(ctx, tenantID, alert); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost a race with a concurrent evaluation of the same claim.
			existing, ferr := m.store.FindActiveAlert(ctx, tenantID, claim.ID)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	m.metrics.AlertCreated(string(alert.Severity))
	slog.Info("fraud alert created",
		"tenant_id", tenantID,
		"claim_id", claim.ID,
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"risk_score", alert.RiskScore,
	)

	if m.dispatcher != nil {
		m.dispatcher.Enqueue(alert)
	}
	return alert, true, nil
}

func describe(claim *domain.Claim, a *domain.Assessment) string {
	desc := fmt.Sprintf("%s risk claim %s scored %.2f", a.RiskLevel, claim.ID, a.RiskScore)
	if a.FraudType != domain.FraudNone && a.FraudType != "" {
		desc += fmt.Sprintf(", suspected %s", a.FraudType)
	}
	return fmt.Sprintf("%s (%d indicators)", desc, len(a.Indicators))
}

// GetAlert returns an alert by ID.
func (m *Manager) GetAlert(ctx context.Context, tenantID, alertID string) (*domain.FraudAlert, error) {
	return m.store.GetAlert(ctx, tenantID, alertID)
}

// ListAlerts returns alerts ordered by risk score, highest first.
func (m *Manager) ListAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.FraudAlert, error) {
	return m.store.ListAlerts(ctx, tenantID, filter)
}

// GetInvestigation returns an investigation by ID.
func (m *Manager) GetInvestigation(ctx context.Context, tenantID, investigationID string) (*domain.Investigation, error) {
	return m.store.GetInvestigation(ctx, tenantID, investigationID)
}

// Assign sets the alert's assignee. An OPEN alert moves to INVESTIGATING;
// an active alert in any other state is only reassigned.
func (m *Manager) Assign(ctx context.Context, tenantID, alertID, assignee string) (*domain.FraudAlert, error) {
	if assignee == "" {
		return nil, fmt.Errorf("%w: assignee is required", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if !a.Status.Active() {
		return nil, transitionError("alert", a.Status, domain.AlertInvestigating)
	}
	if a.Status == domain.AlertOpen {
		a.Status = domain.AlertInvestigating
	}
	a.Assignee = assignee

	if err := m.store.UpdateAlert(ctx, tenantID, a); err != nil {
		return nil, err
	}
	return a, nil
}

// EscalateAlert moves an OPEN or INVESTIGATING alert to ESCALATED.
func (m *Manager) EscalateAlert(ctx context.Context, tenantID, alertID string) (*domain.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if err := m.transitionAlert(ctx, tenantID, a, domain.AlertEscalated); err != nil {
		return nil, err
	}
	return a, nil
}

func (m *Manager) transitionAlert(ctx context.Context, tenantID string, a *domain.FraudAlert, next domain.AlertStatus) error {
	if !a.Status.CanTransitionTo(next) {
		return transitionError("alert", a.Status, next)
	}
	a.Status = next
	return m.store.UpdateAlert(ctx, tenantID, a)
}

// OpenInvestigation starts a PENDING investigation on an OPEN,
// INVESTIGATING or ESCALATED alert. An OPEN alert moves to INVESTIGATING.
// An alert has at most one unresolved investigation.
func (m *Manager) OpenInvestigation(ctx context.Context, tenantID, alertID, assignee string) (*domain.Investigation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if !a.Status.Active() {
		return nil, fmt.Errorf("%w: alert %s is %s", domain.ErrInvalidTransition, alertID, a.Status)
	}

	now := m.now()
	inv := &domain.Investigation{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		AlertID:   alertID,
		Status:    domain.InvestigationPending,
		Assignee:  assignee,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The alert moves first so a failed transition never leaves an active
	// investigation behind; a failed insert puts the alert back.
	prev := *a
	if a.Status == domain.AlertOpen {
		if assignee != "" {
			a.Assignee = assignee
		}
		if err := m.transitionAlert(ctx, tenantID, a, domain.AlertInvestigating); err != nil {
			return nil, err
		}
	}
	if err := m.store.CreateInvestigation(ctx, tenantID, inv); err != nil {
		if a.Status != prev.Status {
			if rerr := m.store.UpdateAlert(ctx, tenantID, &prev); rerr != nil {
				slog.Error("failed to restore alert after investigation insert failed",
					"tenant_id", tenantID,
					"alert_id", alertID,
					"error", rerr,
				)
			}
		}
		return nil, err
	}

	slog.Info("investigation opened",
		"tenant_id", tenantID,
		"alert_id", alertID,
		"investigation_id", inv.ID,
	)
	return inv, nil
}

// StartInvestigation moves a PENDING or ESCALATED investigation to IN_PROGRESS.
func (m *Manager) StartInvestigation(ctx context.Context, tenantID, investigationID, assignee string) (*domain.Investigation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, err := m.store.GetInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.CanTransitionTo(domain.InvestigationInProgress) {
		return nil, transitionError("investigation", inv.Status, domain.InvestigationInProgress)
	}
	inv.Status = domain.InvestigationInProgress
	if assignee != "" {
		inv.Assignee = assignee
	}
	if err := m.store.UpdateInvestigation(ctx, tenantID, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// EscalateInvestigation moves the investigation to ESCALATED and escalates
// its alert when the alert state machine allows it.
func (m *Manager) EscalateInvestigation(ctx context.Context, tenantID, investigationID, findings string) (*domain.Investigation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, err := m.store.GetInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.CanTransitionTo(domain.InvestigationEscalated) {
		return nil, transitionError("investigation", inv.Status, domain.InvestigationEscalated)
	}
	inv.Status = domain.InvestigationEscalated
	if findings != "" {
		inv.Findings = findings
	}
	if err := m.store.UpdateInvestigation(ctx, tenantID, inv); err != nil {
		return nil, err
	}

	a, err := m.store.GetAlert(ctx, tenantID, inv.AlertID)
	if err != nil {
		return nil, err
	}
	if a.Status.CanTransitionTo(domain.AlertEscalated) {
		if err := m.transitionAlert(ctx, tenantID, a, domain.AlertEscalated); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// CloseInvestigation resolves the investigation with an outcome. A
// confirmed fraud resolves the alert with that outcome; otherwise the
// alert is dismissed.
func (m *Manager) CloseInvestigation(ctx context.Context, tenantID, investigationID, findings string, outcome domain.Outcome) (*domain.Investigation, *domain.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, err := m.store.GetInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return nil, nil, err
	}
	if !inv.Status.CanTransitionTo(domain.InvestigationResolved) {
		return nil, nil, transitionError("investigation", inv.Status, domain.InvestigationResolved)
	}

	a, err := m.store.GetAlert(ctx, tenantID, inv.AlertID)
	if err != nil {
		return nil, nil, err
	}
	next := domain.AlertDismissed
	if outcome.FraudConfirmed {
		next = domain.AlertResolved
	}
	if !a.Status.CanTransitionTo(next) {
		return nil, nil, transitionError("alert", a.Status, next)
	}
	if !outcome.FraudConfirmed {
		outcome.FraudType = domain.FraudNone
	} else if outcome.FraudType == "" {
		outcome.FraudType = a.FraudType
	}

	now := m.now()
	inv.Status = domain.InvestigationResolved
	if findings != "" {
		inv.Findings = findings
	}
	out := outcome
	inv.Outcome = &out
	inv.CompletedAt = &now
	if err := m.store.UpdateInvestigation(ctx, tenantID, inv); err != nil {
		return nil, nil, err
	}

	a.Resolution = &out
	if err := m.transitionAlert(ctx, tenantID, a, next); err != nil {
		return nil, nil, err
	}

	slog.Info("investigation closed",
		"tenant_id", tenantID,
		"investigation_id", inv.ID,
		"alert_id", a.ID,
		"fraud_confirmed", outcome.FraudConfirmed,
	)
	return inv, a, nil
}

func transitionError[S ~string](entity string, from, to S) error {
	return fmt.Errorf("%w: %s cannot move from %s to %s", domain.ErrInvalidTransition, entity, from, to)
}
