package domain

import (
	"context"
	"time"
)

// AlertStatus is the lifecycle state of a FraudAlert.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "OPEN"
	AlertInvestigating AlertStatus = "INVESTIGATING"
	AlertResolved      AlertStatus = "RESOLVED"
	AlertDismissed     AlertStatus = "DISMISSED"
	AlertEscalated     AlertStatus = "ESCALATED"
)

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertOpen:          {AlertInvestigating, AlertEscalated},
	AlertInvestigating: {AlertResolved, AlertDismissed, AlertEscalated},
	AlertEscalated:     {AlertInvestigating, AlertResolved, AlertDismissed},
}

// CanTransitionTo reports whether the alert state machine allows s -> next.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the alert is non-terminal.
func (s AlertStatus) Active() bool {
	return s == AlertOpen || s == AlertInvestigating || s == AlertEscalated
}

// ActiveAlertStatuses lists the non-terminal alert states.
var ActiveAlertStatuses = []AlertStatus{AlertOpen, AlertInvestigating, AlertEscalated}

// FraudAlert is raised once per qualifying claim evaluation.
type FraudAlert struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenantId"`
	ClaimID      string      `json:"claimId"`
	MemberID     string      `json:"memberId"`
	ProviderID   string      `json:"providerId"`
	AssessmentID string      `json:"assessmentId"`
	Severity     RiskLevel   `json:"severity"`
	Status       AlertStatus `json:"status"`
	RiskScore    float64     `json:"riskScore"`
	FraudType    FraudType   `json:"fraudType"`
	Description  string      `json:"description"`
	Assignee     string      `json:"assignee,omitempty"`

	Indicators []FraudIndicator `json:"indicators"`
	Resolution *Outcome         `json:"resolution,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AlertFilter narrows getAlerts. Zero values match everything.
type AlertFilter struct {
	Status      []AlertStatus `json:"status,omitempty"`
	MinSeverity RiskLevel     `json:"minSeverity,omitempty"`
	ClaimID     string        `json:"claimId,omitempty"`
	MemberID    string        `json:"memberId,omitempty"`
	ProviderID  string        `json:"providerId,omitempty"`
	Since       time.Time     `json:"since,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}

// InvestigationStatus is the lifecycle state of an Investigation.
type InvestigationStatus string

const (
	InvestigationPending    InvestigationStatus = "PENDING"
	InvestigationInProgress InvestigationStatus = "IN_PROGRESS"
	InvestigationResolved   InvestigationStatus = "RESOLVED"
	InvestigationEscalated  InvestigationStatus = "ESCALATED"
)

var investigationTransitions = map[InvestigationStatus][]InvestigationStatus{
	InvestigationPending:    {InvestigationInProgress, InvestigationEscalated},
	InvestigationInProgress: {InvestigationEscalated, InvestigationResolved},
	InvestigationEscalated:  {InvestigationInProgress, InvestigationResolved},
}

// CanTransitionTo reports whether the investigation state machine allows s -> next.
func (s InvestigationStatus) CanTransitionTo(next InvestigationStatus) bool {
	for _, allowed := range investigationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the investigation is still open.
func (s InvestigationStatus) Active() bool {
	return s != InvestigationResolved
}

// Outcome records the finding of a closed investigation.
type Outcome struct {
	FraudConfirmed bool      `json:"fraudConfirmed"`
	FraudType      FraudType `json:"fraudType,omitempty"`
}

// Investigation is the manual review workflow for an alert.
type Investigation struct {
	ID          string              `json:"id"`
	TenantID    string              `json:"tenantId"`
	AlertID     string              `json:"alertId"`
	Status      InvestigationStatus `json:"status"`
	Assignee    string              `json:"assignee,omitempty"`
	Findings    string              `json:"findings,omitempty"`
	Outcome     *Outcome            `json:"outcome,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// Notifier delivers alert notifications to an external collaborator.
type Notifier interface {
	Send(ctx context.Context, alert *FraudAlert) error
	Name() string
}
