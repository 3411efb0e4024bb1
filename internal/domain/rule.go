package domain

import (
	"encoding/json"
	"time"
)

// RuleStatus controls whether a rule is evaluated.
type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RuleInactive RuleStatus = "inactive"
)

// FraudRule is an externally configured, versioned detection rule.
type FraudRule struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     int        `json:"version"`
	Status      RuleStatus `json:"status"`

	// Priority orders evaluation, highest first.
	Priority int `json:"priority"`

	Severity      Severity `json:"severity"`
	Weight        float64  `json:"weight"`
	IndicatorType string   `json:"indicatorType,omitempty"`

	// Condition is the raw JSON condition tree. It is kept raw so a
	// malformed payload can be stored and skipped at evaluation time.
	Condition json.RawMessage `json:"condition"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Active reports whether the rule participates in evaluation.
func (r *FraudRule) Active() bool {
	return r.Status == RuleActive
}

// TriggeredRule records one rule that fired for a claim.
type TriggeredRule struct {
	RuleID        string   `json:"ruleId"`
	RuleVersion   int      `json:"ruleVersion"`
	Name          string   `json:"name"`
	Priority      int      `json:"priority"`
	Severity      Severity `json:"severity"`
	Weight        float64  `json:"weight"`
	IndicatorType string   `json:"indicatorType"`
	Reason        string   `json:"reason"`
}

// RuleRequest is the API payload for createRule and updateRule.
type RuleRequest struct {
	ID            string          `json:"id" validate:"omitempty,max=128"`
	Name          string          `json:"name" validate:"required,max=200"`
	Description   string          `json:"description" validate:"max=2000"`
	Status        RuleStatus      `json:"status" validate:"omitempty,oneof=active inactive"`
	Priority      int             `json:"priority"`
	Severity      Severity        `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH"`
	Weight        float64         `json:"weight" validate:"required,gt=0"`
	IndicatorType string          `json:"indicatorType" validate:"omitempty,max=64"`
	Condition     json.RawMessage `json:"condition" validate:"required"`
}
