package domain

import (
	"time"
)

// Factor names. Every RiskFactorSet carries all of them.
const (
	FactorFrequency  = "frequency"
	FactorAmount     = "amount"
	FactorProvider   = "provider"
	FactorDiagnosis  = "diagnosis"
	FactorGeographic = "geographic"
	FactorTemporal   = "temporal"
	FactorBehavioral = "behavioral"
)

// FactorNames lists the factors in a stable order.
var FactorNames = []string{
	FactorFrequency,
	FactorAmount,
	FactorProvider,
	FactorDiagnosis,
	FactorGeographic,
	FactorTemporal,
	FactorBehavioral,
}

// RiskFactorSet maps a factor name to a value in [0,100].
type RiskFactorSet map[string]float64

// NewRiskFactorSet returns a set with every factor at the neutral floor.
func NewRiskFactorSet() RiskFactorSet {
	f := make(RiskFactorSet, len(FactorNames))
	for _, name := range FactorNames {
		f[name] = 0
	}
	return f
}

// Severity of a single indicator.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// Indicator types.
const (
	IndicatorDuplicateBilling  = "DUPLICATE_BILLING"
	IndicatorUnbundling        = "UNBUNDLING"
	IndicatorUpcoding          = "UPCODING"
	IndicatorClinicalAnomaly   = "CLINICAL_ANOMALY"
	IndicatorAmountAnomaly     = "AMOUNT_ANOMALY"
	IndicatorHighFrequency     = "HIGH_FREQUENCY"
	IndicatorTemporalPattern   = "TEMPORAL_PATTERN"
	IndicatorDiagnosisMismatch = "DIAGNOSIS_MISMATCH"
	IndicatorGeographicAnomaly = "GEOGRAPHIC_ANOMALY"
	IndicatorProviderRisk      = "PROVIDER_RISK"
	IndicatorBehavioralAnomaly = "BEHAVIORAL_ANOMALY"
	IndicatorNetworkAnomaly    = "NETWORK_ANOMALY"
	IndicatorRuleTriggered     = "RULE_TRIGGERED"
	IndicatorModelPrediction   = "MODEL_PREDICTION"
)

// Indicator sources.
const (
	SourceSignal   = "signal"
	SourceDetector = "detector"
	SourceRule     = "rule"
	SourceBehavior = "behavior"
	SourceNetwork  = "network"
	SourceModel    = "model"
)

// FraudIndicator is a single detected fraud-relevant fact.
type FraudIndicator struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Weight      float64        `json:"weight"`
	Source      string         `json:"source,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// RiskLevel is the discretized bucket of a risk score.
type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskRank = map[RiskLevel]int{
	RiskNone:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank returns the position of l in the total order, or -1 if unknown.
func (l RiskLevel) Rank() int {
	r, ok := riskRank[l]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether l is the same as or above other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.Rank() >= other.Rank()
}

// Valid reports whether l is a known level.
func (l RiskLevel) Valid() bool {
	return l.Rank() >= 0
}

// FraudType is the classification of an assessed claim.
type FraudType string

const (
	FraudDuplicate  FraudType = "DUPLICATE"
	FraudUnbundling FraudType = "UNBUNDLING"
	FraudBilling    FraudType = "BILLING_FRAUD"
	FraudNone       FraudType = "NONE"
)

// Assessment is the persisted outcome of one claim evaluation.
type Assessment struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	ClaimID   string    `json:"claimId"`
	RiskScore float64   `json:"riskScore"`
	RiskLevel RiskLevel `json:"riskLevel"`
	FraudType FraudType `json:"fraudType"`

	Factors        RiskFactorSet    `json:"factors"`
	Indicators     []FraudIndicator `json:"indicators"`
	TriggeredRules []TriggeredRule  `json:"triggeredRules"`

	InvestigationRequired bool     `json:"investigationRequired"`
	Confidence            float64  `json:"confidence"`
	Recommendations       []string `json:"recommendations"`

	// Model is advisory; it never contributes to RiskScore unless a
	// model is registered as an indicator.
	Model *EnsembleResult `json:"model,omitempty"`

	Metadata  AssessmentMetadata `json:"metadata"`
	Timestamp time.Time          `json:"timestamp"`
}

// AssessmentMetadata contains processing information.
type AssessmentMetadata struct {
	TraceID          string `json:"traceId"`
	SignalsMs        int64  `json:"signalsMs"`
	RulesMs          int64  `json:"rulesMs"`
	BehaviorMs       int64  `json:"behaviorMs"`
	NetworkMs        int64  `json:"networkMs"`
	ModelsMs         int64  `json:"modelsMs"`
	TotalMs          int64  `json:"totalMs"`
	RulesEvaluated   int    `json:"rulesEvaluated"`
	ModelsQueried    int    `json:"modelsQueried"`
	NetworkTruncated bool   `json:"networkTruncated,omitempty"`
	EngineVersion    string `json:"engineVersion"`
}

// EvaluationResponse is the API response for evaluateClaim.
type EvaluationResponse struct {
	AssessmentID          string             `json:"assessmentId"`
	ClaimID               string             `json:"claimId"`
	TenantID              string             `json:"tenantId"`
	RiskScore             float64            `json:"riskScore"`
	RiskLevel             RiskLevel          `json:"riskLevel"`
	FraudType             FraudType          `json:"fraudType"`
	InvestigationRequired bool               `json:"investigationRequired"`
	Confidence            float64            `json:"confidence"`
	Indicators            []FraudIndicator   `json:"indicators"`
	Alerts                []*FraudAlert      `json:"alerts"`
	Recommendations       []string           `json:"recommendations"`
	Model                 *EnsembleResult    `json:"model,omitempty"`
	Metadata              AssessmentMetadata `json:"metadata"`
}

// ToResponse converts an Assessment and the alerts it raised to an API response.
func (a *Assessment) ToResponse(alerts []*FraudAlert) *EvaluationResponse {
	if alerts == nil {
		alerts = []*FraudAlert{}
	}
	return &EvaluationResponse{
		AssessmentID:          a.ID,
		ClaimID:               a.ClaimID,
		TenantID:              a.TenantID,
		RiskScore:             a.RiskScore,
		RiskLevel:             a.RiskLevel,
		FraudType:             a.FraudType,
		InvestigationRequired: a.InvestigationRequired,
		Confidence:            a.Confidence,
		Indicators:            a.Indicators,
		Alerts:                alerts,
		Recommendations:       a.Recommendations,
		Model:                 a.Model,
		Metadata:              a.Metadata,
	}
}
