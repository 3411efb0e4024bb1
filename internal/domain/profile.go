package domain

import (
	"time"
)

// BehaviorMetrics summarizes a member's claim behavior over a period.
type BehaviorMetrics struct {
	ClaimsPerMonth    float64  `json:"claimsPerMonth"`
	AverageAmount     float64  `json:"averageAmount"`
	AmountVariance    float64  `json:"amountVariance"`
	ProviderDiversity float64  `json:"providerDiversity"`
	CommonProviders   []string `json:"commonProviders,omitempty"`
	PeakHours         []int    `json:"peakHours,omitempty"`

	// HourWeights is the decayed claim-hour histogram behind PeakHours.
	HourWeights []float64 `json:"hourWeights,omitempty"`
}

// BehaviorAnomaly is one metric that deviated from the baseline.
type BehaviorAnomaly struct {
	Metric      string  `json:"metric"`
	Baseline    float64 `json:"baseline"`
	Current     float64 `json:"current"`
	Deviation   float64 `json:"deviation"`
	Method      string  `json:"method"` // zscore, percent or pattern
	Description string  `json:"description"`
}

// BehavioralProfile is a member's rolling behavioral baseline.
// Version supports optimistic concurrency on save.
type BehavioralProfile struct {
	MemberID string `json:"memberId"`
	TenantID string `json:"tenantId"`

	Baseline BehaviorMetrics `json:"baselineMetrics"`
	Current  BehaviorMetrics `json:"currentMetrics"`

	Anomalies   []BehaviorAnomaly `json:"anomalies"`
	RiskScore   float64           `json:"riskScore"`
	Confidence  float64           `json:"confidence"`
	SampleCount int               `json:"sampleCount"`
	LastClaimID string            `json:"lastClaimId"`
	Version     int               `json:"version"`

	LastUpdated time.Time `json:"lastUpdated"`
	CreatedAt   time.Time `json:"createdAt"`
}
