package domain

import (
	"context"
)

// ClaimFeatures is the model-facing view of a claim evaluation.
type ClaimFeatures struct {
	TenantID             string             `json:"tenantId"`
	ClaimID              string             `json:"claimId"`
	MemberID             string             `json:"memberId"`
	ProviderID           string             `json:"providerId"`
	Amount               float64            `json:"amount"`
	DiagnosisCode        string             `json:"diagnosisCode"`
	ProcedureCodes       []string           `json:"procedureCodes,omitempty"`
	Factors              map[string]float64 `json:"factors"`
	MemberHistoryCount   int                `json:"memberHistoryCount"`
	ProviderHistoryCount int                `json:"providerHistoryCount"`
}

// ModelPrediction is one model's normalized output.
type ModelPrediction struct {
	ModelID     string  `json:"modelId"`
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
	LatencyMs   int64   `json:"latencyMs"`
}

// EnsembleResult aggregates the models that answered in time.
type EnsembleResult struct {
	Predictions   []ModelPrediction `json:"predictions"`
	Failed        []string          `json:"failed,omitempty"`
	Probability   float64           `json:"probability"`
	Confidence    float64           `json:"confidence"`
	ModelsQueried int               `json:"modelsQueried"`
}

// Predictor is an external predictive model.
type Predictor interface {
	ID() string
	Predict(ctx context.Context, features *ClaimFeatures) (*ModelPrediction, error)
}
