package domain

import (
	"time"
)

// Network entity types.
const (
	EntityProvider = "provider"
	EntityMember   = "member"
)

// Network pattern types.
const (
	PatternDenseCluster          = "DENSE_CLUSTER"
	PatternProviderConcentration = "PROVIDER_CONCENTRATION"
	PatternMemberProviderHopping = "MEMBER_PROVIDER_HOPPING"
)

// NetworkNode is a provider or member reached by traversal.
type NetworkNode struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Depth int    `json:"depth"`
}

// NetworkEdge links a provider and a member through shared claims.
type NetworkEdge struct {
	ProviderID string  `json:"providerId"`
	MemberID   string  `json:"memberId"`
	Claims     int     `json:"claims"`
	Amount     float64 `json:"amount"`
}

// NetworkPattern is one suspicious subgraph.
type NetworkPattern struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Entities    []string `json:"entities"`
	Metric      float64  `json:"metric"`
}

// NetworkAnalysisResult is a disposable, per-claim graph analysis.
type NetworkAnalysisResult struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenantId"`
	ClaimID    string           `json:"claimId"`
	EntityType string           `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Nodes      []NetworkNode    `json:"nodes"`
	Edges      []NetworkEdge    `json:"edges"`
	RiskScore  float64          `json:"riskScore"`
	Confidence float64          `json:"confidence"`
	Patterns   []NetworkPattern `json:"patterns"`
	Truncated  bool             `json:"truncated"`
	Timestamp  time.Time        `json:"timestamp"`
}
