// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// ClaimReader is the claims/history read interface consumed by the engine.
// History queries return claims ordered by claim date ascending.
type ClaimReader interface {
	GetClaim(ctx context.Context, tenantID string, claimID string) (*Claim, error)
	GetMember(ctx context.Context, tenantID string, memberID string) (*Member, error)
	GetProvider(ctx context.Context, tenantID string, providerID string) (*Provider, error)
	ListMemberClaims(ctx context.Context, tenantID string, memberID string, since, until time.Time) ([]*Claim, error)
	ListProviderClaims(ctx context.Context, tenantID string, providerID string, since, until time.Time) ([]*Claim, error)
}

// ClaimStore adds ingestion to ClaimReader.
type ClaimStore interface {
	ClaimReader
	SaveClaim(ctx context.Context, tenantID string, claim *Claim) error
	SaveMember(ctx context.Context, tenantID string, member *Member) error
	SaveProvider(ctx context.Context, tenantID string, provider *Provider) error
}

// RuleStore persists fraud rules.
type RuleStore interface {
	SaveRule(ctx context.Context, tenantID string, rule *FraudRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*FraudRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*FraudRule, error)
	ListActiveRules(ctx context.Context, tenantID string) ([]*FraudRule, error)
}

// AssessmentStore persists evaluation results.
type AssessmentStore interface {
	SaveAssessment(ctx context.Context, tenantID string, a *Assessment) error
	GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*Assessment, error)
}

// AlertStore persists alerts. CreateAlert returns ErrConflict when the
// claim already has an active alert.
type AlertStore interface {
	CreateAlert(ctx context.Context, tenantID string, alert *FraudAlert) error
	UpdateAlert(ctx context.Context, tenantID string, alert *FraudAlert) error
	GetAlert(ctx context.Context, tenantID string, alertID string) (*FraudAlert, error)
	FindActiveAlert(ctx context.Context, tenantID string, claimID string) (*FraudAlert, error)
	ListAlerts(ctx context.Context, tenantID string, filter AlertFilter) ([]*FraudAlert, error)
}

// InvestigationStore persists investigations.
type InvestigationStore interface {
	CreateInvestigation(ctx context.Context, tenantID string, inv *Investigation) error
	UpdateInvestigation(ctx context.Context, tenantID string, inv *Investigation) error
	GetInvestigation(ctx context.Context, tenantID string, investigationID string) (*Investigation, error)
	FindActiveInvestigation(ctx context.Context, tenantID string, alertID string) (*Investigation, error)
}

// ProfileStore persists behavioral profiles. SaveProfile inserts when
// Version is 0 and otherwise updates only if the stored version matches,
// returning ErrConflict on mismatch. On success Version is incremented.
type ProfileStore interface {
	GetProfile(ctx context.Context, tenantID string, memberID string) (*BehavioralProfile, error)
	SaveProfile(ctx context.Context, tenantID string, profile *BehavioralProfile) error
}

// NetworkStore persists network analysis artifacts.
type NetworkStore interface {
	SaveNetworkResult(ctx context.Context, tenantID string, result *NetworkAnalysisResult) error
	GetNetworkResult(ctx context.Context, tenantID string, resultID string) (*NetworkAnalysisResult, error)
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	ClaimStore
	RuleStore
	AssessmentStore
	AlertStore
	InvestigationStore
	ProfileStore
	NetworkStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `koanf:"sqlitepath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgreshost"`
	PostgresPort     int    `koanf:"postgresport"`
	PostgresUser     string `koanf:"postgresuser"`
	PostgresPassword string `koanf:"postgrespassword"`
	PostgresDB       string `koanf:"postgresdb"`
	PostgresSSLMode  string `koanf:"postgressslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"maxopenconns"`
	MaxIdleConns    int           `koanf:"maxidleconns"`
	ConnMaxLifetime time.Duration `koanf:"connmaxlifetime"`
}
