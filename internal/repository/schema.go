package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Timestamps are written in UTC
// and amounts as decimal strings.

const schemaClaims = `
CREATE TABLE IF NOT EXISTS members (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    gender TEXT NOT NULL DEFAULT 'U',
    date_of_birth TIMESTAMP,
    state TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS providers (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    specialty TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS claims (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    member_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    service_date TIMESTAMP NOT NULL,
    claim_date TIMESTAMP NOT NULL,
    diagnosis_code TEXT NOT NULL DEFAULT '',
    procedure_codes TEXT NOT NULL DEFAULT '[]',
    description TEXT NOT NULL DEFAULT '',
    place_of_service TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_claims_member ON claims(tenant_id, member_id, claim_date);
CREATE INDEX IF NOT EXISTS idx_claims_provider ON claims(tenant_id, provider_id, claim_date);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    severity TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL,
    indicator_type TEXT NOT NULL DEFAULT '',
    condition_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_status ON fraud_rules(tenant_id, status);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    risk_level TEXT NOT NULL,
    fraud_type TEXT NOT NULL,
    investigation_required INTEGER NOT NULL DEFAULT 0,
    document TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_assessments_claim ON assessments(tenant_id, claim_id);

CREATE TABLE IF NOT EXISTS network_results (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    document TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_network_results_entity ON network_results(tenant_id, entity_type, entity_id);
`

// At most one active alert per claim and one active investigation per
// alert; the partial unique indexes enforce it across processes.
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS fraud_alerts (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    member_id TEXT NOT NULL DEFAULT '',
    provider_id TEXT NOT NULL DEFAULT '',
    assessment_id TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL,
    severity_rank INTEGER NOT NULL,
    status TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    fraud_type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    assignee TEXT NOT NULL DEFAULT '',
    indicators TEXT NOT NULL DEFAULT '[]',
    resolution TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_fraud_alerts_active_claim ON fraud_alerts(tenant_id, claim_id)
    WHERE status IN ('OPEN', 'INVESTIGATING', 'ESCALATED');
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_score ON fraud_alerts(tenant_id, risk_score);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status ON fraud_alerts(tenant_id, status);

CREATE TABLE IF NOT EXISTS investigations (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    alert_id TEXT NOT NULL,
    status TEXT NOT NULL,
    assignee TEXT NOT NULL DEFAULT '',
    findings TEXT NOT NULL DEFAULT '',
    outcome TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    PRIMARY KEY (tenant_id, id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_investigations_active_alert ON investigations(tenant_id, alert_id)
    WHERE status <> 'RESOLVED';
`

const schemaProfiles = `
CREATE TABLE IF NOT EXISTS behavioral_profiles (
    tenant_id TEXT NOT NULL,
    member_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    sample_count INTEGER NOT NULL DEFAULT 0,
    risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    document TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, member_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaClaims,
		schemaRules,
		schemaAssessments,
		schemaAlerts,
		schemaProfiles,
	}
}
