package repository

// Schema definitions for the eligibility engine database.
// Compatible with both SQLite and PostgreSQL.

const schemaSchemes = `
CREATE TABLE IF NOT EXISTS schemes (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    max_beneficiaries INTEGER NOT NULL DEFAULT 0,
    current_beneficiaries INTEGER NOT NULL DEFAULT 0,
    rule_tree TEXT,
    offer_ttl_hours INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_schemes_tenant ON schemes(tenant_id);
CREATE INDEX IF NOT EXISTS idx_schemes_status ON schemes(tenant_id, status);
`

// scheme_versions archives the rule tree of every published version, so a
// completed assessment can always be explained against the exact rules it
// was evaluated with.
const schemaSchemeVersions = `
CREATE TABLE IF NOT EXISTS scheme_versions (
    scheme_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    rule_tree TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (scheme_id, tenant_id, version)
);
`

const schemaRiskProfiles = `
CREATE TABLE IF NOT EXISTS risk_profiles (
    tenant_id TEXT PRIMARY KEY,
    factors TEXT NOT NULL,
    thresholds TEXT NOT NULL,
    missing_score REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaDerivedFeatures = `
CREATE TABLE IF NOT EXISTS derived_features (
    tenant_id TEXT PRIMARY KEY,
    features TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    farmer_id TEXT NOT NULL,
    scheme_id TEXT NOT NULL,
    scheme_version INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL,
    eligibility_score REAL NOT NULL DEFAULT 0,
    risk_score REAL NOT NULL DEFAULT 0,
    risk_level TEXT NOT NULL DEFAULT 'low',
    rules_passed INTEGER NOT NULL DEFAULT 0,
    rules_failed INTEGER NOT NULL DEFAULT 0,
    rule_results TEXT NOT NULL,
    workflow_decision TEXT,
    final_decision TEXT,
    decision_reason TEXT,
    waitlist_position INTEGER,
    superseded_by TEXT,
    created_at TIMESTAMP NOT NULL,
    decided_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_assessments_tenant ON assessments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_assessments_farmer ON assessments(tenant_id, farmer_id);
CREATE INDEX IF NOT EXISTS idx_assessments_pair ON assessments(tenant_id, farmer_id, scheme_id);
CREATE INDEX IF NOT EXISTS idx_assessments_scheme ON assessments(tenant_id, scheme_id);
`

const schemaWaitlist = `
CREATE TABLE IF NOT EXISTS waitlist_entries (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    assessment_id TEXT NOT NULL,
    scheme_id TEXT NOT NULL,
    farmer_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    status TEXT NOT NULL,
    offered_at TIMESTAMP,
    offer_expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_waitlist_scheme ON waitlist_entries(tenant_id, scheme_id, position);
CREATE INDEX IF NOT EXISTS idx_waitlist_assessment ON waitlist_entries(tenant_id, assessment_id);
CREATE INDEX IF NOT EXISTS idx_waitlist_status ON waitlist_entries(tenant_id, status);
`

const schemaAuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    assessment_id TEXT NOT NULL,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    reason TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_assessment ON audit_events(tenant_id, assessment_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSchemes,
		schemaSchemeVersions,
		schemaRiskProfiles,
		schemaDerivedFeatures,
		schemaAssessments,
		schemaWaitlist,
		schemaAuditEvents,
	}
}
