package repository

// Schema definitions for the Claimflow database.
// Compatible with both SQLite and PostgreSQL.

const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    policy_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    type TEXT NOT NULL,
    description TEXT,
    currency TEXT NOT NULL,
    estimated_amount REAL NOT NULL,
    approved_amount REAL,
    paid_amount REAL NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    risk_tier TEXT,
    fraud_score REAL NOT NULL DEFAULT 0,
    priority TEXT NOT NULL,
    incident_date TIMESTAMP NOT NULL,
    policy_start_date TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    approval_cycle INTEGER NOT NULL DEFAULT 0,
    fraud_flags TEXT NOT NULL,
    approvers TEXT NOT NULL,
    document_ids TEXT NOT NULL,
    archived_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_claims_customer ON claims(customer_id);
CREATE INDEX IF NOT EXISTS idx_claims_policy ON claims(policy_id);
CREATE INDEX IF NOT EXISTS idx_claims_state_updated ON claims(state, updated_at);
`

// schemaClaimHistory is the append-only state history.
// A request key may appear at most once per claim.
const schemaClaimHistory = `
CREATE TABLE IF NOT EXISTS claim_history (
    claim_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    actor TEXT NOT NULL,
    reason TEXT,
    request_key TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (claim_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_claim_history_key ON claim_history(claim_id, request_key) WHERE request_key <> '';
`

const schemaDocuments = `
CREATE TABLE IF NOT EXISTS claim_documents (
    id TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    locator TEXT NOT NULL,
    file_name TEXT,
    content_type TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    ocr TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    archived_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_claim_documents_claim ON claim_documents(claim_id);
`

const schemaApprovals = `
CREATE TABLE IF NOT EXISTS approval_requests (
    id TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL,
    cycle INTEGER NOT NULL,
    amount REAL NOT NULL,
    approvers TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    level_since TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    escalations INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_requests_cycle ON approval_requests(claim_id, cycle);
CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);
`

const schemaAutomationResults = `
CREATE TABLE IF NOT EXISTS automation_results (
    id TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL,
    request_key TEXT NOT NULL,
    duplicate INTEGER NOT NULL DEFAULT 0,
    rules TEXT NOT NULL,
    sla TEXT,
    state_before TEXT NOT NULL,
    state_after TEXT NOT NULL,
    evaluated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_automation_results_claim ON automation_results(claim_id, evaluated_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    max_score REAL NOT NULL DEFAULT 10,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaClaims,
		schemaClaimHistory,
		schemaDocuments,
		schemaApprovals,
		schemaAutomationResults,
		schemaRuleConfigs,
	}
}
