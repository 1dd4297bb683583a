package repository

// Schema definitions for the CFDI analytics store.
// Compatible with both SQLite and PostgreSQL.

const schemaParties = `
CREATE TABLE IF NOT EXISTS issuer (
    rfc_issuer TEXT PRIMARY KEY,
    name_issuer TEXT NOT NULL DEFAULT '',
    tax_regime TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS receiver (
    id INTEGER PRIMARY KEY,
    rfc_receiver TEXT NOT NULL,
    name_receiver TEXT NOT NULL DEFAULT '',
    tax_regime TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_receiver_rfc ON receiver(rfc_receiver);
`

const schemaCFDI = `
CREATE TABLE IF NOT EXISTS cfdi (
    id INTEGER PRIMARY KEY,
    uuid TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    version TEXT NOT NULL DEFAULT '4.0',
    serie TEXT NOT NULL DEFAULT '',
    folio TEXT NOT NULL DEFAULT '',
    issue_date TIMESTAMP NOT NULL,
    type TEXT NOT NULL DEFAULT '',
    total DOUBLE PRECISION NOT NULL DEFAULT 0,
    subtotal DOUBLE PRECISION NOT NULL DEFAULT 0,
    payment_method TEXT NOT NULL DEFAULT '',
    payment_form TEXT NOT NULL DEFAULT '',
    currency TEXT NOT NULL DEFAULT '',
    cfdi_use TEXT NOT NULL DEFAULT '',
    export_status TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    place_of_issue TEXT NOT NULL DEFAULT '',
    issuer_id TEXT NOT NULL DEFAULT '',
    receiver_id INTEGER
);

CREATE INDEX IF NOT EXISTS idx_cfdi_user ON cfdi(user_id);
CREATE INDEX IF NOT EXISTS idx_cfdi_issue_date ON cfdi(user_id, issue_date);
CREATE INDEX IF NOT EXISTS idx_cfdi_folio ON cfdi(user_id, folio);
CREATE INDEX IF NOT EXISTS idx_cfdi_issuer ON cfdi(user_id, issuer_id);
`

const schemaCFDIDetails = `
CREATE TABLE IF NOT EXISTS concept (
    id INTEGER PRIMARY KEY,
    cfdi_id INTEGER NOT NULL,
    fiscal_key TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
    unit_value DOUBLE PRECISION NOT NULL DEFAULT 0,
    amount DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_concept_cfdi ON concept(cfdi_id);

CREATE TABLE IF NOT EXISTS taxes (
    id INTEGER PRIMARY KEY,
    concept_id INTEGER NOT NULL,
    tax_type TEXT NOT NULL,
    rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    amount DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_taxes_concept ON taxes(concept_id);

CREATE TABLE IF NOT EXISTS payment_complement (
    id INTEGER PRIMARY KEY,
    cfdi_id INTEGER NOT NULL,
    payment_date TIMESTAMP NOT NULL,
    payment_form TEXT NOT NULL DEFAULT '',
    payment_amount DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_payment_complement_cfdi ON payment_complement(cfdi_id);

CREATE TABLE IF NOT EXISTS cfdi_attachment (
    id INTEGER PRIMARY KEY,
    cfdi_id INTEGER NOT NULL,
    file_type TEXT NOT NULL DEFAULT '',
    content BYTEA,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cfdi_attachment_cfdi ON cfdi_attachment(cfdi_id);

CREATE TABLE IF NOT EXISTS cfdi_relation (
    id INTEGER PRIMARY KEY,
    cfdi_id INTEGER NOT NULL,
    related_uuid TEXT NOT NULL,
    relation_type TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_cfdi_relation_cfdi ON cfdi_relation(cfdi_id);

CREATE TABLE IF NOT EXISTS cancellation (
    cfdi_id INTEGER PRIMARY KEY,
    status TEXT NOT NULL,
    cancellation_date TIMESTAMP
);
`

// schemaOwned defines the tenant-owned entities read by the owned-entity
// joins. "user" is reserved in PostgreSQL, hence users.
const schemaOwned = `
CREATE TABLE IF NOT EXISTS report (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    cfdi_id INTEGER,
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    format TEXT NOT NULL,
    operation TEXT NOT NULL DEFAULT '',
    filters TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    storage_key TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_report_user ON report(user_id, created_at);

CREATE TABLE IF NOT EXISTS visualization (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    cfdi_id INTEGER,
    name TEXT NOT NULL DEFAULT '',
    chart_type TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_visualization_user ON visualization(user_id, created_at);

CREATE TABLE IF NOT EXISTS notification (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    cfdi_id INTEGER,
    title TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    is_read INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notification_user ON notification(user_id, created_at);

CREATE TABLE IF NOT EXISTS batch_job (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    job_type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_batch_job_user ON batch_job(user_id, created_at);

CREATE TABLE IF NOT EXISTS roles (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    role_id INTEGER,
    tenant_id TEXT,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaParties,
		schemaCFDI,
		schemaCFDIDetails,
		schemaOwned,
	}
}
