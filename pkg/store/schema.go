package store

// The schema is idempotent: safe against an empty database and against one
// that already carries a superset of these columns. Timestamps are stored
// as ISO-8601 UTC text so the same statements run unchanged on Postgres
// and SQLite; lexicographic order equals chronological order.

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS evidence (
	id               TEXT PRIMARY KEY,
	control_id       TEXT NOT NULL,
	check_name       TEXT NOT NULL,
	collected_at     TEXT NOT NULL,
	collector        TEXT NOT NULL DEFAULT 'meridian-agent',
	raw_data         JSONB NOT NULL,
	signature        TEXT NOT NULL,
	merkle_leaf_hash TEXT,
	merkle_index     INTEGER
);

CREATE TABLE IF NOT EXISTS control_runs (
	id            TEXT PRIMARY KEY,
	control_id    TEXT NOT NULL,
	run_at        TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('pass', 'fail', 'error')),
	evidence_id   TEXT REFERENCES evidence(id),
	summary       JSONB,
	ticket_number TEXT,
	ticket_sys_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_control_runs_control_id
	ON control_runs (control_id, run_at DESC);

CREATE TABLE IF NOT EXISTS trust_envelopes (
	id                   TEXT PRIMARY KEY,
	envelope_id          TEXT NOT NULL,
	control_id           TEXT NOT NULL,
	product_id           TEXT NOT NULL,
	created_at           TEXT NOT NULL,
	trust_level          TEXT NOT NULL,
	composite_confidence DOUBLE PRECISION NOT NULL,
	merkle_root          TEXT,
	envelope_data        JSONB NOT NULL,
	signature            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trust_envelopes_control_product
	ON trust_envelopes (control_id, product_id, created_at DESC);
`

const ddlSQLite = `
CREATE TABLE IF NOT EXISTS evidence (
	id               TEXT PRIMARY KEY,
	control_id       TEXT NOT NULL,
	check_name       TEXT NOT NULL,
	collected_at     TEXT NOT NULL,
	collector        TEXT NOT NULL DEFAULT 'meridian-agent',
	raw_data         TEXT NOT NULL,
	signature        TEXT NOT NULL,
	merkle_leaf_hash TEXT,
	merkle_index     INTEGER
);

CREATE TABLE IF NOT EXISTS control_runs (
	id            TEXT PRIMARY KEY,
	control_id    TEXT NOT NULL,
	run_at        TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('pass', 'fail', 'error')),
	evidence_id   TEXT REFERENCES evidence(id),
	summary       TEXT,
	ticket_number TEXT,
	ticket_sys_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_control_runs_control_id
	ON control_runs (control_id, run_at DESC);

CREATE TABLE IF NOT EXISTS trust_envelopes (
	id                   TEXT PRIMARY KEY,
	envelope_id          TEXT NOT NULL,
	control_id           TEXT NOT NULL,
	product_id           TEXT NOT NULL,
	created_at           TEXT NOT NULL,
	trust_level          TEXT NOT NULL,
	composite_confidence REAL NOT NULL,
	merkle_root          TEXT,
	envelope_data        TEXT NOT NULL,
	signature            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trust_envelopes_control_product
	ON trust_envelopes (control_id, product_id, created_at DESC);
`

// Migrations evolve an evidence table created before the Merkle columns
// existed. Postgres supports ADD COLUMN IF NOT EXISTS; on SQLite the
// duplicate-column error is treated as already-applied.
var migrationsPostgres = []string{
	"ALTER TABLE evidence ADD COLUMN IF NOT EXISTS merkle_leaf_hash TEXT",
	"ALTER TABLE evidence ADD COLUMN IF NOT EXISTS merkle_index INTEGER",
}

var migrationsSQLite = []string{
	"ALTER TABLE evidence ADD COLUMN merkle_leaf_hash TEXT",
	"ALTER TABLE evidence ADD COLUMN merkle_index INTEGER",
}
