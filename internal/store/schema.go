package store

// CoreSchemaDDL creates the `core` schema: the rollback ledger
// (core.headers, orphans kept with main_chain=false), the
// address/token id-assignment tables, and the box ledger.
const CoreSchemaDDL = `
CREATE SCHEMA IF NOT EXISTS core;

CREATE TABLE IF NOT EXISTS core.headers (
	height     INTEGER NOT NULL,
	header_id  TEXT NOT NULL,
	parent_id  TEXT NOT NULL,
	timestamp  BIGINT NOT NULL,
	main_chain BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (height, header_id)
);
CREATE INDEX IF NOT EXISTS idx_core_headers_main_chain ON core.headers (height) WHERE main_chain;
CREATE UNIQUE INDEX IF NOT EXISTS idx_core_headers_by_id ON core.headers (header_id);

CREATE TABLE IF NOT EXISTS core.addresses (
	id         BIGSERIAL PRIMARY KEY,
	spot_height INTEGER NOT NULL,
	address    TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS core.tokens (
	asset_id    BIGSERIAL PRIMARY KEY,
	spot_height INTEGER NOT NULL,
	token_id    TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS core.boxes (
	box_id         TEXT PRIMARY KEY,
	height         INTEGER NOT NULL,
	creation_height INTEGER NOT NULL,
	address_id     BIGINT NOT NULL REFERENCES core.addresses(id),
	value          BIGINT NOT NULL,
	size           INTEGER NOT NULL,
	assets         JSONB NOT NULL DEFAULT '[]',
	registers      JSONB,
	spent_height   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_core_boxes_height ON core.boxes (height);
CREATE INDEX IF NOT EXISTS idx_core_boxes_spent_height ON core.boxes (spent_height);
CREATE INDEX IF NOT EXISTS idx_core_boxes_address ON core.boxes (address_id);

CREATE TABLE IF NOT EXISTS core.meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// WorkerCheckpointDDL creates the shared ew.headers side table: one
// row per (schema, worker_id) recording the position a worker should
// resume from on restart.
const WorkerCheckpointDDL = `
CREATE SCHEMA IF NOT EXISTS ew;

CREATE TABLE IF NOT EXISTS ew.headers (
	schema    TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	height    INTEGER NOT NULL,
	header_id TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	PRIMARY KEY (schema, worker_id)
);
`
