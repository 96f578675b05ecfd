package sqlite

// SchemaVersion is bumped whenever the schema below changes shape.
const SchemaVersion = 1

// Schema creates every record store table. Timestamps are unix
// milliseconds; JSON columns are TEXT. normalized_query denormalizes the
// canonical query form so recording upserts stay indexed.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS api_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER,
	method TEXT NOT NULL,
	host TEXT NOT NULL DEFAULT '',
	endpoint_path TEXT NOT NULL,
	query_params TEXT NOT NULL DEFAULT '{}',
	normalized_query TEXT NOT NULL DEFAULT '',
	request_headers TEXT NOT NULL DEFAULT '{}',
	request_body BLOB,
	app_version TEXT NOT NULL DEFAULT '',
	app_platform TEXT NOT NULL DEFAULT '',
	app_environment TEXT NOT NULL DEFAULT '',
	app_language TEXT NOT NULL DEFAULT '',
	endpoint_type TEXT NOT NULL DEFAULT 'public',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_requests_lookup
	ON api_requests (method, endpoint_path, endpoint_type);
CREATE INDEX IF NOT EXISTS idx_api_requests_updated
	ON api_requests (updated_at DESC);

CREATE TABLE IF NOT EXISTS api_responses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	api_request_id INTEGER NOT NULL UNIQUE REFERENCES api_requests(id) ON DELETE CASCADE,
	response_status INTEGER NOT NULL,
	response_headers TEXT NOT NULL DEFAULT '{}',
	response_body BLOB,
	response_source TEXT NOT NULL DEFAULT 'upstream',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER,
	p_session TEXT NOT NULL UNIQUE,
	u_session TEXT NOT NULL DEFAULT '',
	us_hash TEXT NOT NULL DEFAULT '[]',
	oauth_token TEXT NOT NULL DEFAULT '',
	oauth_hash TEXT NOT NULL DEFAULT '[]',
	device_name TEXT NOT NULL DEFAULT '',
	device_os TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL UNIQUE,
	party_id TEXT NOT NULL DEFAULT '',
	client_id TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host TEXT NOT NULL DEFAULT '',
	endpoint_path TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL DEFAULT '',
	app_platform TEXT NOT NULL DEFAULT '',
	app_version TEXT NOT NULL DEFAULT '',
	app_environment TEXT NOT NULL DEFAULT '',
	app_language TEXT NOT NULL DEFAULT '',
	response_status INTEGER NOT NULL,
	response_length INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stats_created ON stats (created_at);

CREATE TABLE IF NOT EXISTS config (
	type TEXT PRIMARY KEY,
	config TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS endpoint_matching_config (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	http_method TEXT NOT NULL DEFAULT '*',
	endpoint_pattern TEXT NOT NULL,
	regex INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 100,
	enabled INTEGER NOT NULL DEFAULT 1,
	type TEXT NOT NULL DEFAULT 'both',
	match_version INTEGER NOT NULL DEFAULT 1,
	match_language INTEGER NOT NULL DEFAULT 1,
	match_platform INTEGER NOT NULL DEFAULT 1,
	match_environment TEXT NOT NULL DEFAULT 'exact',
	match_query_params TEXT,
	match_headers TEXT,
	match_body TEXT,
	match_response_status TEXT NOT NULL DEFAULT '2xx'
);
`
