package database

// schema holds the order-lifecycle DDL. Timestamps are RFC3339 text,
// matching the rest of the platform's SQLite conventions.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                      TEXT PRIMARY KEY,
	symbol                  TEXT NOT NULL,
	asset_type              TEXT NOT NULL DEFAULT 'EQUITY',
	qty                     INTEGER NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'OPEN',
	active_close_request_id TEXT,
	created_at              TEXT NOT NULL,
	updated_at              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS close_requests (
	id          TEXT PRIMARY KEY,
	position_id TEXT NOT NULL REFERENCES positions(id),
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	asset_type  TEXT NOT NULL,
	target_qty  INTEGER NOT NULL,
	filled_qty  INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'PENDING',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_close_requests_status ON close_requests(status);

CREATE TABLE IF NOT EXISTS orders (
	order_id                  TEXT PRIMARY KEY,
	broker_order_id           TEXT UNIQUE,
	close_request_id          TEXT REFERENCES close_requests(id),
	symbol                    TEXT NOT NULL,
	side                      TEXT NOT NULL,
	qty                       INTEGER NOT NULL,
	status                    TEXT NOT NULL DEFAULT 'PENDING',
	filled_qty                INTEGER NOT NULL DEFAULT 0,
	broker_update_seq         INTEGER,
	last_broker_update_at     TEXT,
	reconcile_not_found_count INTEGER NOT NULL DEFAULT 0,
	created_at                TEXT NOT NULL,
	updated_at                TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_close_request ON orders(close_request_id);

CREATE TABLE IF NOT EXISTS outbox_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'PENDING',
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	claimed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_events(status, created_at);

CREATE TABLE IF NOT EXISTS mode_transitions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	from_mode      TEXT NOT NULL,
	to_mode        TEXT NOT NULL,
	reason_code    TEXT NOT NULL,
	source         TEXT NOT NULL,
	timestamp_wall TEXT NOT NULL,
	operator_id    TEXT,
	override_ttl_s REAL
);

CREATE TABLE IF NOT EXISTS buffered_writes (
	idempotent_key TEXT PRIMARY KEY,
	resource_type  TEXT NOT NULL,
	resource_id    TEXT NOT NULL,
	data           TEXT NOT NULL,
	buffered_at    TEXT NOT NULL,
	flushed_at     TEXT NOT NULL
);
`
