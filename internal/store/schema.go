package store

// schema is applied by PostgresStore.Migrate. Share counts and money are
// NUMERIC(78,0) so the full uint64 range fits without sign tricks.
const schema = `
CREATE TABLE IF NOT EXISTS markets (
	id               BIGINT PRIMARY KEY,
	resort_name      TEXT NOT NULL,
	description      TEXT NOT NULL,
	target_snowfall  BIGINT NOT NULL CHECK (target_snowfall > 0),
	resolution_time  BIGINT NOT NULL,
	status           SMALLINT NOT NULL DEFAULT 0,
	outcome          SMALLINT NOT NULL DEFAULT 0,
	total_yes_shares NUMERIC(78,0) NOT NULL DEFAULT 0,
	total_no_shares  NUMERIC(78,0) NOT NULL DEFAULT 0,
	total_pool       NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (total_pool >= 0),
	settled_pool     NUMERIC(78,0) NOT NULL DEFAULT 0,
	actual_snowfall  BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	resolved_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS positions (
	market_id  BIGINT NOT NULL REFERENCES markets (id),
	user_addr  TEXT NOT NULL,
	yes_shares NUMERIC(78,0) NOT NULL DEFAULT 0,
	no_shares  NUMERIC(78,0) NOT NULL DEFAULT 0,
	claimed    BOOLEAN NOT NULL DEFAULT FALSE,
	payout     NUMERIC(78,0) NOT NULL DEFAULT 0,
	PRIMARY KEY (market_id, user_addr)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id        UUID PRIMARY KEY,
	market_id BIGINT NOT NULL REFERENCES markets (id),
	user_addr TEXT NOT NULL,
	kind      TEXT NOT NULL,
	side      TEXT NOT NULL DEFAULT '',
	shares    NUMERIC(78,0) NOT NULL,
	amount    NUMERIC(78,0) NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_market_idx ON ledger_entries (market_id, timestamp);
CREATE INDEX IF NOT EXISTS ledger_entries_user_idx ON ledger_entries (user_addr, timestamp);
`
