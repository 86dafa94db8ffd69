package database

// baseSchema creates every table and index. All statements are idempotent so
// the schema can be re-applied on every startup; column additions for
// databases created by older builds live in the migrations list below.
const baseSchema = `
-- Users own credentials, positions, trades and alerts. Deleting a user
-- cascades through everything scoped to them.
CREATE TABLE IF NOT EXISTS users (
    id                   TEXT PRIMARY KEY,
    external_platform_id TEXT NOT NULL UNIQUE,
    settings             TEXT NOT NULL DEFAULT '{}',
    created_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trading_credentials (
    user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    venue           TEXT NOT NULL,
    mode            TEXT NOT NULL DEFAULT 'live',
    encrypted_blob  BLOB NOT NULL,
    enabled         INTEGER NOT NULL DEFAULT 1,
    last_used_at    TEXT,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    cooldown_until  TEXT,
    last_error      TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'ok',
    PRIMARY KEY (user_id, venue)
);

CREATE TABLE IF NOT EXISTS positions (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id           TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    venue             TEXT NOT NULL,
    market_id         TEXT NOT NULL,
    outcome_id        TEXT NOT NULL DEFAULT '',
    market_question   TEXT NOT NULL DEFAULT '',
    side              TEXT NOT NULL,
    size              REAL NOT NULL,
    avg_entry_price   REAL NOT NULL,
    current_price     REAL NOT NULL,
    leverage          REAL,
    margin_mode       TEXT,
    liquidation_price REAL,
    notional          REAL,
    opened_at         TEXT,
    updated_at        TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_identity
    ON positions(user_id, venue, market_id, outcome_id);
CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id);

CREATE TABLE IF NOT EXISTS trades (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    venue          TEXT NOT NULL,
    venue_trade_id TEXT NOT NULL DEFAULT '',
    market_id      TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL DEFAULT '',
    side           TEXT NOT NULL,
    size           REAL NOT NULL,
    price          REAL NOT NULL,
    fee            REAL NOT NULL DEFAULT 0,
    realized_pnl   REAL,
    timestamp      TEXT NOT NULL
);

-- Venue trade IDs dedup re-synced history; venues without stable IDs
-- insert with an empty string and skip the constraint.
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_venue_id
    ON trades(user_id, venue, venue_trade_id) WHERE venue_trade_id <> '';
CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades(user_id, timestamp);

CREATE TABLE IF NOT EXISTS funding_payments (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    venue         TEXT NOT NULL,
    symbol        TEXT NOT NULL,
    rate          REAL NOT NULL DEFAULT 0,
    amount        REAL NOT NULL,
    position_size REAL NOT NULL DEFAULT 0,
    timestamp     TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funding_identity
    ON funding_payments(user_id, venue, symbol, timestamp);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    total_value      REAL NOT NULL,
    total_pnl        REAL NOT NULL,
    total_pnl_pct    REAL NOT NULL,
    total_cost_basis REAL NOT NULL DEFAULT 0,
    positions_count  INTEGER NOT NULL DEFAULT 0,
    per_venue        TEXT NOT NULL DEFAULT '{}',
    created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_user_time
    ON portfolio_snapshots(user_id, created_at);

-- Market metadata cache shared by all users. cached_raw holds the venue's
-- original JSON for fields the normalized columns drop.
CREATE TABLE IF NOT EXISTS markets (
    venue        TEXT NOT NULL,
    market_id    TEXT NOT NULL,
    question     TEXT NOT NULL DEFAULT '',
    outcomes     TEXT NOT NULL DEFAULT '[]',
    end_date     TEXT,
    resolved     INTEGER NOT NULL DEFAULT 0,
    last_seen_at TEXT NOT NULL,
    cached_raw   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (venue, market_id)
);

CREATE TABLE IF NOT EXISTS market_index (
    venue        TEXT NOT NULL,
    market_id    TEXT NOT NULL,
    question     TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    tags         TEXT NOT NULL DEFAULT '[]',
    content_hash TEXT NOT NULL DEFAULT '',
    embedding    BLOB,
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (venue, market_id)
);

CREATE TABLE IF NOT EXISTS arb_matches (
    id         TEXT PRIMARY KEY,
    markets    TEXT NOT NULL,
    matched_by TEXT NOT NULL,
    similarity REAL NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS arb_opportunities (
    id             TEXT PRIMARY KEY,
    buy_venue      TEXT NOT NULL,
    buy_market_id  TEXT NOT NULL,
    buy_outcome    TEXT NOT NULL DEFAULT '',
    buy_price      REAL NOT NULL,
    sell_venue     TEXT NOT NULL,
    sell_market_id TEXT NOT NULL,
    sell_outcome   TEXT NOT NULL DEFAULT '',
    sell_price     REAL NOT NULL,
    spread         REAL NOT NULL,
    spread_pct     REAL NOT NULL,
    profit_per_100 REAL NOT NULL,
    confidence     REAL NOT NULL DEFAULT 0,
    detected_at    TEXT NOT NULL,
    expires_at     TEXT NOT NULL,
    is_active      INTEGER NOT NULL DEFAULT 1
);

-- One row per directed venue pair; refreshes update in place.
CREATE UNIQUE INDEX IF NOT EXISTS idx_opportunities_pair
    ON arb_opportunities(buy_venue, buy_market_id, sell_venue, sell_market_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_active
    ON arb_opportunities(is_active, expires_at);

CREATE TABLE IF NOT EXISTS alerts (
    id                TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    kind              TEXT NOT NULL,
    venue             TEXT NOT NULL DEFAULT '',
    market_id         TEXT NOT NULL DEFAULT '',
    price_above       REAL,
    price_below       REAL,
    pnl_above         REAL,
    pnl_below         REAL,
    enabled           INTEGER NOT NULL DEFAULT 1,
    triggered         INTEGER NOT NULL DEFAULT 0,
    trigger_count     INTEGER NOT NULL DEFAULT 0,
    channel           TEXT NOT NULL DEFAULT '',
    chat_id           TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    last_triggered_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id);

CREATE TABLE IF NOT EXISTS jobs (
    name             TEXT PRIMARY KEY,
    schedule         TEXT NOT NULL,
    last_run_at      TEXT,
    last_status      TEXT NOT NULL DEFAULT '',
    last_error       TEXT NOT NULL DEFAULT '',
    run_count        INTEGER NOT NULL DEFAULT 0,
    fail_count       INTEGER NOT NULL DEFAULT 0,
    last_duration_ms INTEGER NOT NULL DEFAULT 0,
    updated_at       TEXT NOT NULL
);

-- Short-lived codes binding a messaging identity to a user. A bot claims the
-- code once; expired and claimed rows are swept by the sessions.prune job.
CREATE TABLE IF NOT EXISTS pairing_sessions (
    code             TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    channel          TEXT NOT NULL DEFAULT '',
    external_user_id TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    expires_at       TEXT NOT NULL,
    claimed_at       TEXT
);

CREATE INDEX IF NOT EXISTS idx_pairing_expiry ON pairing_sessions(expires_at);

CREATE TABLE IF NOT EXISTS _schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// Schema returns the base schema SQL. Tests that open their own in-memory
// connection use this to prepare tables without going through New.
func Schema() string {
	return baseSchema
}

// migration is a numbered set of statements applied once per database file.
type migration struct {
	version    int
	statements []string
}

// migrations holds additive changes for databases created before the columns
// existed in baseSchema. Duplicate-column errors are swallowed by Migrate,
// so each entry is safe against fresh databases too.
var migrations = []migration{
	{
		// Perp venue fields added after the prediction-market-only era.
		version: 1,
		statements: []string{
			`ALTER TABLE positions ADD COLUMN leverage REAL`,
			`ALTER TABLE positions ADD COLUMN margin_mode TEXT`,
			`ALTER TABLE positions ADD COLUMN liquidation_price REAL`,
			`ALTER TABLE positions ADD COLUMN notional REAL`,
			`ALTER TABLE trades ADD COLUMN realized_pnl REAL`,
		},
	},
	{
		// Credential cooldown tracking.
		version: 2,
		statements: []string{
			`ALTER TABLE trading_credentials ADD COLUMN failed_attempts INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE trading_credentials ADD COLUMN cooldown_until TEXT`,
			`ALTER TABLE trading_credentials ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
		},
	},
	{
		// Job duration tracking for the scheduler status endpoint.
		version: 3,
		statements: []string{
			`ALTER TABLE jobs ADD COLUMN last_duration_ms INTEGER NOT NULL DEFAULT 0`,
		},
	},
	{
		// Richer index text for embedding-based market matching.
		version: 4,
		statements: []string{
			`ALTER TABLE market_index ADD COLUMN description TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE market_index ADD COLUMN tags TEXT NOT NULL DEFAULT '[]'`,
		},
	},
	{
		// Pairing codes moved into the core store so the prune job can sweep them.
		version: 5,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS pairing_sessions (
				code             TEXT PRIMARY KEY,
				user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				channel          TEXT NOT NULL DEFAULT '',
				external_user_id TEXT NOT NULL DEFAULT '',
				created_at       TEXT NOT NULL,
				expires_at       TEXT NOT NULL,
				claimed_at       TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pairing_expiry ON pairing_sessions(expires_at)`,
		},
	},
}
