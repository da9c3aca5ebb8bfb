package db

import (
	"database/sql"
	"fmt"
)

// Money columns are TEXT so decimals round-trip without float drift.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS capital (
    mode TEXT PRIMARY KEY,
    capital TEXT NOT NULL,
    available TEXT NOT NULL,
    used TEXT NOT NULL,
    start_balance TEXT NOT NULL,
    currency TEXT NOT NULL DEFAULT 'USDT',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS virtual_orders (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'entry',
    parent_id TEXT NOT NULL DEFAULT '',
    qty TEXT NOT NULL,
    price TEXT NOT NULL,
    margin TEXT NOT NULL DEFAULT '0',
    leverage INTEGER NOT NULL DEFAULT 1,
    reduce_only INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    filled_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_virtual_orders_symbol ON virtual_orders(mode, symbol, status);

CREATE TABLE IF NOT EXISTS virtual_positions (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    margin TEXT NOT NULL,
    leverage INTEGER NOT NULL,
    status TEXT NOT NULL,
    exit_price TEXT,
    pnl TEXT,
    liquidated INTEGER NOT NULL DEFAULT 0,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_virtual_positions_symbol ON virtual_positions(mode, symbol, status);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    exit_price TEXT,
    stop_loss TEXT NOT NULL DEFAULT '0',
    take_profit TEXT NOT NULL DEFAULT '0',
    leverage INTEGER NOT NULL DEFAULT 1,
    margin_usdt TEXT NOT NULL DEFAULT '0',
    pnl TEXT,
    status TEXT NOT NULL,
    is_virtual INTEGER NOT NULL,
    strategy TEXT NOT NULL DEFAULT '',
    score REAL NOT NULL DEFAULT 0,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status, is_virtual);
CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    interval TEXT NOT NULL DEFAULT '',
    side TEXT NOT NULL,
    strategy TEXT NOT NULL DEFAULT '',
    score REAL NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    entry TEXT NOT NULL DEFAULT '0',
    stop_loss TEXT NOT NULL DEFAULT '0',
    take_profit TEXT NOT NULL DEFAULT '0',
    leverage INTEGER NOT NULL DEFAULT 0,
    margin_usdt TEXT NOT NULL DEFAULT '0',
    indicators TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    signals INTEGER NOT NULL DEFAULT 0,
    executed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    paused INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '{}'
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Older files predate these columns.
	if err := ensureColumn(d.DB, "trades", "strategy", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "score", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "virtual_positions", "liquidated", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "reports", "paused", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, def string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, def)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
