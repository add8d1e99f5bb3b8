package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS preferences (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    order_amount REAL NOT NULL,
    leverage INTEGER NOT NULL,
    leverage_source TEXT NOT NULL DEFAULT 'config',
    margin_mode TEXT NOT NULL DEFAULT 'isolated',
    order_type TEXT NOT NULL DEFAULT 'market',
    slippage_percent REAL NOT NULL DEFAULT 1,
    stop_variance_percent REAL NOT NULL DEFAULT 2,
    stop_type TEXT NOT NULL DEFAULT 'tpsl',
    dca_enabled INTEGER NOT NULL DEFAULT 0,
    dca_mode TEXT NOT NULL DEFAULT 'manual',
    confirm_before_order INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trader_whitelist (
    name TEXT PRIMARY KEY COLLATE NOCASE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    channel_id TEXT,
    author TEXT,
    instrument TEXT,
    direction TEXT,
    entry_price REAL DEFAULT 0,
    leverage INTEGER DEFAULT 0,
    trader_name TEXT,
    content TEXT NOT NULL,
    verdict TEXT NOT NULL,
    reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_signals_message ON signals(message_id);

CREATE TABLE IF NOT EXISTS signal_edits (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    content TEXT NOT NULL,
    tp_hits TEXT,
    closed INTEGER DEFAULT 0,
    final_pnl REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_signal_edits_message ON signal_edits(message_id);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    instrument TEXT NOT NULL,
    side TEXT NOT NULL,
    position_side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'ENTRY',
    price REAL NOT NULL,
    size REAL NOT NULL,
    leverage INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_orders_exchange ON orders(exchange_order_id);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Protective stop columns were added after the first orders table.
	if err := ensureColumn(d.DB, "orders", "protective_order_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "stop_price", "REAL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
