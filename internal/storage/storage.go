// Package storage provides the persistent ledger over MySQL or SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the gateway ledger.
type Storage struct {
	db   *sql.DB
	mode string
	mu   sync.RWMutex
}

// Config holds storage configuration. Mode selects the SQL driver
// ("sqlite3" or "mysql"); DSN is the driver-specific connection string.
type Config struct {
	Mode string
	DSN  string
}

// New creates a new Storage instance. In sqlite3 mode the schema is
// created on first open; in mysql mode the schema is managed
// administratively and only the connection is verified.
func New(cfg *Config) (*Storage, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = "sqlite3"
	}

	dsn := cfg.DSN
	if mode == "sqlite3" {
		dsn = expandPath(dsn)
		if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open(mode, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if mode == "sqlite3" {
		db.SetMaxOpenConns(1) // SQLite only supports one writer
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:   db,
		mode: mode,
	}

	if mode == "sqlite3" {
		if err := s.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// insertIgnore returns the dialect-specific prefix for an idempotent insert.
func (s *Storage) insertIgnore() string {
	if s.mode == "mysql" {
		return "INSERT IGNORE INTO"
	}
	return "INSERT OR IGNORE INTO"
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Per-coin operational parameters, edited administratively and
	-- reloaded by the daemon every settings tick.
	CREATE TABLE IF NOT EXISTS coin_settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		coin_name TEXT UNIQUE NOT NULL,
		coin_type TEXT NOT NULL,

		enabled INTEGER NOT NULL DEFAULT 1,
		enable_create INTEGER NOT NULL DEFAULT 1,
		enable_deposit INTEGER NOT NULL DEFAULT 1,
		enable_withdraw INTEGER NOT NULL DEFAULT 1,

		-- Daemon and wallet endpoints
		daemon_address TEXT NOT NULL DEFAULT '',
		wallet_address TEXT NOT NULL DEFAULT '',
		wallet_header TEXT NOT NULL DEFAULT '',
		main_address TEXT NOT NULL DEFAULT '',

		-- Unit and limit parameters
		coin_decimal INTEGER NOT NULL DEFAULT 8,
		confirmation_depth INTEGER NOT NULL DEFAULT 6,
		min_deposit REAL NOT NULL DEFAULT 0,
		min_transfer REAL NOT NULL DEFAULT 0,
		max_transfer REAL NOT NULL DEFAULT 0,
		min_withdraw REAL NOT NULL DEFAULT 0,
		max_withdraw REAL NOT NULL DEFAULT 0,
		fee_withdraw REAL NOT NULL DEFAULT 0,
		mixin INTEGER NOT NULL DEFAULT 0,
		is_fee_per_byte INTEGER NOT NULL DEFAULT 0,
		has_pos INTEGER NOT NULL DEFAULT 0,
		round_places INTEGER NOT NULL DEFAULT 8,

		-- Last observed chain tip
		chain_height INTEGER NOT NULL DEFAULT 0,
		chain_height_set_time INTEGER NOT NULL DEFAULT 0,

		use_getinfo_btc INTEGER NOT NULL DEFAULT 0
	);

	-- Downstream applications and their opaque keys.
	CREATE TABLE IF NOT EXISTS api_users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_key TEXT UNIQUE NOT NULL,
		allowed_coin TEXT NOT NULL DEFAULT '',
		is_suspended INTEGER NOT NULL DEFAULT 0,
		created_date INTEGER NOT NULL
	);

	-- One row per minted deposit address, with materialized balance
	-- counters. Counters only change inside the transaction of the
	-- event that moves funds.
	CREATE TABLE IF NOT EXISTS deposit_addresses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_id INTEGER NOT NULL,
		coin_name TEXT NOT NULL,
		created_date INTEGER NOT NULL,
		address TEXT NOT NULL,
		address_extra TEXT NOT NULL DEFAULT '',
		private_key TEXT NOT NULL DEFAULT '',
		tag TEXT NOT NULL,
		second_tag TEXT NOT NULL DEFAULT '',

		total_deposited REAL NOT NULL DEFAULT 0,
		numb_deposit INTEGER NOT NULL DEFAULT 0,
		total_received REAL NOT NULL DEFAULT 0,
		numb_received INTEGER NOT NULL DEFAULT 0,
		total_sent REAL NOT NULL DEFAULT 0,
		numb_sent INTEGER NOT NULL DEFAULT 0,
		total_withdrew REAL NOT NULL DEFAULT 0,
		numb_withdrew INTEGER NOT NULL DEFAULT 0,
		amount_hold REAL NOT NULL DEFAULT 0,

		UNIQUE(coin_name, address),
		UNIQUE(api_id, coin_name, tag)
	);

	CREATE INDEX IF NOT EXISTS idx_deposit_addresses_extra ON deposit_addresses(coin_name, address_extra);
	CREATE INDEX IF NOT EXISTS idx_deposit_addresses_api ON deposit_addresses(api_id, coin_name);

	-- Incoming transfers observed on chain. depost_id keeps its
	-- historical spelling; downstream consumers depend on it.
	CREATE TABLE IF NOT EXISTS deposits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		coin_name TEXT NOT NULL,
		api_id INTEGER NOT NULL,
		depost_id INTEGER NOT NULL,
		txid TEXT NOT NULL,
		blockhash TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL,
		extra TEXT NOT NULL DEFAULT '',
		height INTEGER NOT NULL DEFAULT 0,
		amount REAL NOT NULL,
		confirmations INTEGER NOT NULL DEFAULT 0,
		time_insert INTEGER NOT NULL,
		can_credit TEXT NOT NULL DEFAULT 'NO',
		already_noted INTEGER NOT NULL DEFAULT 0,
		noted_time INTEGER,

		UNIQUE(coin_name, txid, address)
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_credit ON deposits(can_credit, coin_name);
	CREATE INDEX IF NOT EXISTS idx_deposits_api ON deposits(api_id, coin_name);

	-- Outbound withdrawals. A row exists only when the wallet daemon
	-- returned a transaction hash.
	CREATE TABLE IF NOT EXISTS withdraws (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_id INTEGER NOT NULL,
		coin_name TEXT NOT NULL,
		from_address TEXT NOT NULL,
		amount REAL NOT NULL,
		fee_and_tax REAL NOT NULL DEFAULT 0,
		from_deposit_id INTEGER NOT NULL,
		to_address TEXT NOT NULL,
		txid TEXT NOT NULL,
		tx_key TEXT,
		timestamp INTEGER NOT NULL,
		remark TEXT NOT NULL DEFAULT '',
		ref_uuid TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdraws_api ON withdraws(api_id, coin_name);
	CREATE INDEX IF NOT EXISTS idx_withdraws_from ON withdraws(api_id, coin_name, from_address);

	-- Internal ledger moves. All rows of one batch share a ref_uuid.
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_id INTEGER NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		amount REAL NOT NULL,
		coin_name TEXT NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		ref_uuid TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_ref ON transfers(ref_uuid);

	-- Time-bounded balance reservations, reaped by the hold sweep.
	CREATE TABLE IF NOT EXISTS holds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		coin_name TEXT NOT NULL,
		api_id INTEGER NOT NULL,
		deposit_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		hold_amount REAL NOT NULL,
		time_insert INTEGER NOT NULL,
		time_expiring INTEGER NOT NULL,
		purpose TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_holds_expiring ON holds(time_expiring);

	-- Append-only request/response audit streams.
	CREATE TABLE IF NOT EXISTS api_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_id INTEGER NOT NULL,
		method TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		time INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_failed_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_id INTEGER NOT NULL,
		method TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		time INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// These are ALTER TABLE statements that add columns to existing tables.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE coin_settings ADD COLUMN use_getinfo_btc INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE deposit_addresses ADD COLUMN second_tag TEXT NOT NULL DEFAULT ''",
	}

	for _, migration := range migrations {
		// Ignore errors - column may already exist
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
