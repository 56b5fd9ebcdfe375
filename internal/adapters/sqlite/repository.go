package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"positionSyncBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the state, fill, funding and trade repositories using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/position_sync.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single writer connection; SQLite serialises writes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger, now: func() time.Time { return time.Now().UTC() }}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist. Times are unix milliseconds.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS strategy_state (
		strategy_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		leverage INTEGER NOT NULL DEFAULT 1,
		margin_type TEXT NOT NULL DEFAULT '',
		size REAL NOT NULL DEFAULT 0,
		side TEXT NOT NULL DEFAULT '',
		entry_price REAL NOT NULL DEFAULT 0,
		current_price REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		position_cycle_id TEXT NULL,
		status TEXT NOT NULL DEFAULT 'flat',
		take_profit_order_id INTEGER NULL,
		stop_loss_order_id INTEGER NULL,
		last_exit_reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NULL
	);

	CREATE TABLE IF NOT EXISTS position_cycles (
		id TEXT PRIMARY KEY,
		strategy_id TEXT NOT NULL REFERENCES strategy_state(strategy_id),
		opened_at INTEGER NOT NULL,
		closed_at INTEGER NULL
	);

	CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		order_id INTEGER NOT NULL,
		trade_id INTEGER NULL,
		ts INTEGER NULL,
		update_time INTEGER NULL,
		commission REAL NULL,
		commission_asset TEXT NOT NULL DEFAULT '',
		leverage INTEGER NOT NULL DEFAULT 0,
		margin_type TEXT NOT NULL DEFAULT '',
		initial_margin REAL NOT NULL DEFAULT 0,
		notional_value REAL NOT NULL DEFAULT 0,
		position_cycle_id TEXT NULL,
		order_type TEXT NOT NULL DEFAULT '',
		exit_reason TEXT NOT NULL DEFAULT '',
		UNIQUE (strategy_id, trade_id)
	);

	CREATE TABLE IF NOT EXISTS funding_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		amount REAL NOT NULL,
		asset TEXT NOT NULL DEFAULT '',
		time INTEGER NOT NULL,
		tran_id INTEGER NOT NULL,
		UNIQUE (strategy_id, tran_id)
	);

	CREATE TABLE IF NOT EXISTS completed_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		position_cycle_id TEXT NULL,
		entry_order_id INTEGER NOT NULL,
		exit_order_id INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		entry_time INTEGER NOT NULL,
		exit_time INTEGER NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		margin_type TEXT NOT NULL DEFAULT '',
		initial_margin REAL NOT NULL DEFAULT 0,
		notional_value REAL NOT NULL DEFAULT 0,
		fee REAL NOT NULL,
		fee_estimated INTEGER NOT NULL DEFAULT 0,
		funding_fee REAL NOT NULL DEFAULT 0,
		pnl REAL NOT NULL,
		pnl_percent REAL NOT NULL,
		close_reason TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_position_cycles_strategy ON position_cycles (strategy_id, opened_at);
	CREATE INDEX IF NOT EXISTS idx_fills_strategy_ts ON fills (strategy_id, ts);
	CREATE INDEX IF NOT EXISTS idx_funding_strategy_time ON funding_events (strategy_id, time);
	CREATE INDEX IF NOT EXISTS idx_completed_trades_strategy_exit ON completed_trades (strategy_id, exit_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- Helpers ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64PtrFromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	x := v.Int64
	return &x
}

// rollback is deferred after BeginTx; it is a no-op once the transaction committed.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
