package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver, registered as "sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps the database connection and the dialect queries are written for.
// Repositories write placeholders as "?" and run them through rebind.
type DB struct {
	conn     *sqlx.DB
	driver   string
	bindType int
}

// DBConfig holds database configuration
type DBConfig struct {
	Driver string // postgres or sqlite
	DSN    string // postgres URL, or a sqlite file path

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver:          DriverPostgres,
		DSN:             "postgres://postgres@localhost:5432/airouting?sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewDB opens a database connection for the configured driver
func NewDB(cfg DBConfig) (*DB, error) {
	var (
		conn *sqlx.DB
		err  error
	)

	switch cfg.Driver {
	case DriverPostgres, "":
		conn, err = sqlx.Connect(DriverPostgres, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		return &DB{conn: conn, driver: DriverPostgres, bindType: sqlx.DOLLAR}, nil

	case DriverSQLite:
		conn, err = openSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &DB{conn: conn, driver: DriverSQLite, bindType: sqlx.QUESTION}, nil
	}

	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// openSQLite opens a file database with WAL, FK enforcement and a busy
// timeout. A single connection serialises writers, which keeps the
// conditional counter updates atomic without SQLITE_BUSY retries.
func openSQLite(path string) (*sqlx.DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, fmt.Errorf("sqlite: parent directory %q does not exist", dir)
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_time_format=sqlite"

	conn, err := sqlx.Connect(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Driver returns the dialect name
func (db *DB) Driver() string {
	return db.driver
}

// rebind converts "?" placeholders to the dialect's bindvar form
func (db *DB) rebind(query string) string {
	return sqlx.Rebind(db.bindType, query)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Repository factory methods

// NewProviderRepository creates a new provider repository
func (db *DB) NewProviderRepository() *ProviderRepository {
	return NewProviderRepository(db)
}

// NewProviderKeyRepository creates a new provider key repository
func (db *DB) NewProviderKeyRepository() *ProviderKeyRepository {
	return NewProviderKeyRepository(db)
}

// NewAliasRepository creates a new alias repository
func (db *DB) NewAliasRepository() *AliasRepository {
	return NewAliasRepository(db)
}

// NewUsageRepository creates a new usage repository
func (db *DB) NewUsageRepository() *UsageRepository {
	return NewUsageRepository(db)
}
