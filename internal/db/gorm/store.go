// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"database/sql"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver with FTS5 built in
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store represents the GORM database connection.
type Store struct {
	DB     *gorm.DB
	sqlDB  *sql.DB // For FTS queries that require raw SQL
	driver string
}

// Config holds database configuration.
type Config struct {
	Driver   string          // "sqlite" (default) or "postgres"
	Path     string          // Path to SQLite database file
	DSN      string          // PostgreSQL connection string
	MaxConns int             // Maximum number of open connections (default: 4)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// NewStore opens the database, runs migrations and tunes the connection pool.
// SQLite databases run in WAL mode with immediate write transactions so that
// concurrent writers queue on busy_timeout instead of failing.
func NewStore(cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	gormCfg := &gorm.Config{
		Logger:                 logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	}

	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		sqlDB, openErr := sql.Open("sqlite", sqliteDSN(cfg.Path))
		if openErr != nil {
			return nil, fmt.Errorf("open database: %w", openErr)
		}
		db, err = gorm.Open(sqlite.Dialector{DriverName: "sqlite", Conn: sqlDB}, gormCfg)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("open gorm: %w", err)
		}
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open gorm: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{
		DB:     db,
		sqlDB:  sqlDB,
		driver: driver,
	}

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// sqliteDSN builds a modernc DSN. Pragmas are applied to every pooled connection.
func sqliteDSN(path string) string {
	params := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + strings.Join(params, "&")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// Driver returns the configured database driver name.
func (s *Store) Driver() string {
	return s.driver
}

// GetRawDB returns the underlying *sql.DB for operations GORM can't handle.
func (s *Store) GetRawDB() *sql.DB {
	return s.sqlDB
}

// GetDB returns the GORM DB instance for standard queries.
func (s *Store) GetDB() *gorm.DB {
	return s.DB
}
