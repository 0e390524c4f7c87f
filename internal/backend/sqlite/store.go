// Package sqlite is the reference Backend: it persists job rows through
// database/sql (sqlite by default, pgx for Postgres) and executes each job
// as an os/exec subprocess. It is the only package in this repository that
// performs I/O on behalf of a job.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // sqlite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver          string // "sqlite" (default) or "pgx"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Backend is a database/sql + os/exec Backend implementation.
type Backend struct {
	db *sql.DB

	managerName string
	selfJobID   string
	staleAfter  time.Duration

	mu sync.Mutex
	// running tracks the os/exec handle for every job this process itself
	// started, so Wait() can be reaped in the background and the outcome
	// recorded without blocking Status. Jobs started by a different process
	// (resumed from a prior run) have no entry here and are picked up by
	// the heartbeat-based reconciler instead.
	running map[string]*runningJob
}

// Open connects, configures the pool, and applies migrations.
func Open(ctx context.Context, cfg DBConfig) (*Backend, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 5
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = time.Minute
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Backend{db: db, running: make(map[string]*runningJob)}, nil
}

// OpenSQLite opens a local sqlite file with the pragmas recommended for a
// single-writer workload (WAL journaling, a busy timeout instead of
// immediate SQLITE_BUSY, foreign keys on).
func OpenSQLite(ctx context.Context, path string) (*Backend, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	return Open(ctx, DBConfig{Driver: "sqlite", DSN: dsn})
}

func runMigrations(db *sql.DB, driver string) error {
	dialect := "sqlite3"
	if driver == "pgx" {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}
