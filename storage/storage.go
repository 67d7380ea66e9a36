// Package storage opens the SQL database shared by the task and identity stores.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/GoCodeAlone/taskboard/config"
)

// Dialect identifies the SQL backend behind a DB.
type Dialect string

const (
	SQLite Dialect = "sqlite"
	MySQL  Dialect = "mysql"
)

// DB is a database handle together with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
	timeout time.Duration
}

// Open connects to the database described by cfg. The caller is responsible
// for calling Close.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	switch Dialect(cfg.Driver) {
	case SQLite:
		return OpenSQLite(cfg.DSN, cfg.Timeout)
	case MySQL:
		return openMySQL(cfg.DSN, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string, timeout time.Duration) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes every transaction, which is the
	// row-level isolation the task store relies on.
	db.SetMaxOpenConns(1)
	return &DB{DB: db, Dialect: SQLite, timeout: timeout}, nil
}

func openMySQL(dsn string, timeout time.Duration) (*DB, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	// Report matched rather than changed rows so compare-and-swap updates
	// that rewrite identical values still count.
	mc.ClientFoundRows = true
	if timeout > 0 && mc.Timeout == 0 {
		mc.Timeout = timeout
	}
	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql %s: %w", mc.Addr, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql %s: %w", mc.Addr, err)
	}
	return &DB{DB: db, Dialect: MySQL, timeout: timeout}, nil
}

// ForUpdate returns the row-locking suffix for a SELECT inside a
// transaction. SQLite has no row locks; its single connection already
// serializes writers.
func (d *DB) ForUpdate() string {
	if d.Dialect == MySQL {
		return " FOR UPDATE"
	}
	return ""
}

// WithTimeout bounds ctx by the configured statement timeout.
func (d *DB) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// Migrate executes each semicolon-separated statement of schema. Both
// dialects accept the portable DDL the stores declare.
func (d *DB) Migrate(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction, committing on success and rolling back
// on any error.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
