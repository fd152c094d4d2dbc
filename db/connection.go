package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/forage/am"
	"github.com/teranos/forage/errors"
)

// SQLiteBusyTimeoutMS is how long a writer waits for the SQLite write lock.
const SQLiteBusyTimeoutMS = 5000

// Dialect identifies the SQL flavour behind a Handle.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Handle is a connection pool plus the dialect its queries must be written for.
// Stores write queries with ? placeholders and pass them through Rebind.
type Handle struct {
	*sql.DB
	Dialect Dialect
}

// Wrap adapts an existing pool (e.g. a sqlmock connection) into a Handle.
func Wrap(db *sql.DB, dialect Dialect) *Handle {
	return &Handle{DB: db, Dialect: dialect}
}

// Rebind rewrites ? placeholders into the dialect's native form.
func (h *Handle) Rebind(query string) string {
	if h.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ExecContext rebinds and executes query.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return h.DB.ExecContext(ctx, h.Rebind(query), args...)
}

// QueryContext rebinds and runs query.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return h.DB.QueryContext(ctx, h.Rebind(query), args...)
}

// QueryRowContext rebinds and runs a single-row query.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return h.DB.QueryRowContext(ctx, h.Rebind(query), args...)
}

// Tx is a transaction that rebinds like its Handle.
type Tx struct {
	*sql.Tx
	h *Handle
}

// BeginTx starts a transaction. SQLite handles open transactions with
// BEGIN IMMEDIATE (see Open), so writers serialize instead of failing on upgrade.
func (h *Handle) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, h: h}, nil
}

// ExecContext rebinds and executes query inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.Tx.ExecContext(ctx, t.h.Rebind(query), args...)
}

// QueryContext rebinds and runs query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.Tx.QueryContext(ctx, t.h.Rebind(query), args...)
}

// QueryRowContext rebinds and runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.Tx.QueryRowContext(ctx, t.h.Rebind(query), args...)
}

// Open opens a SQLite database at the specified path.
// WAL, foreign keys and busy timeout are set through the DSN so every pooled
// connection gets them, and _txlock=immediate makes transactions take the
// write lock up front.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*Handle, error) {
	if logger != nil {
		logger.Debugw("Opening database", "driver", SQLite, "path", path)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		path, SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened", "driver", SQLite, "path", path, "wal_mode", true)
	}
	return Wrap(db, SQLite), nil
}

// OpenPostgres opens a Postgres pool through the pgx stdlib driver.
func OpenPostgres(dsn string, logger *zap.SugaredLogger) (*Handle, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	if logger != nil {
		logger.Infow("Database opened", "driver", Postgres)
	}
	return Wrap(db, Postgres), nil
}

// OpenFromConfig opens the configured store and applies pending migrations.
func OpenFromConfig(cfg am.DatabaseConfig, logger *zap.SugaredLogger) (*Handle, error) {
	var (
		h   *Handle
		err error
	)
	switch cfg.Driver {
	case am.DriverPostgres:
		h, err = OpenPostgres(cfg.DSN, logger)
	default:
		h, err = Open(cfg.Path, logger)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		h.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		h.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := Migrate(h, logger); err != nil {
		h.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return h, nil
}
