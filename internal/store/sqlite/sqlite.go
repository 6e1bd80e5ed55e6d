package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/vovakirdan/wirecall/internal/store"
)

//go:embed schema.sql
var schema string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// routed sends statements to the writer and queries to the reader pool.
type routed struct {
	write, read *sql.DB
}

func (r routed) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.write.ExecContext(ctx, query, args...)
}

func (r routed) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.read.QueryContext(ctx, query, args...)
}

func (r routed) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return r.read.QueryRowContext(ctx, query, args...)
}

// queries implements store.Queries over a connection or a transaction.
type queries struct {
	db dbtx
}

// readConns bounds the reader pool of file databases.
const readConns = 4

// SQLiteStore implements store.Store for SQLite.
//
// Transactions run on a single writer connection. Reads outside a
// transaction use a separate query-only pool, so they see the last commit
// and never queue behind an open transaction. In-memory databases cannot be
// shared between connections and use the writer for both.
type SQLiteStore struct {
	*queries
	db   *sql.DB
	read *sql.DB
	log  *zerolog.Logger
}

var (
	_ store.Store   = (*SQLiteStore)(nil)
	_ store.Queries = (*queries)(nil)
)

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string, logger *zerolog.Logger) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, logger, ApplySchema)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to seed data right after the schema.
func NewWithSetup(dbPath string, logger *zerolog.Logger, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with single connection; in-memory databases require it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	read := db
	if !isMemory(dbPath) {
		if read, err = openReader(dbPath); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteStore{
		queries: &queries{db: routed{write: db, read: read}},
		db:      db,
		read:    read,
		log:     logger,
	}, nil
}

func isMemory(dbPath string) bool {
	return strings.Contains(dbPath, ":memory:") || strings.Contains(dbPath, "mode=memory")
}

// openReader opens the query-only pool. The writer has already switched the
// file to WAL, which readers inherit.
func openReader(dbPath string) (*sql.DB, error) {
	read, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_query_only=true")
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	read.SetMaxOpenConns(readConns)
	read.SetMaxIdleConns(readConns)
	if err := read.Ping(); err != nil {
		read.Close()
		return nil, fmt.Errorf("ping sqlite reader: %w", err)
	}
	return read, nil
}

// ApplySchema creates all tables if missing.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connections.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if s.read != s.db {
		err = multierr.Append(err, s.read.Close())
	}
	return err
}

// InTx runs fn inside a transaction, then the unit of work's before-commit
// hooks, COMMIT, and the after-commit hooks. Any error before COMMIT rolls
// the transaction back and is returned unchanged. A failed COMMIT rolls back
// as well. Either way, compensations registered by hooks run after the
// rollback.
//
// The transaction is bound to ctx values but not to its cancellation: only
// errors decide rollback. Statements and hooks still observe ctx.
func (s *SQLiteStore) InTx(ctx context.Context, fn store.TxFunc) error {
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	uow := store.NewUnitOfWork()
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.Warn().Err(rbErr).Msg("rollback failed")
		}
		uow.RunCompensations(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &queries{db: tx}, uow); err != nil {
		return err
	}
	if err := uow.RunBeforeCommit(ctx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true

	uow.RunAfterCommit(ctx)
	return nil
}
