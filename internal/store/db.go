package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrDuplicate is returned when a write violates a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

// ErrNotFound is returned by mutations addressing a row that does not exist.
var ErrNotFound = errors.New("record not found")

// Dialect names a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// DB wraps the relay database connection pool. Repository operations are
// promoted from the embedded Repo and run outside any transaction.
type DB struct {
	*sql.DB
	*Repo
	dialect Dialect
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Write transactions take the database lock up front so concurrent ingestion
// serializes instead of failing on lock upgrade.
func Open(path string) (*DB, error) {
	return OpenDSN(SQLite, path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
}

// OpenDSN opens a database for the given dialect.
func OpenDSN(dialect Dialect, dsn string) (*DB, error) {
	switch dialect {
	case SQLite, Postgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{
		DB:      db,
		Repo:    &Repo{q: db, dialect: dialect},
		dialect: dialect,
	}, nil
}

// Dialect returns the backend in use.
func (db *DB) Dialect() Dialect { return db.dialect }

// Atomic runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) Atomic(ctx context.Context, fn func(tx *Repo) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Repo{q: tx, dialect: db.dialect, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo exposes conversation and message operations over either the pool or
// a transaction started by Atomic.
type Repo struct {
	q       querier
	dialect Dialect
	inTx    bool
}

func (r *Repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.rebind(query), args...)
}

func (r *Repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.rebind(query), args...)
}

func (r *Repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.rebind(query), args...)
}

// rebind rewrites ? placeholders to $n for postgres.
func (r *Repo) rebind(query string) string {
	if r.dialect != Postgres {
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

// savepoint runs fn inside a named savepoint when in a transaction, so a
// constraint violation does not poison the enclosing transaction.
func (r *Repo) savepoint(ctx context.Context, name string, fn func() error) error {
	if !r.inTx {
		return fn()
	}
	if _, err := r.q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := r.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		_, _ = r.q.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	if _, err := r.q.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func nullString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}
