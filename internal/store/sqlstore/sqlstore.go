// Package sqlstore implements the store contract on PostgreSQL, using sqlx
// over the pgx stdlib driver. Uniqueness invariants live in the schema
// (unique and partial unique indexes); conditional transitions are single
// guarded UPDATEs checked by rows-affected, so the engines get the same
// compare-and-swap semantics the embedded store provides.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Store is the PostgreSQL implementation of store.Interface.
type Store struct {
	db *sqlx.DB
}

var _ store.Interface = (*Store)(nil)

// Open connects and pings the database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection. Tests use it with sqlmock.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db.DB, "migrations")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database reachability; the server's readiness probe uses it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// toErr maps driver errors onto the store sentinels.
func toErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrConflict
	}
	return err
}

// guarded resolves the outcome of a conditional UPDATE: zero rows affected
// means either the row is gone (ErrNotFound) or its guard column did not
// match (ErrConflict).
func guarded(ctx context.Context, q sqlx.QueryerContext, res sql.Result, existsQuery string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, existsQuery, args...); err != nil {
		return toErr(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

// inTx runs fn inside a transaction, committing on nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// jsonOf marshals v for a jsonb parameter. Nil maps and empty slices become
// SQL NULL so the column stays queryable with IS NULL.
func jsonOf(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]float64:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		return []byte(t), nil
	case *v1.Manifest:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// fromJSON unmarshals a nullable jsonb column.
func fromJSON[T any](data []byte, out *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
