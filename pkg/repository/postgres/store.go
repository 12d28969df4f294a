/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package postgres implements the repository ports on PostgreSQL through
// sqlx and the pgx stdlib driver. Criteria records are translated into
// parameterized WHERE clauses, optimistic concurrency rides version-guarded
// UPDATEs, and the idempotence guards (monotonic LastSeenAt, drift dedup
// keys, single PENDING approval) are enforced by the database itself so they
// hold across control plane replicas.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgreSQL error codes the adapters branch on.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 16
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 4
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

type Store struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
	clk clock.Clock
}

// Open connects, applies pending migrations and returns a ready store.
func Open(ctx context.Context, config Config, clk clock.Clock) (*Store, error) {
	config = config.withDefaults()
	db, err := sqlx.ConnectContext(ctx, "pgx", config.DSN)
	if err != nil {
		return nil, errors.Wrap(errors.BackendUnavailable, "postgres.Open", "postgres_connect", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	if err := Migrate(ctx, db); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return NewStore(db, clk), nil
}

// NewStore wraps an existing connection pool. Migrations are the caller's
// concern; tests hand in sqlmock-backed handles here.
func NewStore(db *sqlx.DB, clk clock.Clock) *Store {
	return &Store{db: db, ext: db, clk: clk}
}

// Migrate brings the schema up to the embedded head revision.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(errors.BackendUnavailable, "postgres.Migrate", "goose_dialect", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return errors.Wrap(errors.BackendUnavailable, "postgres.Migrate", "goose_up", err)
	}
	return nil
}

func (s *Store) Services() repository.Services       { return &services{store: s} }
func (s *Store) Instances() repository.Instances     { return &instances{store: s} }
func (s *Store) DriftEvents() repository.DriftEvents { return &driftEvents{store: s} }
func (s *Store) Approvals() repository.Approvals     { return &approvals{store: s} }
func (s *Store) Shares() repository.Shares           { return &shares{store: s} }

// Tx runs fn inside one database transaction. The store handed to fn routes
// every repository call through the transaction; the receiver is untouched.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, store repository.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return pgError("postgres.Tx", err)
	}
	bound := &Store{db: s.db, ext: tx, clk: s.clk}
	if err := fn(ctx, bound); err != nil {
		return multierr.Append(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return pgError("postgres.Tx", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// pgError classifies a driver error. Constraint races surface as Conflict so
// optimistic callers re-read; everything else is treated as a retryable
// backend failure.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.DeadlineExceeded, op, "deadline_exceeded", err)
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return errors.Wrap(errors.Conflict, op, "unique_violation", err)
		case codeForeignKeyViolation:
			return errors.Wrap(errors.InvalidArgument, op, "foreign_key_violation", err)
		}
	}
	return errors.Wrap(errors.BackendUnavailable, op, "postgres_query", err)
}

// rowsAffected extracts the count from an Exec result, classifying driver
// failures.
func rowsAffected(op string, result sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, pgError(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, pgError(op, err)
	}
	return n, nil
}
