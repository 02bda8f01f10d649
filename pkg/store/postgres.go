package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/types"
)

// PostgresStore implements Store on top of a pgx connection pool. Unique
// constraint violations (23505) surface as apierr.AlreadyExists; foreign
// key violations (23503) as apierr.NotFound.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresConfig configures pool construction.
type PostgresConfig struct {
	DatabaseURL    string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Open connects to Postgres and returns a ready PostgresStore. Schema
// migrations are applied separately (see pkg/store/migrate.go).
func Open(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if cfg.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// translate maps a pgx/pgconn error to the apierr taxonomy.
func translate(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows {
		return apierr.NewNotFound(notFoundMsg)
	}
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apierr.NewAlreadyExists(pgErr.Detail)
		case "23503":
			return apierr.NewNotFound(pgErr.Detail)
		}
	}
	return apierr.NewInternal("", err)
}

func asPgError(err error, target **pgconn.PgError) bool {
	type pgErrUnwrapper interface{ Unwrap() error }
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		u, ok := err.(pgErrUnwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// lockKey derives a stable int64 advisory-lock key from an entity id.
func lockKey(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

// WithAdvisoryLock blocks until the transaction-level advisory lock for
// serviceID is acquired, runs fn inside that transaction, and releases the
// lock on commit/rollback. pkg/migration takes it when it starts a
// migration; rollouts use TryAdvisoryLock instead.
func (s *PostgresStore) WithAdvisoryLock(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierr.NewInternal("", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(serviceID)); err != nil {
		return apierr.NewInternal("", err)
	}

	if err := fn(withTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apierr.NewInternal("", err)
	}
	return nil
}

// TryAdvisoryLock is the non-blocking counterpart used by the API's
// deploy() handler: if another rollout already holds the lock, it returns
// apierr.Conflict immediately instead of queueing behind it.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierr.NewInternal("", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lockKey(serviceID)).Scan(&acquired); err != nil {
		return apierr.NewInternal("", err)
	}
	if !acquired {
		return apierr.NewConflict("a rollout is already in progress for this service")
	}

	if err := fn(withTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apierr.NewInternal("", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// method below run either standalone or inside a WithAdvisoryLock
// transaction transparently.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func marshalConfig(c *types.CanonicalConfig) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func unmarshalConfig(data []byte) (*types.CanonicalConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var c types.CanonicalConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
