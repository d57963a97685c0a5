// Package pgstore is the PostgreSQL storage engine. Each UnitOfWork.Do runs
// in one READ COMMITTED transaction; subscription reads take row locks.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
)

var (
	_ contracts.UnitOfWork = (*Store)(nil)
	_ outbox.Store         = (*Store)(nil)
)

// Store wraps a pgxpool.Pool.
type Store struct {
	pool  *pgxpool.Pool
	clock domain.Clock
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string, clock domain.Clock) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	return NewStore(pool, clock), nil
}

func NewStore(pool *pgxpool.Pool, clock domain.Clock) *Store {
	return &Store{pool: pool, clock: clock}
}

// Pool returns the underlying pgxpool.Pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Do runs fn in a transaction and commits if fn succeeds.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx contracts.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &tx{tx: pgTx, clock: s.clock}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Process claims pending entries with FOR UPDATE SKIP LOCKED, so concurrent
// drainers never see the same row, and settles them in the same transaction.
func (s *Store) Process(ctx context.Context, limit int, fn func(ctx context.Context, entries []outbox.Entry) []outbox.Result) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	rows, err := pgTx.Query(ctx, `
		SELECT id, queue, payload, retries_left, created_at
		FROM outbox_entries
		WHERE retries_left >= 0
		ORDER BY seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return fmt.Errorf("claim outbox entries: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Entry, error) {
		var e outbox.Entry
		err := row.Scan(&e.ID, &e.Queue, &e.Payload, &e.RetriesLeft, &e.CreatedAt)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
	if err != nil {
		return fmt.Errorf("scan outbox entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	results := fn(ctx, entries)

	batch := &pgx.Batch{}
	for _, r := range results {
		if r.Delivered {
			batch.Queue(`DELETE FROM outbox_entries WHERE id = $1`, r.ID)
		} else {
			batch.Queue(`UPDATE outbox_entries SET retries_left = retries_left - 1 WHERE id = $1`, r.ID)
		}
	}
	if batch.Len() > 0 {
		if err := pgTx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("settle outbox entries: %w", err)
		}
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outbox settle: %w", err)
	}
	return nil
}

// isDuplicateError checks for PostgreSQL unique-violation (23505).
func isDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

type tx struct {
	tx    pgx.Tx
	clock domain.Clock
}

func (t *tx) Plans() contracts.PlanRepository                 { return &planRepo{tx: t.tx} }
func (t *tx) Subscriptions() contracts.SubscriptionRepository { return &subscriptionRepo{tx: t.tx} }
func (t *tx) Customers() contracts.CustomerRepository         { return &customerRepo{tx: t.tx} }
func (t *tx) Payments() contracts.PaymentRepository           { return &paymentRepo{tx: t.tx} }
func (t *tx) Outbox() contracts.OutboxWriter                  { return &outboxWriter{tx: t.tx, clock: t.clock} }
