// Package spannerstore is the Cloud Spanner storage engine. UnitOfWork.Do
// runs in a read-write transaction, which Spanner may retry after an abort;
// the outbox drain uses a claim lease because Spanner has no SKIP LOCKED.
package spannerstore

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
)

var (
	_ contracts.UnitOfWork = (*Store)(nil)
	_ outbox.Store         = (*Store)(nil)
)

// DefaultClaimLease is how long a drained batch stays invisible to other
// drainers. A crashed drainer's batch becomes visible again after it expires.
const DefaultClaimLease = time.Minute

// Store implements the billing repositories using Cloud Spanner.
type Store struct {
	client *spanner.Client
	clock  domain.Clock
	lease  time.Duration
}

func NewStore(client *spanner.Client, clock domain.Clock) *Store {
	return &Store{client: client, clock: clock, lease: DefaultClaimLease}
}

// WithClaimLease overrides DefaultClaimLease.
func (s *Store) WithClaimLease(lease time.Duration) *Store {
	s.lease = lease
	return s
}

// Do runs fn in a read-write transaction. The error returned by fn on the
// last attempt is returned unwrapped.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx contracts.Tx) error) error {
	var fnErr error
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		fnErr = fn(ctx, newTx(txn))
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

// Process claims up to limit unclaimed entries by stamping claimed_until,
// hands them to fn outside any transaction, then settles the batch.
func (s *Store) Process(ctx context.Context, limit int, fn func(ctx context.Context, entries []outbox.Entry) []outbox.Result) error {
	var batch []outbox.Entry
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		batch = batch[:0]
		now := s.clock.Now()

		stmt := spanner.Statement{
			SQL: `
				SELECT id, queue, payload, retries_left, created_at
				FROM outbox_entries
				WHERE retries_left >= 0
				  AND (claimed_until IS NULL OR claimed_until < @now)
				ORDER BY created_at, id
				LIMIT @limit
			`,
			Params: map[string]interface{}{
				"now":   now,
				"limit": int64(limit),
			},
		}

		iter := txn.Query(ctx, stmt)
		defer iter.Stop()
		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			var (
				e       outbox.Entry
				retries int64
			)
			if err := row.Columns(&e.ID, &e.Queue, &e.Payload, &retries, &e.CreatedAt); err != nil {
				return err
			}
			e.RetriesLeft = int(retries)
			batch = append(batch, e)
		}

		claimedUntil := now.Add(s.lease)
		mutations := make([]*spanner.Mutation, 0, len(batch))
		for _, e := range batch {
			mutations = append(mutations, spanner.Update("outbox_entries",
				[]string{"id", "claimed_until"},
				[]interface{}{e.ID, claimedUntil}))
		}
		return txn.BufferWrite(mutations)
	})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	results := fn(ctx, batch)

	retries := make(map[string]int, len(batch))
	for _, e := range batch {
		retries[e.ID] = e.RetriesLeft
	}

	mutations := make([]*spanner.Mutation, 0, len(results))
	for _, r := range results {
		left, ok := retries[r.ID]
		if !ok {
			continue
		}
		if r.Delivered {
			mutations = append(mutations, spanner.Delete("outbox_entries", spanner.Key{r.ID}))
			continue
		}
		mutations = append(mutations, spanner.Update("outbox_entries",
			[]string{"id", "retries_left", "claimed_until"},
			[]interface{}{r.ID, int64(left - 1), spanner.NullTime{}}))
	}
	if len(mutations) == 0 {
		return nil
	}
	_, err = s.client.Apply(ctx, mutations)
	return err
}

// tx tracks keys it has inserted, because reads in a Spanner read-write
// transaction do not see the transaction's own buffered mutations.
type tx struct {
	txn       *spanner.ReadWriteTransaction
	planNames map[string]bool
	customers map[string]bool
	payments  map[string]bool
}

func newTx(txn *spanner.ReadWriteTransaction) *tx {
	return &tx{
		txn:       txn,
		planNames: make(map[string]bool),
		customers: make(map[string]bool),
		payments:  make(map[string]bool),
	}
}

func (t *tx) Plans() contracts.PlanRepository                 { return &planRepo{tx: t} }
func (t *tx) Subscriptions() contracts.SubscriptionRepository { return &subscriptionRepo{txn: t.txn} }
func (t *tx) Customers() contracts.CustomerRepository         { return &customerRepo{tx: t} }
func (t *tx) Payments() contracts.PaymentRepository           { return &paymentRepo{tx: t} }
func (t *tx) Outbox() contracts.OutboxWriter                  { return &outboxWriter{txn: t.txn} }
