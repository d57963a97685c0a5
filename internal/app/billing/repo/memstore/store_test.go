package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/repo/repotest"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedSubscription(t *testing.T, s *Store) *domain.Subscription {
	t.Helper()
	sub, _, err := domain.NewSubscription("sub-1", "tenant-1", "acct-1", "plan-1", domain.TermMonthly, nil, domain.FixedClock{FixedTime: now})
	require.NoError(t, err)
	require.NoError(t, s.Do(context.Background(), func(ctx context.Context, tx contracts.Tx) error {
		return tx.Subscriptions().Add(ctx, sub)
	}))
	return sub
}

func TestStore_RepositoryContract(t *testing.T) {
	repotest.Run(t, NewStore(domain.FixedClock{FixedTime: now}))
}

func TestStore_PlanNameStagedTwiceInOneTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewStore(domain.FixedClock{FixedTime: now})
	price := domain.MustParseMoney("10.00", "USD")

	err := s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		first, err := domain.NewPlan("plan-1", "tenant-1", "Basic", price, "", nil)
		require.NoError(t, err)
		second, err := domain.NewPlan("plan-2", "tenant-1", "Basic", price, "", nil)
		require.NoError(t, err)

		require.NoError(t, tx.Plans().Add(ctx, first))
		return tx.Plans().Add(ctx, second)
	})
	assert.ErrorIs(t, err, domain.ErrPlanNameTaken)

	require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		plans, err := tx.Plans().List(ctx, "tenant-1")
		assert.Empty(t, plans)
		return err
	}))
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore(domain.FixedClock{FixedTime: now})
	boom := errors.New("boom")

	err := s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		sub, _, err := domain.NewSubscription("sub-x", "tenant-1", "acct-1", "plan-1", domain.TermMonthly, nil, s.clock)
		require.NoError(t, err)
		require.NoError(t, tx.Subscriptions().Add(ctx, sub))
		require.NoError(t, tx.Outbox().Put(ctx, "q", []byte(`{}`)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := tx.Subscriptions().GetByID(ctx, "sub-x")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
	assert.Empty(t, s.OutboxEntries())
}

func TestStore_UpdateDetectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore(domain.FixedClock{FixedTime: now})
	seedSubscription(t, s)

	var first, second *domain.Subscription
	require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		if first, err = tx.Subscriptions().GetByID(ctx, "sub-1"); err != nil {
			return err
		}
		second, err = tx.Subscriptions().GetByID(ctx, "sub-1")
		return err
	}))

	require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		first.Cancel(domain.FixedClock{FixedTime: now})
		return tx.Subscriptions().Update(ctx, first)
	}))
	assert.Equal(t, int64(1), first.Version())

	err := s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := second.Downgrade("plan-2", domain.FixedClock{FixedTime: now})
		require.NoError(t, err)
		return tx.Subscriptions().Update(ctx, second)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestStore_PaymentsAreUpserted(t *testing.T) {
	ctx := context.Background()
	s := NewStore(domain.FixedClock{FixedTime: now})
	amount := domain.MustParseMoney("10.00", "USD")
	p := domain.NewPayment(domain.PaymentID("k"), "tenant-1", "acct-1", amount, domain.PaymentSuccess, "pi_1", now)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			return tx.Payments().Add(ctx, p)
		}))
	}

	require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		payments, err := tx.Payments().ListByAccount(ctx, "tenant-1", "acct-1")
		require.NoError(t, err)
		assert.Len(t, payments, 1)
		return nil
	}))
}

func TestStore_TenantScoping(t *testing.T) {
	ctx := context.Background()
	s := NewStore(domain.FixedClock{FixedTime: now})
	seedSubscription(t, s)
	plan, err := domain.NewPlan("plan-1", "tenant-1", "Basic", domain.MustParseMoney("5.00", "USD"), "", nil)
	require.NoError(t, err)

	require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Plans().Add(ctx, plan)
	}))

	err = s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		dup, _ := domain.NewPlan("plan-2", "tenant-1", "Basic", domain.MustParseMoney("6.00", "USD"), "", nil)
		return tx.Plans().Add(ctx, dup)
	})
	assert.ErrorIs(t, err, domain.ErrPlanNameTaken)

	require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := tx.Plans().Get(ctx, "tenant-2", "plan-1")
		assert.ErrorIs(t, err, domain.ErrPlanNotFound)
		_, err = tx.Subscriptions().Get(ctx, "tenant-2", "acct-1", "sub-1")
		assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
		assert.NoError(t, tx.Plans().Delete(ctx, "tenant-2", "plan-1"))
		return nil
	}))

	require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := tx.Plans().Get(ctx, "tenant-1", "plan-1")
		return err
	}))
}

func TestStore_ProcessSkipsInFlightAndExhausted(t *testing.T) {
	ctx := context.Background()
	s := NewStore(domain.FixedClock{FixedTime: now})
	require.NoError(t, s.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		for _, q := range []string{"a", "b", "c"} {
			if err := tx.Outbox().Put(ctx, q, []byte(`{}`)); err != nil {
				return err
			}
		}
		return nil
	}))

	var outer, inner []string
	err := s.Process(ctx, 2, func(ctx context.Context, entries []outbox.Entry) []outbox.Result {
		for _, e := range entries {
			outer = append(outer, e.Queue)
		}
		require.NoError(t, s.Process(ctx, 10, func(ctx context.Context, entries []outbox.Entry) []outbox.Result {
			for _, e := range entries {
				inner = append(inner, e.Queue)
			}
			return nil
		}))
		return []outbox.Result{{ID: entries[0].ID, Delivered: true}, {ID: entries[1].ID}}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, outer)
	assert.Equal(t, []string{"c"}, inner)

	entries := s.OutboxEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Queue)
	assert.Equal(t, outbox.DefaultRetries-1, entries[0].RetriesLeft)
}
