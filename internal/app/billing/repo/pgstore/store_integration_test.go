//go:build integration

package pgstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/migrations"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/repo/repotest"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// setupStore starts a PostgreSQL container and applies the schema.
func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("billing_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := postgresContainer.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, connStr, domain.FixedClock{FixedTime: now})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	dir, err := migrations.FindMigrationsDir("postgres")
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	require.NoError(t, migrations.RunPostgres(ctx, store.Pool(), dir, logger))
	// A second run finds nothing to apply.
	require.NoError(t, migrations.RunPostgres(ctx, store.Pool(), dir, logger))

	return store
}

func TestPGStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	clock := domain.FixedClock{FixedTime: now}

	t.Run("plans are tenant scoped and names unique", func(t *testing.T) {
		plan, err := domain.NewPlan("plan-basic", "tenant-1", "Basic", domain.MustParseMoney("10.00", "USD"), "entry tier",
			[]domain.AddOn{
				domain.UnitPriceAddOn{Name: "seats", UnitPrice: domain.MustParseMoney("2.50", "USD")},
				domain.TieredAddOn{Name: "storage", Tiers: map[int]domain.Money{1: domain.MustParseMoney("5", "USD")}},
			})
		require.NoError(t, err)
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			return tx.Plans().Add(ctx, plan)
		}))

		dup, err := domain.NewPlan("plan-dup", "tenant-1", "Basic", domain.MustParseMoney("1.00", "USD"), "", nil)
		require.NoError(t, err)
		err = store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			return tx.Plans().Add(ctx, dup)
		})
		assert.ErrorIs(t, err, domain.ErrPlanNameTaken)

		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			got, err := tx.Plans().Get(ctx, "tenant-1", "plan-basic")
			require.NoError(t, err)
			assert.Equal(t, "Basic", got.Name())
			assert.True(t, got.BasePrice().Equal(domain.MustParseMoney("10.00", "USD")))
			assert.Len(t, got.AddOns(), 2)

			_, err = tx.Plans().Get(ctx, "tenant-2", "plan-basic")
			assert.ErrorIs(t, err, domain.ErrPlanNotFound)

			plans, err := tx.Plans().List(ctx, "tenant-1")
			require.NoError(t, err)
			assert.Len(t, plans, 1)
			return nil
		}))
	})

	t.Run("subscription updates are version checked", func(t *testing.T) {
		sub, _, err := domain.NewSubscription("sub-1", "tenant-1", "acct-1", "plan-basic", domain.TermMonthly,
			[]domain.RequestedAddOn{{Name: "seats", Quantity: 3}}, clock)
		require.NoError(t, err)
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			return tx.Subscriptions().Add(ctx, sub)
		}))

		var stale *domain.Subscription
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			stale, err = tx.Subscriptions().Get(ctx, "tenant-1", "acct-1", "sub-1")
			return err
		}))
		assert.Equal(t, []domain.RequestedAddOn{{Name: "seats", Quantity: 3}}, stale.RequestedAddOns())
		assert.True(t, stale.SubscribedAt().Equal(now))

		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			fresh, err := tx.Subscriptions().GetByID(ctx, "sub-1")
			if err != nil {
				return err
			}
			fresh.Cancel(clock)
			return tx.Subscriptions().Update(ctx, fresh)
		}))

		err = store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			stale.Cancel(clock)
			return tx.Subscriptions().Update(ctx, stale)
		})
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)

		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			got, err := tx.Subscriptions().GetByID(ctx, "sub-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCanceled, got.Status())
			assert.Nil(t, got.NextRenewalAt())
			assert.Equal(t, int64(1), got.Version())
			return nil
		}))
	})

	t.Run("due subscriptions are listed in renewal order", func(t *testing.T) {
		early, _, err := domain.NewSubscription("sub-early", "tenant-1", "acct-2", "plan-basic", domain.TermMonthly, nil,
			domain.FixedClock{FixedTime: now.AddDate(0, -2, 0)})
		require.NoError(t, err)
		late, _, err := domain.NewSubscription("sub-late", "tenant-1", "acct-2", "plan-basic", domain.TermMonthly, nil,
			domain.FixedClock{FixedTime: now.AddDate(0, -1, 0)})
		require.NoError(t, err)
		future, _, err := domain.NewSubscription("sub-future", "tenant-1", "acct-2", "plan-basic", domain.TermYearly, nil, clock)
		require.NoError(t, err)
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			for _, s := range []*domain.Subscription{late, future, early} {
				if err := tx.Subscriptions().Add(ctx, s); err != nil {
					return err
				}
			}
			return nil
		}))

		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			due, err := tx.Subscriptions().ListDueForRenewal(ctx, now, 10)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, "sub-early", due[0].ID())
			assert.Equal(t, "sub-late", due[1].ID())

			limited, err := tx.Subscriptions().ListDueForRenewal(ctx, now, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
			return nil
		}))
	})

	t.Run("customers and payments", func(t *testing.T) {
		customer, err := domain.NewCustomer("acct-1", "tenant-1", "cus_123", "seti_123")
		require.NoError(t, err)
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			return tx.Customers().Add(ctx, customer)
		}))
		err = store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			return tx.Customers().Add(ctx, customer)
		})
		assert.ErrorIs(t, err, domain.ErrCustomerAlreadyExists)

		id := domain.PaymentID("subscribe:sub-1")
		payment := domain.NewPayment(id, "tenant-1", "acct-1", domain.MustParseMoney("17.50", "USD"), domain.PaymentSuccess, "pi_1", now)
		for i := 0; i < 2; i++ {
			require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
				return tx.Payments().Add(ctx, payment)
			}))
		}

		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			got, err := tx.Customers().GetByAccount(ctx, "tenant-1", "acct-1")
			require.NoError(t, err)
			assert.Equal(t, "cus_123", got.ProviderCustomerID())

			_, err = tx.Customers().GetByAccount(ctx, "tenant-2", "acct-1")
			assert.ErrorIs(t, err, domain.ErrCustomerNotFound)

			payments, err := tx.Payments().ListByAccount(ctx, "tenant-1", "acct-1")
			require.NoError(t, err)
			require.Len(t, payments, 1)
			assert.True(t, payments[0].Amount().Equal(domain.MustParseMoney("17.50", "USD")))
			assert.Equal(t, domain.PaymentSuccess, payments[0].Status())
			return nil
		}))
	})

	t.Run("outbox drain settles delivered and failed entries", func(t *testing.T) {
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			for _, q := range []string{"q.ok", "q.fail"} {
				if err := tx.Outbox().Put(ctx, q, []byte(`{}`)); err != nil {
					return err
				}
			}
			return nil
		}))

		err := store.Process(ctx, 10, func(ctx context.Context, entries []outbox.Entry) []outbox.Result {
			require.Len(t, entries, 2)
			assert.Equal(t, "q.ok", entries[0].Queue)
			assert.Equal(t, outbox.DefaultRetries, entries[0].RetriesLeft)
			return []outbox.Result{
				{ID: entries[0].ID, Delivered: true},
				{ID: entries[1].ID, Delivered: false},
			}
		})
		require.NoError(t, err)

		var left []outbox.Entry
		require.NoError(t, store.Process(ctx, 10, func(ctx context.Context, entries []outbox.Entry) []outbox.Result {
			left = entries
			results := make([]outbox.Result, len(entries))
			for i, e := range entries {
				results[i] = outbox.Result{ID: e.ID, Delivered: true}
			}
			return results
		}))
		require.Len(t, left, 1)
		assert.Equal(t, "q.fail", left[0].Queue)
		assert.Equal(t, outbox.DefaultRetries-1, left[0].RetriesLeft)
	})

	t.Run("concurrent drains see disjoint batches", func(t *testing.T) {
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			for i := 0; i < 4; i++ {
				if err := tx.Outbox().Put(ctx, "q.concurrent", []byte(`{}`)); err != nil {
					return err
				}
			}
			return nil
		}))

		var (
			mu      sync.Mutex
			seen    = map[string]int{}
			claimed = make(chan struct{})
			release = make(chan struct{})
			wg      sync.WaitGroup
		)
		deliverAll := func(entries []outbox.Entry) []outbox.Result {
			mu.Lock()
			defer mu.Unlock()
			results := make([]outbox.Result, len(entries))
			for i, e := range entries {
				seen[e.ID]++
				results[i] = outbox.Result{ID: e.ID, Delivered: true}
			}
			return results
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Process(ctx, 2, func(ctx context.Context, entries []outbox.Entry) []outbox.Result {
				close(claimed)
				<-release
				return deliverAll(entries)
			})
		}()

		<-claimed
		require.NoError(t, store.Process(ctx, 2, func(ctx context.Context, entries []outbox.Entry) []outbox.Result {
			return deliverAll(entries)
		}))
		close(release)
		wg.Wait()

		assert.Len(t, seen, 4)
		for id, n := range seen {
			assert.Equal(t, 1, n, "entry %s delivered more than once", id)
		}
	})

	// The subtests below leave active subscriptions that are due at now,
	// so they run after the due-ordering check.
	t.Run("upgrade rewrites subscribed_at and next_renewal_at", func(t *testing.T) {
		sub, _, err := domain.NewSubscription("sub-upgrade", "tenant-1", "acct-3", "plan-basic", domain.TermMonthly, nil, clock)
		require.NoError(t, err)
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			return tx.Subscriptions().Add(ctx, sub)
		}))

		upgradedAt := now.Add(10 * 24 * time.Hour)
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			got, err := tx.Subscriptions().GetByID(ctx, "sub-upgrade")
			if err != nil {
				return err
			}
			if _, err := got.Upgrade("plan-pro", domain.MustParseMoney("30.00", "USD"), domain.FixedClock{FixedTime: upgradedAt}); err != nil {
				return err
			}
			return tx.Subscriptions().Update(ctx, got)
		}))

		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			got, err := tx.Subscriptions().GetByID(ctx, "sub-upgrade")
			require.NoError(t, err)
			assert.Equal(t, "plan-pro", got.PlanID())
			assert.True(t, got.SubscribedAt().Equal(upgradedAt), "subscribed_at: got %s", got.SubscribedAt())
			require.NotNil(t, got.NextRenewalAt())
			assert.True(t, got.NextRenewalAt().Equal(domain.TermMonthly.NextRenewal(upgradedAt)))
			return nil
		}))
	})

	t.Run("repository contract", func(t *testing.T) {
		repotest.Run(t, store)
	})
}
