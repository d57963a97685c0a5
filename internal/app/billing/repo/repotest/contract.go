// Package repotest checks a storage engine against the repository
// contracts. Every engine runs the same suite, so a column one engine
// forgets to write shows up as a failing subtest for that engine only.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

var (
	subscribedAt = time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
	upgradedAt   = time.Date(2024, 2, 10, 15, 30, 0, 0, time.UTC)
	renewedAt    = time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)
)

// Run exercises every repository exposed by uow. IDs are random, so the
// engine may be shared with other tests.
func Run(t *testing.T, uow contracts.UnitOfWork) {
	t.Run("plans", func(t *testing.T) { testPlans(t, uow) })
	t.Run("upgrade restarts the period", func(t *testing.T) { testUpgrade(t, uow) })
	t.Run("downgrade is stored as pending", func(t *testing.T) { testDowngrade(t, uow) })
	t.Run("renewal applies the pending plan", func(t *testing.T) { testRenewal(t, uow) })
	t.Run("failed renewal deactivates", func(t *testing.T) { testFailedRenewal(t, uow) })
	t.Run("cancel", func(t *testing.T) { testCancel(t, uow) })
	t.Run("update checks the version", func(t *testing.T) { testVersionConflict(t, uow) })
	t.Run("list by account follows subscribed_at", func(t *testing.T) { testListByAccount(t, uow) })
	t.Run("customers", func(t *testing.T) { testCustomers(t, uow) })
	t.Run("payments are idempotent", func(t *testing.T) { testPayments(t, uow) })
}

type fixture struct {
	tenantID  string
	accountID string
	basicID   string
	proID     string
}

func newFixture() fixture {
	return fixture{
		tenantID:  "tenant-" + uuid.NewString(),
		accountID: "acct-" + uuid.NewString(),
		basicID:   uuid.NewString(),
		proID:     uuid.NewString(),
	}
}

func (f fixture) subscribe(t *testing.T, uow contracts.UnitOfWork, at time.Time) string {
	t.Helper()
	sub, _, err := domain.NewSubscription(uuid.NewString(), f.tenantID, f.accountID, f.basicID, domain.TermMonthly,
		[]domain.RequestedAddOn{{Name: "seats", Quantity: 2}}, domain.FixedClock{FixedTime: at})
	require.NoError(t, err)
	require.NoError(t, uow.Do(context.Background(), func(ctx context.Context, tx contracts.Tx) error {
		return tx.Subscriptions().Add(ctx, sub)
	}))
	return sub.ID()
}

func load(t *testing.T, uow contracts.UnitOfWork, id string) *domain.Subscription {
	t.Helper()
	var sub *domain.Subscription
	require.NoError(t, uow.Do(context.Background(), func(ctx context.Context, tx contracts.Tx) error {
		var err error
		sub, err = tx.Subscriptions().GetByID(ctx, id)
		return err
	}))
	return sub
}

// change loads the subscription, applies fn and writes it back in one
// transaction.
func change(t *testing.T, uow contracts.UnitOfWork, id string, fn func(sub *domain.Subscription) error) {
	t.Helper()
	require.NoError(t, uow.Do(context.Background(), func(ctx context.Context, tx contracts.Tx) error {
		sub, err := tx.Subscriptions().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
		return tx.Subscriptions().Update(ctx, sub)
	}))
}

func dueIDs(t *testing.T, uow contracts.UnitOfWork, now time.Time) map[string]bool {
	t.Helper()
	ids := make(map[string]bool)
	require.NoError(t, uow.Do(context.Background(), func(ctx context.Context, tx contracts.Tx) error {
		subs, err := tx.Subscriptions().ListDueForRenewal(ctx, now, 0)
		for _, s := range subs {
			ids[s.ID()] = true
		}
		return err
	}))
	return ids
}

func assertTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	if assert.NotNil(t, got) {
		assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
	}
}

func newPlan(t *testing.T, id, tenantID, name string) *domain.Plan {
	t.Helper()
	plan, err := domain.NewPlan(id, tenantID, name, domain.MustParseMoney("10.00", "USD"), "monthly plan",
		[]domain.AddOn{
			domain.UnitPriceAddOn{Name: "seats", UnitPrice: domain.MustParseMoney("2.00", "USD")},
			domain.FlatPriceAddOn{Name: "support", FlatPrice: domain.MustParseMoney("5.00", "USD")},
		})
	require.NoError(t, err)
	return plan
}

func testPlans(t *testing.T, uow contracts.UnitOfWork) {
	ctx := context.Background()
	f := newFixture()
	basic := newPlan(t, f.basicID, f.tenantID, "Basic")
	pro := newPlan(t, f.proID, f.tenantID, "Pro")

	require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		if err := tx.Plans().Add(ctx, pro); err != nil {
			return err
		}
		return tx.Plans().Add(ctx, basic)
	}))

	err := uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Plans().Add(ctx, newPlan(t, uuid.NewString(), f.tenantID, "Basic"))
	})
	assert.ErrorIs(t, err, domain.ErrPlanNameTaken)

	err = uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		if err := tx.Plans().Add(ctx, newPlan(t, uuid.NewString(), f.tenantID, "Team")); err != nil {
			return err
		}
		return tx.Plans().Add(ctx, newPlan(t, uuid.NewString(), f.tenantID, "Team"))
	})
	assert.ErrorIs(t, err, domain.ErrPlanNameTaken, "a name staged earlier in the same transaction is taken")

	otherTenant := "tenant-" + uuid.NewString()
	require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Plans().Add(ctx, newPlan(t, uuid.NewString(), otherTenant, "Basic"))
	}))

	require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		got, err := tx.Plans().Get(ctx, f.tenantID, f.basicID)
		require.NoError(t, err)
		assert.Equal(t, "Basic", got.Name())
		assert.Equal(t, "monthly plan", got.Description())
		assert.True(t, got.BasePrice().Equal(domain.MustParseMoney("10", "USD")))
		require.Len(t, got.AddOns(), 2)

		cost, err := got.CalculateCost(domain.TermMonthly, []domain.RequestedAddOn{{Name: "seats", Quantity: 3}, {Name: "support", Quantity: 1}})
		require.NoError(t, err)
		assert.True(t, cost.Equal(domain.MustParseMoney("21.00", "USD")), "got %s", cost)

		_, err = tx.Plans().Get(ctx, otherTenant, f.basicID)
		assert.ErrorIs(t, err, domain.ErrPlanNotFound)

		plans, err := tx.Plans().List(ctx, f.tenantID)
		require.NoError(t, err)
		var names []string
		for _, p := range plans {
			names = append(names, p.Name())
		}
		assert.Equal(t, []string{"Basic", "Pro"}, names)
		return nil
	}))

	require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		if err := tx.Plans().Delete(ctx, otherTenant, f.proID); err != nil {
			return err
		}
		if err := tx.Plans().Delete(ctx, f.tenantID, uuid.NewString()); err != nil {
			return err
		}
		return tx.Plans().Delete(ctx, f.tenantID, f.proID)
	}))
	err = uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := tx.Plans().Get(ctx, f.tenantID, f.proID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func testUpgrade(t *testing.T, uow contracts.UnitOfWork) {
	f := newFixture()
	id := f.subscribe(t, uow, subscribedAt)
	change(t, uow, id, func(sub *domain.Subscription) error {
		_, err := sub.Downgrade(uuid.NewString(), domain.FixedClock{FixedTime: upgradedAt})
		return err
	})

	change(t, uow, id, func(sub *domain.Subscription) error {
		_, err := sub.Upgrade(f.proID, domain.MustParseMoney("36.00", "USD"), domain.FixedClock{FixedTime: upgradedAt})
		return err
	})

	got := load(t, uow, id)
	assert.Equal(t, f.proID, got.PlanID())
	assert.Equal(t, domain.StatusActive, got.Status())
	assert.True(t, upgradedAt.Equal(got.SubscribedAt()), "subscribed_at: got %s", got.SubscribedAt())
	assertTime(t, time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC), got.NextRenewalAt())
	assert.Nil(t, got.PendingChange())
	assert.Nil(t, got.CanceledAt())
	assert.Equal(t, []domain.RequestedAddOn{{Name: "seats", Quantity: 2}}, got.RequestedAddOns())
	assert.Equal(t, int64(2), got.Version())
}

func testDowngrade(t *testing.T, uow contracts.UnitOfWork) {
	f := newFixture()
	id := f.subscribe(t, uow, subscribedAt)

	change(t, uow, id, func(sub *domain.Subscription) error {
		_, err := sub.Downgrade(f.proID, domain.FixedClock{FixedTime: upgradedAt})
		return err
	})

	got := load(t, uow, id)
	assert.Equal(t, f.basicID, got.PlanID())
	if assert.NotNil(t, got.PendingChange()) {
		assert.Equal(t, f.proID, got.PendingChange().NewPlanID)
	}
	assert.Equal(t, f.proID, got.EffectivePlanID())
	assert.True(t, subscribedAt.Equal(got.SubscribedAt()))
	assertTime(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), got.NextRenewalAt())
	assert.Equal(t, int64(1), got.Version())
}

func testRenewal(t *testing.T, uow contracts.UnitOfWork) {
	f := newFixture()
	id := f.subscribe(t, uow, subscribedAt)
	change(t, uow, id, func(sub *domain.Subscription) error {
		_, err := sub.Downgrade(f.proID, domain.FixedClock{FixedTime: upgradedAt})
		return err
	})
	assert.True(t, dueIDs(t, uow, renewedAt)[id])

	change(t, uow, id, func(sub *domain.Subscription) error {
		_, err := sub.RenewalSucceeded(domain.MustParseMoney("16.00", "USD"), domain.FixedClock{FixedTime: renewedAt})
		return err
	})

	got := load(t, uow, id)
	assert.Equal(t, domain.StatusActive, got.Status())
	assert.Equal(t, f.proID, got.PlanID())
	assert.Nil(t, got.PendingChange())
	assertTime(t, time.Date(2024, 4, 11, 8, 0, 0, 0, time.UTC), got.NextRenewalAt())
	assert.True(t, subscribedAt.Equal(got.SubscribedAt()))
	assert.False(t, dueIDs(t, uow, renewedAt)[id])
}

func testFailedRenewal(t *testing.T, uow contracts.UnitOfWork) {
	f := newFixture()
	id := f.subscribe(t, uow, subscribedAt)
	change(t, uow, id, func(sub *domain.Subscription) error {
		_, err := sub.Downgrade(f.proID, domain.FixedClock{FixedTime: upgradedAt})
		return err
	})

	change(t, uow, id, func(sub *domain.Subscription) error {
		_, err := sub.RenewalFailed(domain.FixedClock{FixedTime: renewedAt})
		return err
	})

	got := load(t, uow, id)
	assert.Equal(t, domain.StatusInactive, got.Status())
	assert.Equal(t, f.basicID, got.PlanID())
	assert.Nil(t, got.PendingChange())
	assertTime(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), got.NextRenewalAt())
	assert.False(t, dueIDs(t, uow, renewedAt)[id])
}

func testCancel(t *testing.T, uow contracts.UnitOfWork) {
	f := newFixture()
	id := f.subscribe(t, uow, subscribedAt)

	change(t, uow, id, func(sub *domain.Subscription) error {
		sub.Cancel(domain.FixedClock{FixedTime: upgradedAt})
		return nil
	})

	got := load(t, uow, id)
	assert.Equal(t, domain.StatusCanceled, got.Status())
	assertTime(t, upgradedAt, got.CanceledAt())
	assert.Nil(t, got.NextRenewalAt())
	assert.False(t, dueIDs(t, uow, renewedAt)[id])
}

func testVersionConflict(t *testing.T, uow contracts.UnitOfWork) {
	ctx := context.Background()
	f := newFixture()
	id := f.subscribe(t, uow, subscribedAt)
	stale := load(t, uow, id)

	change(t, uow, id, func(sub *domain.Subscription) error {
		_, err := sub.Downgrade(f.proID, domain.FixedClock{FixedTime: upgradedAt})
		return err
	})

	err := uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		stale.Cancel(domain.FixedClock{FixedTime: upgradedAt})
		return tx.Subscriptions().Update(ctx, stale)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	got := load(t, uow, id)
	assert.Equal(t, domain.StatusActive, got.Status())
	assert.Equal(t, int64(1), got.Version())

	unsaved, _, err := domain.NewSubscription(uuid.NewString(), f.tenantID, f.accountID, f.basicID, domain.TermMonthly, nil,
		domain.FixedClock{FixedTime: subscribedAt})
	require.NoError(t, err)
	err = uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Subscriptions().Update(ctx, unsaved)
	})
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func testListByAccount(t *testing.T, uow contracts.UnitOfWork) {
	ctx := context.Background()
	f := newFixture()
	first := f.subscribe(t, uow, subscribedAt)
	second := f.subscribe(t, uow, upgradedAt)

	change(t, uow, first, func(sub *domain.Subscription) error {
		_, err := sub.Upgrade(f.proID, domain.MustParseMoney("36.00", "USD"), domain.FixedClock{FixedTime: renewedAt})
		return err
	})

	require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		subs, err := tx.Subscriptions().ListByAccount(ctx, f.tenantID, f.accountID)
		require.NoError(t, err)
		var ids []string
		for _, s := range subs {
			ids = append(ids, s.ID())
		}
		assert.Equal(t, []string{second, first}, ids)

		_, err = tx.Subscriptions().Get(ctx, f.tenantID, "acct-"+uuid.NewString(), first)
		assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
		return nil
	}))
}

func testCustomers(t *testing.T, uow contracts.UnitOfWork) {
	ctx := context.Background()
	f := newFixture()
	customer, err := domain.NewCustomer(f.accountID, f.tenantID, "cus_1", "seti_1")
	require.NoError(t, err)

	require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Customers().Add(ctx, customer)
	}))

	err = uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Customers().Add(ctx, customer)
	})
	assert.ErrorIs(t, err, domain.ErrCustomerAlreadyExists)

	staged, err := domain.NewCustomer("acct-"+uuid.NewString(), f.tenantID, "cus_2", "seti_2")
	require.NoError(t, err)
	err = uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		if err := tx.Customers().Add(ctx, staged); err != nil {
			return err
		}
		return tx.Customers().Add(ctx, staged)
	})
	assert.ErrorIs(t, err, domain.ErrCustomerAlreadyExists)

	require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		got, err := tx.Customers().GetByAccount(ctx, f.tenantID, f.accountID)
		require.NoError(t, err)
		assert.Equal(t, "cus_1", got.ProviderCustomerID())
		assert.Equal(t, "seti_1", got.ProviderSetupRef())

		_, err = tx.Customers().GetByAccount(ctx, "tenant-"+uuid.NewString(), f.accountID)
		assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
		_, err = tx.Customers().GetByAccount(ctx, f.tenantID, staged.AccountID())
		assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
		return nil
	}))
}

func testPayments(t *testing.T, uow contracts.UnitOfWork) {
	ctx := context.Background()
	f := newFixture()
	key := "renewal:" + uuid.NewString() + ":2024-02-29"
	payment := domain.NewPayment(domain.PaymentID(key), f.tenantID, f.accountID,
		domain.MustParseMoney("14.00", "USD"), domain.PaymentSuccess, "pi_1", renewedAt)

	for i := 0; i < 2; i++ {
		require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			if err := tx.Payments().Add(ctx, payment); err != nil {
				return err
			}
			return tx.Payments().Add(ctx, payment)
		}))
	}

	require.NoError(t, uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		rows, err := tx.Payments().ListByAccount(ctx, f.tenantID, f.accountID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, payment.ID(), rows[0].ID())
		assert.True(t, rows[0].Amount().Equal(domain.MustParseMoney("14", "USD")))
		assert.Equal(t, domain.PaymentSuccess, rows[0].Status())
		assert.Equal(t, "pi_1", rows[0].ProviderPaymentRef())
		assert.True(t, renewedAt.Equal(rows[0].CreatedAt()))
		return nil
	}))
}
