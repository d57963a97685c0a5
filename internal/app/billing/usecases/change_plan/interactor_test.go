package change_plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/payments"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/repo/memstore"
)

// MockGateway is a mock implementation of PaymentGateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) SetupNewCustomer(ctx context.Context) (contracts.CustomerSetup, error) {
	args := m.Called(ctx)
	return args.Get(0).(contracts.CustomerSetup), args.Error(1)
}

func (m *MockGateway) ChargeFirstAvailableMethod(ctx context.Context, customerRef string, amount domain.Money, idempotencyKey string) (domain.ChargeOutcome, error) {
	args := m.Called(ctx, customerRef, amount, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.ChargeOutcome), args.Error(1)
}

func (m *MockGateway) GetClientSecret(ctx context.Context, setupRef string) (string, error) {
	args := m.Called(ctx, setupRef)
	return args.String(0), args.Error(1)
}

var (
	subscribedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	changedAt    = time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
)

func setup(t *testing.T) (*memstore.Store, *MockGateway, *Interactor) {
	t.Helper()
	ctx := context.Background()
	clock := domain.FixedClock{FixedTime: changedAt}
	store := memstore.NewStore(clock)

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		for id, price := range map[string]string{"plan-basic": "10.00", "plan-pro": "20.00", "plan-cheap": "5.00", "plan-alt": "10.00"} {
			plan, err := domain.NewPlan(id, "tenant-1", id, domain.MustParseMoney(price, "USD"), "", nil)
			require.NoError(t, err)
			if err := tx.Plans().Add(ctx, plan); err != nil {
				return err
			}
		}
		customer, err := domain.NewCustomer("acct-1", "tenant-1", "cus_1", "seti_1")
		require.NoError(t, err)
		if err := tx.Customers().Add(ctx, customer); err != nil {
			return err
		}
		sub, _, err := domain.NewSubscription("sub-1", "tenant-1", "acct-1", "plan-basic", domain.TermMonthly, nil, domain.FixedClock{FixedTime: subscribedAt})
		require.NoError(t, err)
		return tx.Subscriptions().Add(ctx, sub)
	}))

	gateway := new(MockGateway)
	return store, gateway, NewInteractor(store, payments.NewCharger(gateway, clock, nil), clock)
}

func load(t *testing.T, store *memstore.Store) *domain.Subscription {
	t.Helper()
	var sub *domain.Subscription
	require.NoError(t, store.Do(context.Background(), func(ctx context.Context, tx contracts.Tx) error {
		var err error
		sub, err = tx.Subscriptions().GetByID(ctx, "sub-1")
		return err
	}))
	return sub
}

func ledger(t *testing.T, store *memstore.Store) []*domain.Payment {
	t.Helper()
	var rows []*domain.Payment
	require.NoError(t, store.Do(context.Background(), func(ctx context.Context, tx contracts.Tx) error {
		var err error
		rows, err = tx.Payments().ListByAccount(ctx, "tenant-1", "acct-1")
		return err
	}))
	return rows
}

func request(newPlanID string) Request {
	return Request{TenantID: "tenant-1", AccountID: "acct-1", SubscriptionID: "sub-1", NewPlanID: newPlanID}
}

func TestChangePlan_UpgradeChargesNewCostAndAppliesImmediately(t *testing.T) {
	ctx := context.Background()
	store, gateway, interactor := setup(t)
	gateway.On("ChargeFirstAvailableMethod", mock.Anything, "cus_1",
		mock.MatchedBy(func(m domain.Money) bool { return m.Equal(domain.MustParseMoney("20.00", "USD")) }),
		"upgrade:sub-1:plan-pro:0",
	).Return(domain.ChargeSucceeded{PaymentRef: "pi_up"}, nil).Once()

	sub, err := interactor.Execute(ctx, request("plan-pro"))

	require.NoError(t, err)
	assert.Equal(t, "plan-pro", sub.PlanID())

	stored := load(t, store)
	assert.Equal(t, "plan-pro", stored.PlanID())
	assert.Equal(t, changedAt, stored.SubscribedAt())
	assert.Equal(t, time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC), *stored.NextRenewalAt())
	assert.Nil(t, stored.PendingChange())

	rows := ledger(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.PaymentSuccess, rows[0].Status())

	var qs []string
	for _, e := range store.OutboxEntries() {
		qs = append(qs, e.Queue)
	}
	assert.ElementsMatch(t, []string{domain.QueuePaymentRecorded, domain.QueueUpgraded}, qs)
	gateway.AssertExpectations(t)
}

func TestChangePlan_UpgradeDeclinedAbortsChange(t *testing.T) {
	ctx := context.Background()
	store, gateway, interactor := setup(t)
	gateway.On("ChargeFirstAvailableMethod", mock.Anything, "cus_1", mock.Anything, mock.Anything).
		Return(domain.ChargeDeclined{PaymentRef: "pi_no"}, nil)

	_, err := interactor.Execute(ctx, request("plan-pro"))

	assert.ErrorIs(t, err, domain.ErrChargeDeclined)
	stored := load(t, store)
	assert.Equal(t, "plan-basic", stored.PlanID())
	assert.Equal(t, subscribedAt, stored.SubscribedAt())

	rows := ledger(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.PaymentFailure, rows[0].Status())
}

func TestChangePlan_DowngradeIsDeferred(t *testing.T) {
	tests := []struct {
		name      string
		newPlanID string
	}{
		{"cheaper plan", "plan-cheap"},
		{"equal cost plan", "plan-alt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, gateway, interactor := setup(t)

			sub, err := interactor.Execute(ctx, request(tt.newPlanID))

			require.NoError(t, err)
			assert.Equal(t, "plan-basic", sub.PlanID())

			stored := load(t, store)
			assert.Equal(t, "plan-basic", stored.PlanID())
			require.NotNil(t, stored.PendingChange())
			assert.Equal(t, tt.newPlanID, stored.PendingChange().NewPlanID)
			assert.Equal(t, subscribedAt, stored.SubscribedAt())
			assert.Empty(t, ledger(t, store))

			entries := store.OutboxEntries()
			require.Len(t, entries, 1)
			assert.Equal(t, domain.QueueDowngradeScheduled, entries[0].Queue)
			gateway.AssertNotCalled(t, "ChargeFirstAvailableMethod", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestChangePlan_Validation(t *testing.T) {
	ctx := context.Background()
	store, gateway, interactor := setup(t)

	_, err := interactor.Execute(ctx, request("plan-basic"))
	assert.ErrorIs(t, err, domain.ErrSameNewPlanRequested)

	_, err = interactor.Execute(ctx, request("plan-missing"))
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		sub, err := tx.Subscriptions().GetByID(ctx, "sub-1")
		if err != nil {
			return err
		}
		sub.Cancel(domain.FixedClock{FixedTime: changedAt})
		return tx.Subscriptions().Update(ctx, sub)
	}))
	_, err = interactor.Execute(ctx, request("plan-pro"))
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotActive)

	gateway.AssertNotCalled(t, "ChargeFirstAvailableMethod", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, ledger(t, store))
}

func TestChangePlan_ConcurrentModificationKeepsPayment(t *testing.T) {
	ctx := context.Background()
	store, gateway, interactor := setup(t)
	gateway.On("ChargeFirstAvailableMethod", mock.Anything, "cus_1", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			// Another request cancels the subscription while the charge is in flight.
			require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
				sub, err := tx.Subscriptions().GetByID(ctx, "sub-1")
				if err != nil {
					return err
				}
				sub.Cancel(domain.FixedClock{FixedTime: changedAt})
				return tx.Subscriptions().Update(ctx, sub)
			}))
		}).
		Return(domain.ChargeSucceeded{PaymentRef: "pi_up"}, nil)

	_, err := interactor.Execute(ctx, request("plan-pro"))

	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, domain.StatusCanceled, load(t, store).Status())
	assert.Equal(t, "plan-basic", load(t, store).PlanID())
	require.Len(t, ledger(t, store), 1)
}
