package open_account

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
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
	return args.Get(0).(domain.ChargeOutcome), args.Error(1)
}

func (m *MockGateway) GetClientSecret(ctx context.Context, setupRef string) (string, error) {
	args := m.Called(ctx, setupRef)
	return args.String(0), args.Error(1)
}

func TestOpenAccount(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore(domain.RealClock{})
	gateway := new(MockGateway)
	gateway.On("SetupNewCustomer", ctx).Return(contracts.CustomerSetup{CustomerRef: "cus_1", SetupRef: "seti_1"}, nil).Once()
	interactor := NewInteractor(store, gateway)

	customer, err := interactor.Execute(ctx, Request{TenantID: "tenant-1", AccountID: "acct-1"})

	require.NoError(t, err)
	assert.Equal(t, "cus_1", customer.ProviderCustomerID())
	assert.Equal(t, "seti_1", customer.ProviderSetupRef())

	_, err = interactor.Execute(ctx, Request{TenantID: "tenant-1", AccountID: "acct-1"})
	assert.ErrorIs(t, err, domain.ErrCustomerAlreadyExists)
	gateway.AssertExpectations(t)
}

func TestOpenAccount_Errors(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore(domain.RealClock{})
	gateway := new(MockGateway)
	interactor := NewInteractor(store, gateway)

	_, err := interactor.Execute(ctx, Request{TenantID: "tenant-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidAccountID)

	boom := errors.New("provider down")
	gateway.On("SetupNewCustomer", ctx).Return(contracts.CustomerSetup{}, boom)
	_, err = interactor.Execute(ctx, Request{TenantID: "tenant-1", AccountID: "acct-1"})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := tx.Customers().GetByAccount(ctx, "tenant-1", "acct-1")
		assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
		return nil
	}))
}
