package get_client_secret

import (
	"context"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

// Interactor returns the secret a payment page needs to collect a card
type Interactor struct {
	uow     contracts.UnitOfWork
	gateway contracts.PaymentGateway
}

// NewInteractor creates a new get client secret interactor
func NewInteractor(uow contracts.UnitOfWork, gateway contracts.PaymentGateway) *Interactor {
	return &Interactor{
		uow:     uow,
		gateway: gateway,
	}
}

// Execute looks up the account's setup reference and asks the provider for
// its client secret.
func (i *Interactor) Execute(ctx context.Context, tenantID, accountID string) (string, error) {
	var customer *domain.Customer
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		customer, err = tx.Customers().GetByAccount(ctx, tenantID, accountID)
		return err
	})
	if err != nil {
		return "", err
	}

	return i.gateway.GetClientSecret(ctx, customer.ProviderSetupRef())
}
