package open_account

import (
	"context"
	"errors"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

// Request contains the input for opening a billing account
type Request struct {
	TenantID  string
	AccountID string
}

// Interactor handles the open account use case
type Interactor struct {
	uow     contracts.UnitOfWork
	gateway contracts.PaymentGateway
}

// NewInteractor creates a new open account interactor
func NewInteractor(uow contracts.UnitOfWork, gateway contracts.PaymentGateway) *Interactor {
	return &Interactor{
		uow:     uow,
		gateway: gateway,
	}
}

// Execute creates the provider customer for an account and stores the link.
func (i *Interactor) Execute(ctx context.Context, req Request) (*domain.Customer, error) {
	if req.TenantID == "" {
		return nil, domain.ErrInvalidTenantID
	}
	if req.AccountID == "" {
		return nil, domain.ErrInvalidAccountID
	}

	// 1. Reject accounts that already have a customer
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		_, err := tx.Customers().GetByAccount(ctx, req.TenantID, req.AccountID)
		if err == nil {
			return domain.ErrCustomerAlreadyExists
		}
		if errors.Is(err, domain.ErrCustomerNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	// 2. Create the customer with the provider
	setup, err := i.gateway.SetupNewCustomer(ctx)
	if err != nil {
		return nil, err
	}

	customer, err := domain.NewCustomer(req.AccountID, req.TenantID, setup.CustomerRef, setup.SetupRef)
	if err != nil {
		return nil, err
	}

	// 3. Persist the link
	err = i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Customers().Add(ctx, customer)
	})
	if err != nil {
		return nil, err
	}

	return customer, nil
}
