package create_plan

import (
	"context"

	"github.com/google/uuid"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

// Request contains the input for creating a plan
type Request struct {
	TenantID    string
	Name        string
	BasePrice   domain.Money
	Description string
	AddOns      []domain.AddOn
}

// Interactor handles the create plan use case
type Interactor struct {
	uow contracts.UnitOfWork
}

// NewInteractor creates a new create plan interactor
func NewInteractor(uow contracts.UnitOfWork) *Interactor {
	return &Interactor{uow: uow}
}

// Execute validates and stores a new plan. Names are unique per tenant.
func (i *Interactor) Execute(ctx context.Context, req Request) (*domain.Plan, error) {
	plan, err := domain.NewPlan(uuid.NewString(), req.TenantID, req.Name, req.BasePrice, req.Description, req.AddOns)
	if err != nil {
		return nil, err
	}

	err = i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Plans().Add(ctx, plan)
	})
	if err != nil {
		return nil, err
	}

	return plan, nil
}
