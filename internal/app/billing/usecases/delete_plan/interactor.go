package delete_plan

import (
	"context"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
)

// Interactor handles the delete plan use case
type Interactor struct {
	uow contracts.UnitOfWork
}

// NewInteractor creates a new delete plan interactor
func NewInteractor(uow contracts.UnitOfWork) *Interactor {
	return &Interactor{uow: uow}
}

// Execute removes the tenant's plan. Subscriptions referencing it are left
// untouched, and deleting a missing plan is not an error.
func (i *Interactor) Execute(ctx context.Context, tenantID, planID string) error {
	return i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return tx.Plans().Delete(ctx, tenantID, planID)
	})
}
