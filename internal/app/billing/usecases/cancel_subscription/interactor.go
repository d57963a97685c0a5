package cancel_subscription

import (
	"context"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
)

// Request contains the input for canceling a subscription
type Request struct {
	TenantID       string
	AccountID      string
	SubscriptionID string
}

// Interactor handles the cancel subscription use case
type Interactor struct {
	uow   contracts.UnitOfWork
	clock domain.Clock
}

// NewInteractor creates a new cancel subscription interactor
func NewInteractor(uow contracts.UnitOfWork, clock domain.Clock) *Interactor {
	return &Interactor{
		uow:   uow,
		clock: clock,
	}
}

// Execute cancels the subscription. Canceling an already canceled
// subscription succeeds with a nil event and changes nothing.
func (i *Interactor) Execute(ctx context.Context, req Request) (*domain.SubscriptionCanceledEvent, error) {
	var event *domain.SubscriptionCanceledEvent
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		event = nil

		// 1. Load subscription
		sub, err := tx.Subscriptions().Get(ctx, req.TenantID, req.AccountID, req.SubscriptionID)
		if err != nil {
			return err
		}

		// 2. Apply the transition
		event = sub.Cancel(i.clock)
		if event == nil {
			return nil
		}

		// 3. Save state and stage the event
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		return outbox.Put(ctx, tx.Outbox(), event)
	})
	if err != nil {
		return nil, err
	}

	return event, nil
}
