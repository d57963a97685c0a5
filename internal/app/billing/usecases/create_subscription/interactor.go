package create_subscription

import (
	"context"

	"github.com/google/uuid"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/payments"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/pricing"
)

// Request contains the input for creating a subscription
type Request struct {
	TenantID  string
	AccountID string
	PlanID    string
	Term      domain.Term
	AddOns    []domain.RequestedAddOn
}

// Interactor handles the create subscription use case
type Interactor struct {
	uow     contracts.UnitOfWork
	charger *payments.Charger
	clock   domain.Clock
}

// NewInteractor creates a new create subscription interactor
func NewInteractor(uow contracts.UnitOfWork, charger *payments.Charger, clock domain.Clock) *Interactor {
	return &Interactor{
		uow:     uow,
		charger: charger,
		clock:   clock,
	}
}

// Execute charges the first term and, only if the charge succeeds, stores
// an active subscription. A declined charge leaves a failed ledger row and
// no subscription.
func (i *Interactor) Execute(ctx context.Context, req Request) (*domain.Subscription, *domain.SubscriptionCreatedEvent, error) {
	// 1. Create domain aggregate (not persisted yet)
	sub, event, err := domain.NewSubscription(uuid.NewString(), req.TenantID, req.AccountID, req.PlanID, req.Term, req.AddOns, i.clock)
	if err != nil {
		return nil, nil, err
	}

	// 2. Price the plan and load the payment profile
	var (
		cost     domain.Money
		customer *domain.Customer
	)
	err = i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		if cost, err = pricing.Quote(ctx, tx.Plans(), req.TenantID, req.PlanID, req.Term, req.AddOns); err != nil {
			return err
		}
		customer, err = tx.Customers().GetByAccount(ctx, req.TenantID, req.AccountID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	// 3. Charge outside the transaction
	result, err := i.charger.Charge(ctx, customer, cost, sub.SubscribeIdempotencyKey())
	if err != nil {
		return nil, nil, err
	}
	event.Charged = cost

	// 4. Persist ledger row, subscription and events atomically
	err = i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		if err := payments.Record(ctx, tx, result.Payment); err != nil {
			return err
		}
		if !result.Charged {
			return nil
		}
		if err := tx.Subscriptions().Add(ctx, sub); err != nil {
			return err
		}
		return outbox.Put(ctx, tx.Outbox(), event)
	})
	if err != nil {
		return nil, nil, err
	}

	if !result.Charged {
		return nil, nil, result.Err()
	}
	return sub, event, nil
}
