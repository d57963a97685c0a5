package change_plan

import (
	"context"
	"errors"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/payments"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/pricing"
)

// Request contains the input for changing a subscription's plan
type Request struct {
	TenantID       string
	AccountID      string
	SubscriptionID string
	NewPlanID      string
}

// Interactor handles upgrades and downgrades
type Interactor struct {
	uow     contracts.UnitOfWork
	charger *payments.Charger
	clock   domain.Clock
}

// NewInteractor creates a new change plan interactor
func NewInteractor(uow contracts.UnitOfWork, charger *payments.Charger, clock domain.Clock) *Interactor {
	return &Interactor{
		uow:     uow,
		charger: charger,
		clock:   clock,
	}
}

type quote struct {
	sub      *domain.Subscription
	oldCost  domain.Money
	newCost  domain.Money
	customer *domain.Customer
}

// Execute moves the subscription to NewPlanID. A strictly more expensive
// plan is charged and applied immediately; an equal or cheaper plan is
// scheduled for the next renewal without charging.
func (i *Interactor) Execute(ctx context.Context, req Request) (*domain.Subscription, error) {
	// 1. Load subscription and price both plans at the same term and add-ons
	var q quote
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		if q.sub, err = tx.Subscriptions().Get(ctx, req.TenantID, req.AccountID, req.SubscriptionID); err != nil {
			return err
		}
		if err := q.sub.CheckPlanChange(req.NewPlanID); err != nil {
			return err
		}
		if q.oldCost, err = pricing.Quote(ctx, tx.Plans(), req.TenantID, q.sub.PlanID(), q.sub.Term(), q.sub.RequestedAddOns()); err != nil {
			return err
		}
		if q.newCost, err = pricing.Quote(ctx, tx.Plans(), req.TenantID, req.NewPlanID, q.sub.Term(), q.sub.RequestedAddOns()); err != nil {
			return err
		}
		q.customer, err = tx.Customers().GetByAccount(ctx, req.TenantID, req.AccountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	upgrade, err := q.newCost.GreaterThan(q.oldCost)
	if err != nil {
		return nil, err
	}

	if !upgrade {
		return i.downgrade(ctx, q.sub, req.NewPlanID)
	}
	return i.upgrade(ctx, q, req.NewPlanID)
}

func (i *Interactor) downgrade(ctx context.Context, seen *domain.Subscription, newPlanID string) (*domain.Subscription, error) {
	var sub *domain.Subscription
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		if sub, err = reload(ctx, tx, seen); err != nil {
			return err
		}
		event, err := sub.Downgrade(newPlanID, i.clock)
		if err != nil {
			return err
		}
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		return outbox.Put(ctx, tx.Outbox(), event)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (i *Interactor) upgrade(ctx context.Context, q quote, newPlanID string) (*domain.Subscription, error) {
	// 2. Charge the full new cost outside the transaction
	result, err := i.charger.Charge(ctx, q.customer, q.newCost, q.sub.UpgradeIdempotencyKey(newPlanID))
	if err != nil {
		return nil, err
	}

	// 3. Record the payment and apply the upgrade together. If the
	// subscription changed meanwhile the payment is still recorded.
	var (
		sub      *domain.Subscription
		conflict bool
	)
	err = i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		conflict = false
		if err := payments.Record(ctx, tx, result.Payment); err != nil {
			return err
		}
		if !result.Charged {
			return nil
		}

		var err error
		sub, err = reload(ctx, tx, q.sub)
		if errors.Is(err, domain.ErrConcurrentModification) {
			conflict = true
			return nil
		}
		if err != nil {
			return err
		}

		event, err := sub.Upgrade(newPlanID, q.newCost, i.clock)
		if err != nil {
			return err
		}
		if err := tx.Subscriptions().Update(ctx, sub); err != nil {
			return err
		}
		return outbox.Put(ctx, tx.Outbox(), event)
	})
	if err != nil {
		return nil, err
	}

	if !result.Charged {
		return nil, result.Err()
	}
	if conflict {
		return nil, domain.ErrConcurrentModification
	}
	return sub, nil
}

// reload re-reads seen inside tx and fails if it was modified since.
func reload(ctx context.Context, tx contracts.Tx, seen *domain.Subscription) (*domain.Subscription, error) {
	sub, err := tx.Subscriptions().GetByID(ctx, seen.ID())
	if err != nil {
		return nil, err
	}
	if sub.Version() != seen.Version() {
		return nil, domain.ErrConcurrentModification
	}
	return sub, nil
}
