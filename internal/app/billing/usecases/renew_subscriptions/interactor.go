package renew_subscriptions

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/payments"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/pricing"
	"github.com/wuyiadepoju/subscription-billing/internal/observability"
)

const defaultBatchSize = 500

// Report summarizes one renewal pass.
type Report struct {
	Renewed int
	Failed  int
	// Skipped subscriptions stay active and are picked up by the next pass.
	Skipped int
}

// Interactor renews due subscriptions, either as one batch pass or one
// subscription at a time for the renewal workflow.
type Interactor struct {
	uow       contracts.UnitOfWork
	charger   *payments.Charger
	clock     domain.Clock
	logger    logrus.FieldLogger
	metrics   *observability.Metrics
	batchSize int
}

// NewInteractor creates a new renew subscriptions interactor
func NewInteractor(uow contracts.UnitOfWork, charger *payments.Charger, clock domain.Clock, logger logrus.FieldLogger, metrics *observability.Metrics, batchSize int) *Interactor {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Interactor{
		uow:       uow,
		charger:   charger,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

type attempt struct {
	seen   *domain.Subscription
	cost   domain.Money
	result payments.Result
}

// Execute charges every due subscription, then commits all outcomes in one
// transaction. Subscriptions that cannot be charged (missing plan or
// customer, no payment method, provider errors) are skipped. A subscription
// modified between charge and commit keeps its ledger row but is not
// transitioned.
func (i *Interactor) Execute(ctx context.Context) (Report, error) {
	var report Report

	// 1. Select due subscriptions
	due, err := i.listDue(ctx, i.clock.Now())
	if err != nil {
		return report, err
	}

	// 2. Charge each one outside the transaction
	attempts := make([]attempt, 0, len(due))
	for _, sub := range due {
		log := i.logger.WithField("subscription_id", sub.ID())
		cost, customer, err := i.prepare(ctx, sub)
		if err == nil {
			var result payments.Result
			if result, err = i.charger.Charge(ctx, customer, cost, sub.RenewalIdempotencyKey()); err == nil {
				attempts = append(attempts, attempt{seen: sub, cost: cost, result: result})
				continue
			}
		}
		log.WithError(err).Warn("skipping renewal")
		report.Skipped++
		i.metrics.RecordRenewal("skipped")
	}
	if len(attempts) == 0 {
		return report, nil
	}

	// 3. Commit the whole pass at once
	var renewed, failed, conflicts int
	err = i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		renewed, failed, conflicts = 0, 0, 0
		for _, a := range attempts {
			if err := payments.Record(ctx, tx, a.result.Payment); err != nil {
				return err
			}
			sub, err := tx.Subscriptions().GetByID(ctx, a.seen.ID())
			if err != nil {
				return err
			}
			if sub.Version() != a.seen.Version() {
				conflicts++
				i.logger.WithField("subscription_id", sub.ID()).Warn("subscription changed during renewal, transition skipped")
				continue
			}
			if err := i.apply(ctx, tx, sub, a.cost, a.result.Charged); err != nil {
				return err
			}
			if a.result.Charged {
				renewed++
			} else {
				failed++
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	report.Renewed += renewed
	report.Failed += failed
	report.Skipped += conflicts
	for n := 0; n < renewed; n++ {
		i.metrics.RecordRenewal("renewed")
	}
	for n := 0; n < failed; n++ {
		i.metrics.RecordRenewal("failed")
	}
	for n := 0; n < conflicts; n++ {
		i.metrics.RecordRenewal("skipped")
	}

	i.logger.WithFields(logrus.Fields{
		"renewed": report.Renewed,
		"failed":  report.Failed,
		"skipped": report.Skipped,
	}).Info("renewal pass finished")

	return report, nil
}

// DueSubscriptionIDs lists subscriptions the workflow should renew now.
func (i *Interactor) DueSubscriptionIDs(ctx context.Context) ([]string, error) {
	due, err := i.listDue(ctx, i.clock.Now())
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(due))
	for n, sub := range due {
		ids[n] = sub.ID()
	}
	return ids, nil
}

// ChargeForRenewal charges the current period of one subscription and
// records the ledger row. Retrying it for the same period reuses the
// idempotency key, so the customer is charged at most once.
func (i *Interactor) ChargeForRenewal(ctx context.Context, subscriptionID string) (bool, error) {
	var sub *domain.Subscription
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		if sub, err = tx.Subscriptions().GetByID(ctx, subscriptionID); err != nil {
			return err
		}
		return checkDue(sub, i.clock.Now())
	})
	if err != nil {
		return false, err
	}

	cost, customer, err := i.prepare(ctx, sub)
	if err != nil {
		return false, err
	}
	result, err := i.charger.Charge(ctx, customer, cost, sub.RenewalIdempotencyKey())
	if err != nil {
		return false, err
	}

	err = i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		return payments.Record(ctx, tx, result.Payment)
	})
	if err != nil {
		return false, err
	}
	return result.Charged, nil
}

// MarkRenewalSuccess applies the effective plan and advances the renewal
// date. It does nothing if the renewal was already applied.
func (i *Interactor) MarkRenewalSuccess(ctx context.Context, subscriptionID string) error {
	return i.mark(ctx, subscriptionID, true)
}

// MarkRenewalFailure deactivates the subscription. It does nothing if the
// subscription is no longer due.
func (i *Interactor) MarkRenewalFailure(ctx context.Context, subscriptionID string) error {
	return i.mark(ctx, subscriptionID, false)
}

func (i *Interactor) mark(ctx context.Context, subscriptionID string, charged bool) error {
	applied := false
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		applied = false
		sub, err := tx.Subscriptions().GetByID(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.IsDueForRenewal(i.clock.Now()) {
			return nil
		}
		var cost domain.Money
		if charged {
			if cost, err = pricing.Quote(ctx, tx.Plans(), sub.TenantID(), sub.EffectivePlanID(), sub.Term(), sub.RequestedAddOns()); err != nil {
				return err
			}
		}
		if err := i.apply(ctx, tx, sub, cost, charged); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}

	if applied {
		if charged {
			i.metrics.RecordRenewal("renewed")
		} else {
			i.metrics.RecordRenewal("failed")
		}
	}
	return nil
}

func (i *Interactor) apply(ctx context.Context, tx contracts.Tx, sub *domain.Subscription, cost domain.Money, charged bool) error {
	var event domain.Event
	if charged {
		renewed, err := sub.RenewalSucceeded(cost, i.clock)
		if err != nil {
			return err
		}
		event = renewed
	} else {
		failed, err := sub.RenewalFailed(i.clock)
		if err != nil {
			return err
		}
		event = failed
	}
	if err := tx.Subscriptions().Update(ctx, sub); err != nil {
		return err
	}
	return outbox.Put(ctx, tx.Outbox(), event)
}

func (i *Interactor) listDue(ctx context.Context, now time.Time) ([]*domain.Subscription, error) {
	var due []*domain.Subscription
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		due, err = tx.Subscriptions().ListDueForRenewal(ctx, now, i.batchSize)
		return err
	})
	return due, err
}

// prepare prices the effective plan and loads the payment profile.
func (i *Interactor) prepare(ctx context.Context, sub *domain.Subscription) (domain.Money, *domain.Customer, error) {
	var (
		cost     domain.Money
		customer *domain.Customer
	)
	err := i.uow.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
		var err error
		if cost, err = pricing.Quote(ctx, tx.Plans(), sub.TenantID(), sub.EffectivePlanID(), sub.Term(), sub.RequestedAddOns()); err != nil {
			return err
		}
		customer, err = tx.Customers().GetByAccount(ctx, sub.TenantID(), sub.AccountID())
		return err
	})
	return cost, customer, err
}

func checkDue(sub *domain.Subscription, now time.Time) error {
	if sub.Status() != domain.StatusActive {
		return domain.ErrSubscriptionNotActive
	}
	if !sub.IsDueForRenewal(now) {
		return domain.ErrRenewalNotDue
	}
	return nil
}
