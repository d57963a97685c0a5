// Package payments turns gateway outcomes into ledger rows.
package payments

import (
	"context"
	"fmt"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/observability"
)

// Result is the reconciled outcome of one charge attempt.
type Result struct {
	Charged bool
	// Payment is the ledger row to record; nil when the provider gave no
	// terminal answer.
	Payment *domain.Payment
	Outcome domain.ChargeOutcome
}

// Err maps an uncharged result to the error surfaced to callers.
func (r Result) Err() error {
	if r.Charged {
		return nil
	}
	if _, ok := r.Outcome.(domain.ChargeNeedsAuthentication); ok {
		return domain.ErrChargeIncomplete
	}
	return domain.ErrChargeDeclined
}

// Charger charges customers through the gateway.
type Charger struct {
	gateway contracts.PaymentGateway
	clock   domain.Clock
	metrics *observability.Metrics
}

func NewCharger(gateway contracts.PaymentGateway, clock domain.Clock, metrics *observability.Metrics) *Charger {
	return &Charger{
		gateway: gateway,
		clock:   clock,
		metrics: metrics,
	}
}

// Charge bills customer for amount. NoPaymentMethods is returned as
// domain.ErrNoPaymentMethods; declines are a Result, not an error.
func (c *Charger) Charge(ctx context.Context, customer *domain.Customer, amount domain.Money, idempotencyKey string) (Result, error) {
	outcome, err := c.gateway.ChargeFirstAvailableMethod(ctx, customer.ProviderCustomerID(), amount, idempotencyKey)
	if err != nil {
		c.metrics.RecordCharge("error")
		return Result{}, err
	}

	newPayment := func(status domain.PaymentStatus, ref string) *domain.Payment {
		return domain.NewPayment(domain.PaymentID(idempotencyKey), customer.TenantID(), customer.AccountID(),
			amount, status, ref, c.clock.Now())
	}

	switch o := outcome.(type) {
	case domain.ChargeSucceeded:
		c.metrics.RecordCharge("succeeded")
		return Result{Charged: true, Payment: newPayment(domain.PaymentSuccess, o.PaymentRef), Outcome: o}, nil
	case domain.ChargeDeclined:
		c.metrics.RecordCharge("declined")
		return Result{Payment: newPayment(domain.PaymentFailure, o.PaymentRef), Outcome: o}, nil
	case domain.ChargeNeedsAuthentication:
		c.metrics.RecordCharge("needs_authentication")
		return Result{Outcome: o}, nil
	case domain.NoPaymentMethods:
		c.metrics.RecordCharge("no_payment_methods")
		return Result{}, domain.ErrNoPaymentMethods
	default:
		return Result{}, fmt.Errorf("unexpected charge outcome %T", outcome)
	}
}

// Record stages the ledger row and its event in tx. A nil payment is a no-op.
func Record(ctx context.Context, tx contracts.Tx, payment *domain.Payment) error {
	if payment == nil {
		return nil
	}
	if err := tx.Payments().Add(ctx, payment); err != nil {
		return err
	}
	return outbox.Put(ctx, tx.Outbox(), payment.RecordedEvent())
}
