package contracts

import (
	"context"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

// CustomerSetup identifies a freshly created provider customer and the
// setup flow used to collect its payment method.
type CustomerSetup struct {
	CustomerRef string
	SetupRef    string
}

// PaymentGateway defines the interface to the payment provider
type PaymentGateway interface {
	SetupNewCustomer(ctx context.Context) (CustomerSetup, error)
	// ChargeFirstAvailableMethod charges the customer's first stored payment
	// method. Calls with the same idempotencyKey must not charge twice.
	ChargeFirstAvailableMethod(ctx context.Context, customerRef string, amount domain.Money, idempotencyKey string) (domain.ChargeOutcome, error)
	GetClientSecret(ctx context.Context, setupRef string) (string, error)
}
