package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/setupintent"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

var _ contracts.PaymentGateway = (*StripeGateway)(nil)

// StripeGateway implements PaymentGateway with Stripe customers, setup
// intents and off-session payment intents.
type StripeGateway struct{}

// NewStripeGateway configures the Stripe client with apiKey.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

// SetupNewCustomer creates a customer and a setup intent used to collect
// their first payment method.
func (g *StripeGateway) SetupNewCustomer(ctx context.Context) (contracts.CustomerSetup, error) {
	c, err := customer.New(&stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return contracts.CustomerSetup{}, fmt.Errorf("billing: create stripe customer: %w", err)
	}

	si, err := setupintent.New(&stripe.SetupIntentParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(c.ID),
		AutomaticPaymentMethods: &stripe.SetupIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	})
	if err != nil {
		return contracts.CustomerSetup{}, fmt.Errorf("billing: create stripe setup intent: %w", err)
	}

	return contracts.CustomerSetup{CustomerRef: c.ID, SetupRef: si.ID}, nil
}

// ChargeFirstAvailableMethod confirms an off-session payment intent against
// the customer's first card. Provider decline codes are translated into
// domain outcomes here and nowhere else.
func (g *StripeGateway) ChargeFirstAvailableMethod(ctx context.Context, customerRef string, amount domain.Money, idempotencyKey string) (domain.ChargeOutcome, error) {
	units, err := amount.MinorUnitsInt64()
	if err != nil {
		return nil, fmt.Errorf("billing: stripe amount: %w", err)
	}

	listParams := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerRef),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	listParams.Single = true

	methods := paymentmethod.List(listParams)
	if !methods.Next() {
		if err := methods.Err(); err != nil {
			return nil, fmt.Errorf("billing: list stripe payment methods: %w", err)
		}
		return domain.NoPaymentMethods{}, nil
	}
	method := methods.PaymentMethod()

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(units),
		Currency:      stripe.String(strings.ToLower(amount.Currency())),
		Customer:      stripe.String(customerRef),
		PaymentMethod: stripe.String(method.ID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard && stripeErr.PaymentIntent != nil {
			if stripeErr.Code == stripe.ErrorCodeAuthenticationRequired {
				return domain.ChargeNeedsAuthentication{PaymentRef: stripeErr.PaymentIntent.ID}, nil
			}
			return domain.ChargeDeclined{PaymentRef: stripeErr.PaymentIntent.ID}, nil
		}
		return nil, fmt.Errorf("billing: create stripe payment intent: %w", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		return domain.ChargeSucceeded{PaymentRef: pi.ID}, nil
	case stripe.PaymentIntentStatusRequiresAction:
		return domain.ChargeNeedsAuthentication{PaymentRef: pi.ID}, nil
	default:
		return domain.ChargeDeclined{PaymentRef: pi.ID}, nil
	}
}

func (g *StripeGateway) GetClientSecret(ctx context.Context, setupRef string) (string, error) {
	si, err := setupintent.Get(setupRef, &stripe.SetupIntentParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return "", fmt.Errorf("billing: get stripe setup intent: %w", err)
	}
	if si.ClientSecret == "" {
		return "", domain.ErrClientSecretUnavailable
	}
	return si.ClientSecret, nil
}
