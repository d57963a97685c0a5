package domain

// ChargeOutcome is the result of charging a customer's first payment method.
// Implementations: ChargeSucceeded, ChargeDeclined, ChargeNeedsAuthentication,
// NoPaymentMethods.
type ChargeOutcome interface {
	isChargeOutcome()
}

type ChargeSucceeded struct {
	PaymentRef string
}

type ChargeDeclined struct {
	PaymentRef string
}

// ChargeNeedsAuthentication means the customer must confirm the payment
// on-session before it can complete.
type ChargeNeedsAuthentication struct {
	PaymentRef string
}

type NoPaymentMethods struct{}

func (ChargeSucceeded) isChargeOutcome()           {}
func (ChargeDeclined) isChargeOutcome()            {}
func (ChargeNeedsAuthentication) isChargeOutcome() {}
func (NoPaymentMethods) isChargeOutcome()          {}
