package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidAmount           = errors.New("amount must be non-negative and representable in the currency's minor units")
	ErrUnsupportedCurrency     = errors.New("unsupported currency")
	ErrAmountOutOfRange        = errors.New("amount does not fit in 64-bit minor units")
	ErrInvalidTerm             = errors.New("term must be monthly or yearly")
	ErrInvalidQuantity         = errors.New("add-on quantity must be positive")
	ErrDuplicateAddOn          = errors.New("add-on names must be unique within a plan")
	ErrInvalidPlanName         = errors.New("plan name cannot be empty")
	ErrInvalidTenantID         = errors.New("tenant ID cannot be empty")
	ErrInvalidAccountID        = errors.New("account ID cannot be empty")
	ErrInvalidPlanID           = errors.New("plan ID cannot be empty")
	ErrSameNewPlanRequested    = errors.New("new plan must differ from the current plan")
	ErrSubscriptionNotActive   = errors.New("subscription is not active")
	ErrRenewalNotDue           = errors.New("subscription is not due for renewal")
	ErrSubscriptionNotFound    = errors.New("subscription not found")
	ErrPlanNotFound            = errors.New("plan not found")
	ErrPlanNameTaken           = errors.New("plan name already taken for tenant")
	ErrCustomerNotFound        = errors.New("customer not found")
	ErrCustomerAlreadyExists   = errors.New("customer already exists for account")
	ErrConcurrentModification  = errors.New("subscription was modified concurrently")
	ErrChargeDeclined          = errors.New("charge declined")
	ErrChargeIncomplete        = errors.New("charge requires additional authentication")
	ErrNoPaymentMethods        = errors.New("customer has no payment methods")
	ErrClientSecretUnavailable = errors.New("client secret unavailable")
)

// AddOnNotFoundError is returned when a requested add-on is not offered by the plan.
type AddOnNotFoundError struct {
	Name string
}

func (e *AddOnNotFoundError) Error() string {
	return fmt.Sprintf("add-on %q not found", e.Name)
}

// InvalidTierRequestedError is returned when a tiered add-on has no price for the quantity.
type InvalidTierRequestedError struct {
	AddOnName      string
	Quantity       int
	AvailableTiers []int
}

func (e *InvalidTierRequestedError) Error() string {
	tiers := make([]string, len(e.AvailableTiers))
	for i, t := range e.AvailableTiers {
		tiers[i] = fmt.Sprint(t)
	}
	return fmt.Sprintf("tier %d does not exist for %s, available tiers: [%s]", e.Quantity, e.AddOnName, strings.Join(tiers, ", "))
}

// CurrencyMismatchError is returned by Money arithmetic across currencies.
type CurrencyMismatchError struct {
	Expected string
	Got      string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("same currency required: expected %s, got %s", e.Expected, e.Got)
}

func sortedTiers(tiers map[int]Money) []int {
	keys := make([]int, 0, len(tiers))
	for k := range tiers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
