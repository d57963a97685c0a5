// Package pricing resolves the cost of a plan selection.
package pricing

import (
	"context"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

// Quote loads the tenant's plan and prices it for term and addOns.
func Quote(ctx context.Context, plans contracts.PlanRepository, tenantID, planID string, term domain.Term, addOns []domain.RequestedAddOn) (domain.Money, error) {
	plan, err := plans.Get(ctx, tenantID, planID)
	if err != nil {
		return domain.Money{}, err
	}
	return plan.CalculateCost(term, addOns)
}
