package domain

import "fmt"

// Plan is a tenant's priced offering. Plans are immutable once created.
type Plan struct {
	id          string
	tenantID    string
	name        string
	basePrice   Money
	description string
	addOns      []AddOn
}

// NewPlan creates a plan, rejecting empty names and duplicate add-on names.
func NewPlan(id, tenantID, name string, basePrice Money, description string, addOns []AddOn) (*Plan, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenantID
	}
	if name == "" {
		return nil, ErrInvalidPlanName
	}
	if basePrice.Currency() == "" {
		return nil, ErrInvalidAmount
	}
	seen := make(map[string]struct{}, len(addOns))
	for _, a := range addOns {
		if _, dup := seen[a.AddOnName()]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAddOn, a.AddOnName())
		}
		seen[a.AddOnName()] = struct{}{}
	}
	return ReconstructPlan(id, tenantID, name, basePrice, description, addOns), nil
}

// ReconstructPlan rebuilds a plan from persisted data without validation.
func ReconstructPlan(id, tenantID, name string, basePrice Money, description string, addOns []AddOn) *Plan {
	return &Plan{
		id:          id,
		tenantID:    tenantID,
		name:        name,
		basePrice:   basePrice,
		description: description,
		addOns:      append([]AddOn(nil), addOns...),
	}
}

func (p *Plan) ID() string          { return p.id }
func (p *Plan) TenantID() string    { return p.tenantID }
func (p *Plan) Name() string        { return p.name }
func (p *Plan) BasePrice() Money    { return p.basePrice }
func (p *Plan) Description() string { return p.description }
func (p *Plan) AddOns() []AddOn     { return append([]AddOn(nil), p.addOns...) }

func (p *Plan) addOn(name string) (AddOn, bool) {
	for _, a := range p.addOns {
		if a.AddOnName() == name {
			return a, true
		}
	}
	return nil, false
}

// CalculateCost prices the plan for one term: base price plus each requested
// add-on, times the term multiplier.
func (p *Plan) CalculateCost(term Term, requested []RequestedAddOn) (Money, error) {
	if err := term.Validate(); err != nil {
		return Money{}, err
	}
	total := p.basePrice
	for _, r := range requested {
		if r.Quantity < 1 {
			return Money{}, fmt.Errorf("%w: %s=%d", ErrInvalidQuantity, r.Name, r.Quantity)
		}
		addOn, ok := p.addOn(r.Name)
		if !ok {
			return Money{}, &AddOnNotFoundError{Name: r.Name}
		}
		price, err := addOn.CalculatePrice(r.Quantity)
		if err != nil {
			return Money{}, err
		}
		if total, err = total.Add(price); err != nil {
			return Money{}, err
		}
	}
	return total.Multiply(term.Multiplier())
}
