package domain

import (
	"encoding/json"
	"fmt"
)

const (
	addOnKindUnit   = "unit"
	addOnKindFlat   = "flat"
	addOnKindTiered = "tiered"
)

// AddOn is an optional priced feature of a plan. The set of implementations
// is closed: UnitPriceAddOn, FlatPriceAddOn and TieredAddOn.
type AddOn interface {
	AddOnName() string
	CalculatePrice(quantity int) (Money, error)
	kind() string
}

// UnitPriceAddOn costs UnitPrice for each requested unit.
type UnitPriceAddOn struct {
	Name      string
	UnitPrice Money
}

func (a UnitPriceAddOn) AddOnName() string { return a.Name }
func (a UnitPriceAddOn) kind() string      { return addOnKindUnit }

func (a UnitPriceAddOn) CalculatePrice(quantity int) (Money, error) {
	return a.UnitPrice.Multiply(int64(quantity))
}

// FlatPriceAddOn costs FlatPrice whatever the quantity.
type FlatPriceAddOn struct {
	Name      string
	FlatPrice Money
}

func (a FlatPriceAddOn) AddOnName() string { return a.Name }
func (a FlatPriceAddOn) kind() string      { return addOnKindFlat }

func (a FlatPriceAddOn) CalculatePrice(int) (Money, error) {
	return a.FlatPrice, nil
}

// TieredAddOn prices only the quantities listed in Tiers.
type TieredAddOn struct {
	Name  string
	Tiers map[int]Money
}

func (a TieredAddOn) AddOnName() string { return a.Name }
func (a TieredAddOn) kind() string      { return addOnKindTiered }

func (a TieredAddOn) CalculatePrice(quantity int) (Money, error) {
	price, ok := a.Tiers[quantity]
	if !ok {
		return Money{}, &InvalidTierRequestedError{
			AddOnName:      a.Name,
			Quantity:       quantity,
			AvailableTiers: sortedTiers(a.Tiers),
		}
	}
	return price, nil
}

// RequestedAddOn is the caller's selection of an add-on and its quantity.
type RequestedAddOn struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type addOnJSON struct {
	Kind      string        `json:"kind"`
	Name      string        `json:"name"`
	UnitPrice *Money        `json:"unit_price,omitempty"`
	FlatPrice *Money        `json:"flat_price,omitempty"`
	Tiers     map[int]Money `json:"tiers,omitempty"`
}

// MarshalAddOns encodes add-ons as a JSON array tagged by "kind".
func MarshalAddOns(addOns []AddOn) ([]byte, error) {
	out := make([]addOnJSON, 0, len(addOns))
	for _, a := range addOns {
		rec := addOnJSON{Kind: a.kind(), Name: a.AddOnName()}
		switch v := a.(type) {
		case UnitPriceAddOn:
			price := v.UnitPrice
			rec.UnitPrice = &price
		case FlatPriceAddOn:
			price := v.FlatPrice
			rec.FlatPrice = &price
		case TieredAddOn:
			rec.Tiers = v.Tiers
		default:
			return nil, fmt.Errorf("unknown add-on type %T", a)
		}
		out = append(out, rec)
	}
	return json.Marshal(out)
}

// UnmarshalAddOns decodes the output of MarshalAddOns.
func UnmarshalAddOns(data []byte) ([]AddOn, error) {
	var recs []addOnJSON
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	addOns := make([]AddOn, 0, len(recs))
	for _, rec := range recs {
		switch rec.Kind {
		case addOnKindUnit:
			if rec.UnitPrice == nil {
				return nil, fmt.Errorf("add-on %q: missing unit_price", rec.Name)
			}
			addOns = append(addOns, UnitPriceAddOn{Name: rec.Name, UnitPrice: *rec.UnitPrice})
		case addOnKindFlat:
			if rec.FlatPrice == nil {
				return nil, fmt.Errorf("add-on %q: missing flat_price", rec.Name)
			}
			addOns = append(addOns, FlatPriceAddOn{Name: rec.Name, FlatPrice: *rec.FlatPrice})
		case addOnKindTiered:
			addOns = append(addOns, TieredAddOn{Name: rec.Name, Tiers: rec.Tiers})
		default:
			return nil, fmt.Errorf("add-on %q: unknown kind %q", rec.Name, rec.Kind)
		}
	}
	return addOns, nil
}
