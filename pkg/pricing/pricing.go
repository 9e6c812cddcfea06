// Package pricing derives storefront prices from reference prices.
//
// All arithmetic runs on decimal.Decimal and ends in integer minor units;
// there is no float64 on the price path.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMissingReferencePrice is returned when an item has no linked reference record.
var ErrMissingReferencePrice = errors.New("missing reference price")

// MarginPolicy maps a cost to a price, both in minor units.
type MarginPolicy interface {
	Apply(cost decimal.Decimal) decimal.Decimal
}

// RoundingPolicy snaps a price to a configured price point.
type RoundingPolicy interface {
	Round(price decimal.Decimal) int64
}

// PercentMarkup adds Percent percent on top of the cost.
type PercentMarkup struct {
	Percent decimal.Decimal
}

func (p PercentMarkup) Apply(cost decimal.Decimal) decimal.Decimal {
	return cost.Mul(decimal.NewFromInt(100).Add(p.Percent)).Div(decimal.NewFromInt(100))
}

// FixedMarkup adds a fixed amount in minor units.
type FixedMarkup struct {
	Amount int64
}

func (f FixedMarkup) Apply(cost decimal.Decimal) decimal.Decimal {
	return cost.Add(decimal.NewFromInt(f.Amount))
}

// Chain applies margin policies in order.
type Chain []MarginPolicy

func (c Chain) Apply(cost decimal.Decimal) decimal.Decimal {
	for _, p := range c {
		cost = p.Apply(cost)
	}
	return cost
}

// NearestMultiple rounds half away from zero to the nearest multiple of Step.
type NearestMultiple struct {
	Step int64
}

func (n NearestMultiple) Round(price decimal.Decimal) int64 {
	if n.Step <= 1 {
		return price.Round(0).IntPart()
	}
	step := decimal.NewFromInt(n.Step)
	return price.Div(step).Round(0).Mul(step).IntPart()
}

// PriceEnding rounds up to the smallest price ending in Ending within each
// Step, e.g. Step 100 and Ending 90 gives 12.90, 13.90 and so on.
type PriceEnding struct {
	Step   int64
	Ending int64
}

func (p PriceEnding) Round(price decimal.Decimal) int64 {
	v := price.Ceil().IntPart()
	if p.Step <= 0 {
		return v
	}
	base := (v / p.Step) * p.Step
	candidate := base + p.Ending
	if candidate < v {
		candidate += p.Step
	}
	return candidate
}

// None keeps the exact price, truncated half-up to whole minor units.
type None struct{}

func (None) Round(price decimal.Decimal) int64 { return price.Round(0).IntPart() }

// Computer turns a reference price into a target storefront price.
type Computer struct {
	Margin   MarginPolicy
	Rounding RoundingPolicy
}

// Compute converts referencePrice by rate, applies the margin and rounds.
func (c Computer) Compute(referencePrice int64, rate decimal.Decimal) (int64, error) {
	return Compute(referencePrice, rate, c.Margin, c.Rounding)
}

// Compute is the functional form of Computer.Compute.
func Compute(referencePrice int64, rate decimal.Decimal, margin MarginPolicy, rounding RoundingPolicy) (int64, error) {
	if referencePrice <= 0 {
		return 0, fmt.Errorf("%w: reference price %d", ErrMissingReferencePrice, referencePrice)
	}
	if !rate.IsPositive() {
		return 0, fmt.Errorf("invalid exchange rate %s", rate)
	}
	cost := decimal.NewFromInt(referencePrice).Mul(rate)
	price := cost
	if margin != nil {
		price = margin.Apply(cost)
	}
	if rounding == nil {
		rounding = None{}
	}
	out := rounding.Round(price)
	if out <= 0 {
		return 0, fmt.Errorf("computed non-positive price %d from reference %d", out, referencePrice)
	}
	return out, nil
}

// RoundingFromConfig builds a rounding policy from its config name.
func RoundingFromConfig(mode string, step, ending int64) (RoundingPolicy, error) {
	switch mode {
	case "", "nearest":
		return NearestMultiple{Step: step}, nil
	case "ending":
		if ending < 0 || (step > 0 && ending >= step) {
			return nil, fmt.Errorf("price ending %d must be within [0,%d)", ending, step)
		}
		return PriceEnding{Step: step, Ending: ending}, nil
	case "none":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown rounding mode %q", mode)
	}
}
