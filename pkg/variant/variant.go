// Package variant splits box catalog entries into a box parent and a pack child
// that share one inventory pool.
package variant

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/pricing"
)

var (
	// ErrNotSplittable is returned for items that cannot act as a box parent.
	ErrNotSplittable = errors.New("variant: item cannot be split")
	// ErrInvalidConfig is returned for a non-positive ratio or a fraction outside (0,1].
	ErrInvalidConfig = errors.New("variant: invalid split config")
)

// PackSuffix is appended to the parent title to name the pack child.
const PackSuffix = " (Single Pack)"

// Config controls a split.
type Config struct {
	UnitsPerBox int64
	// Fraction of the box pool (in pack units) to move to the pack child.
	Fraction decimal.Decimal
	// PackPricing prices a single pack from the per-unit cost of a box.
	PackPricing pricing.Computer
}

// forItem prefers the ratio recorded on the catalog item.
func (c Config) forItem(it catalog.Item) Config {
	if it.UnitsPerBox > 0 {
		c.UnitsPerBox = it.UnitsPerBox
	}
	return c
}

func (c Config) validate() error {
	if c.UnitsPerBox <= 0 {
		return fmt.Errorf("%w: units per box %d", ErrInvalidConfig, c.UnitsPerBox)
	}
	if !c.Fraction.IsPositive() || c.Fraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: fraction %s", ErrInvalidConfig, c.Fraction)
	}
	return nil
}

// Result is the outcome of a split or rebalance.
type Result struct {
	NoOp bool

	ParentID    string
	ChildID     string // empty when the child still has to be created
	BoxBefore   int64
	BoxAfter    int64
	PackBefore  int64
	PackAfter   int64
	UnitsPerBox int64
	Requested   int64 // pack units asked for by the fraction
	Remainder   int64 // requested units left in the box parent as unopened stock
	PackPrice   int64
	ChildSpec   *catalog.VariantSpec
}

// PoolUnits is the pack-equivalent size of the shared pool.
func (r Result) PoolUnits() int64 { return r.BoxAfter*r.UnitsPerBox + r.PackAfter }

// Split plans the first split of a box parent. If existingChild is a pack
// child of parent the split has already happened and the result is a no-op.
func Split(parent catalog.Item, existingChild *catalog.Item, cfg Config) (Result, error) {
	cfg = cfg.forItem(parent)
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	if parent.Role == catalog.RolePackChild {
		return Result{}, fmt.Errorf("%w: %s is a pack child", ErrNotSplittable, parent.ID)
	}
	if parent.Inventory < 0 {
		return Result{}, fmt.Errorf("%w: negative inventory on %s", ErrNotSplittable, parent.ID)
	}
	if existingChild != nil && existingChild.Role == catalog.RolePackChild && existingChild.ParentID == parent.ID {
		return Result{
			NoOp:        true,
			ParentID:    parent.ID,
			ChildID:     existingChild.ID,
			BoxBefore:   parent.Inventory,
			BoxAfter:    parent.Inventory,
			PackBefore:  existingChild.Inventory,
			PackAfter:   existingChild.Inventory,
			UnitsPerBox: cfg.UnitsPerBox,
		}, nil
	}

	box, pack, requested, remainder := allocate(parent.Inventory*cfg.UnitsPerBox, cfg)
	price, err := packPrice(parent, cfg)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ParentID:    parent.ID,
		BoxBefore:   parent.Inventory,
		BoxAfter:    box,
		PackAfter:   pack,
		UnitsPerBox: cfg.UnitsPerBox,
		Requested:   requested,
		Remainder:   remainder,
		PackPrice:   price,
		ChildSpec: &catalog.VariantSpec{
			Title:       parent.Title + PackSuffix,
			Price:       price,
			Inventory:   pack,
			UnitsPerBox: cfg.UnitsPerBox,
		},
	}, nil
}

// Rebalance re-allocates the shared pool of an existing pair with the same
// rule Split uses. Running it twice yields the same quantities.
func Rebalance(parent, child catalog.Item, cfg Config) (Result, error) {
	cfg = cfg.forItem(parent)
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	if child.Role != catalog.RolePackChild || child.ParentID != parent.ID {
		return Result{}, fmt.Errorf("%w: %s is not the pack child of %s", ErrNotSplittable, child.ID, parent.ID)
	}
	if parent.Inventory < 0 || child.Inventory < 0 {
		return Result{}, fmt.Errorf("%w: negative inventory in pair %s/%s", ErrNotSplittable, parent.ID, child.ID)
	}

	pool := parent.Inventory*cfg.UnitsPerBox + child.Inventory
	// Opened packs cannot be boxed again: the pool's loose units stay packs.
	loose := child.Inventory % cfg.UnitsPerBox
	box, pack, requested, remainder := allocate(pool-loose, cfg)
	pack += loose

	res := Result{
		ParentID:    parent.ID,
		ChildID:     child.ID,
		BoxBefore:   parent.Inventory,
		BoxAfter:    box,
		PackBefore:  child.Inventory,
		PackAfter:   pack,
		UnitsPerBox: cfg.UnitsPerBox,
		Requested:   requested,
		Remainder:   remainder,
		PackPrice:   child.Price,
	}
	res.NoOp = res.BoxAfter == res.BoxBefore && res.PackAfter == res.PackBefore
	return res, nil
}

// allocate splits a pool of whole-box pack units. Only whole boxes are opened,
// so box*r + pack == pool exactly; what the fraction asked for beyond whole
// boxes is returned as remainder and stays in the box parent.
func allocate(pool int64, cfg Config) (box, pack, requested, remainder int64) {
	r := cfg.UnitsPerBox
	requested = decimal.NewFromInt(pool).Mul(cfg.Fraction).Floor().IntPart()
	opened := requested / r
	pack = opened * r
	box = pool/r - opened
	remainder = requested - pack
	return box, pack, requested, remainder
}

func packPrice(parent catalog.Item, cfg Config) (int64, error) {
	if parent.Price <= 0 {
		return 0, fmt.Errorf("%w: %s has no price", ErrNotSplittable, parent.ID)
	}
	perUnit := decimal.NewFromInt(parent.Price).Div(decimal.NewFromInt(cfg.UnitsPerBox))
	margin := cfg.PackPricing.Margin
	rounding := cfg.PackPricing.Rounding
	if rounding == nil {
		rounding = pricing.None{}
	}
	price := perUnit
	if margin != nil {
		price = margin.Apply(perUnit)
	}
	out := rounding.Round(price)
	if out <= 0 {
		out = 1
	}
	return out, nil
}
