package variant

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/pricing"
)

func box(id string, qty, price int64) catalog.Item {
	return catalog.Item{ID: id, Title: "Lorcana Booster Box", Price: price, Inventory: qty, Role: catalog.RoleBoxParent}
}

func cfg(r int64, f string) Config {
	return Config{
		UnitsPerBox: r,
		Fraction:    decimal.RequireFromString(f),
		PackPricing: pricing.Computer{
			Margin:   pricing.PercentMarkup{Percent: decimal.NewFromInt(25)},
			Rounding: pricing.NearestMultiple{Step: 10},
		},
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name                             string
		qty, r                           int64
		fraction                         string
		wantBox, wantPack, wantRemainder int64
	}{
		{"even half", 10, 36, "0.5", 5, 180, 0},
		{"remainder stays in box", 7, 36, "0.3", 5, 72, 3},
		{"fraction too small to open a box", 3, 24, "0.1", 3, 0, 7},
		{"whole pool", 4, 6, "1", 0, 24, 0},
		{"empty inventory", 0, 36, "0.5", 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Split(box("b1", tc.qty, 14400), nil, cfg(tc.r, tc.fraction))
			if err != nil {
				t.Fatalf("Split: %v", err)
			}
			if res.NoOp {
				t.Fatal("first split must not be a no-op")
			}
			if res.BoxAfter != tc.wantBox || res.PackAfter != tc.wantPack || res.Remainder != tc.wantRemainder {
				t.Fatalf("got box=%d pack=%d remainder=%d, want %d/%d/%d",
					res.BoxAfter, res.PackAfter, res.Remainder, tc.wantBox, tc.wantPack, tc.wantRemainder)
			}
			if res.PoolUnits() != tc.qty*tc.r {
				t.Fatalf("pool not conserved: %d != %d", res.PoolUnits(), tc.qty*tc.r)
			}
			if res.ChildSpec == nil || res.ChildSpec.Inventory != res.PackAfter {
				t.Fatalf("child spec mismatch: %+v", res.ChildSpec)
			}
		})
	}
}

func TestSplitPackPrice(t *testing.T) {
	// 14400 / 36 = 400, +25% = 500
	res, err := Split(box("b1", 2, 14400), nil, cfg(36, "0.5"))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if res.PackPrice != 500 || res.ChildSpec.Price != 500 {
		t.Fatalf("expected pack price 500, got %d", res.PackPrice)
	}
	if res.ChildSpec.Title != "Lorcana Booster Box"+PackSuffix {
		t.Fatalf("unexpected child title %q", res.ChildSpec.Title)
	}
}

func TestSplitExistingChildIsNoOp(t *testing.T) {
	parent := box("b1", 5, 14400)
	child := catalog.Item{ID: "p1", Role: catalog.RolePackChild, ParentID: "b1", Inventory: 72, Price: 500}
	res, err := Split(parent, &child, cfg(36, "0.5"))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if !res.NoOp || res.BoxAfter != 5 || res.PackAfter != 72 || res.ChildSpec != nil {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestSplitRejects(t *testing.T) {
	child := catalog.Item{ID: "p1", Role: catalog.RolePackChild, ParentID: "b1", Price: 100}
	if _, err := Split(child, nil, cfg(36, "0.5")); !errors.Is(err, ErrNotSplittable) {
		t.Fatalf("expected ErrNotSplittable, got %v", err)
	}
	if _, err := Split(box("b1", 1, 100), nil, cfg(0, "0.5")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero ratio, got %v", err)
	}
	if _, err := Split(box("b1", 1, 100), nil, cfg(36, "1.5")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for fraction > 1, got %v", err)
	}
	if _, err := Split(box("b1", 1, 0), nil, cfg(36, "0.5")); !errors.Is(err, ErrNotSplittable) {
		t.Fatalf("expected ErrNotSplittable for unpriced parent, got %v", err)
	}
}

func TestSplitUsesItemRatio(t *testing.T) {
	parent := box("b1", 4, 2400)
	parent.UnitsPerBox = 24
	res, err := Split(parent, nil, cfg(36, "0.5"))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if res.UnitsPerBox != 24 || res.PackAfter != 48 || res.BoxAfter != 2 {
		t.Fatalf("expected item ratio 24 to win, got %+v", res)
	}
}

func TestRebalance(t *testing.T) {
	parent := box("b1", 2, 14400)
	child := catalog.Item{ID: "p1", Role: catalog.RolePackChild, ParentID: "b1", Inventory: 5, Price: 500}
	// pool 2*36+5 = 77; 5 loose packs stay; 72*0.5 = 36 -> one box opened
	res, err := Rebalance(parent, child, cfg(36, "0.5"))
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if res.BoxAfter != 1 || res.PackAfter != 41 || res.NoOp {
		t.Fatalf("unexpected rebalance: %+v", res)
	}
	if res.PoolUnits() != 77 {
		t.Fatalf("pool not conserved: %d", res.PoolUnits())
	}

	parent.Inventory, child.Inventory = res.BoxAfter, res.PackAfter
	again, err := Rebalance(parent, child, cfg(36, "0.5"))
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if !again.NoOp {
		t.Fatalf("second rebalance must be a no-op, got %+v", again)
	}

	stranger := catalog.Item{ID: "x", Role: catalog.RolePackChild, ParentID: "other"}
	if _, err := Rebalance(parent, stranger, cfg(36, "0.5")); !errors.Is(err, ErrNotSplittable) {
		t.Fatalf("expected ErrNotSplittable, got %v", err)
	}
}

func TestSplitProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("units are conserved up to the recorded remainder", prop.ForAll(
		func(q, r, pct int64) bool {
			c := cfg(r, decimal.New(pct, -2).String())
			res, err := Split(box("b", q, 10000), nil, c)
			if err != nil {
				return false
			}
			return res.PoolUnits() == q*r &&
				res.PackAfter/r+res.BoxAfter == q &&
				res.Requested == res.PackAfter+res.Remainder &&
				res.Remainder >= 0 && res.Remainder < r
		},
		gen.Int64Range(0, 500), gen.Int64Range(1, 48), gen.Int64Range(1, 100),
	))

	properties.Property("rebalancing a fresh split changes nothing", prop.ForAll(
		func(q, r, pct int64) bool {
			c := cfg(r, decimal.New(pct, -2).String())
			parent := box("b", q, 10000)
			res, err := Split(parent, nil, c)
			if err != nil {
				return false
			}
			parent.Inventory = res.BoxAfter
			child := catalog.Item{ID: "p", Role: catalog.RolePackChild, ParentID: "b", Inventory: res.PackAfter}
			again, err := Rebalance(parent, child, c)
			return err == nil && again.NoOp
		},
		gen.Int64Range(0, 500), gen.Int64Range(1, 48), gen.Int64Range(1, 100),
	))

	properties.TestingRun(t)
}
