package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

type fakeCatalog map[string]catalog.Item

func (f fakeCatalog) GetCatalogItem(ctx context.Context, id string) (catalog.Item, error) {
	it, ok := f[id]
	if !ok {
		return catalog.Item{}, catalog.ErrItemNotFound
	}
	return it, nil
}

type fakeStore struct {
	plans []*Plan
	err   error
}

func (f *fakeStore) CreatePlan(ctx context.Context, p *Plan, actor string) error {
	if f.err != nil {
		return f.err
	}
	f.plans = append(f.plans, p)
	return nil
}

func newTestBuilder(store *fakeStore) *Builder {
	cat := fakeCatalog{
		"a":   {ID: "a", Price: 1200, Inventory: 3, Role: catalog.RoleStandalone},
		"b":   {ID: "b", Price: 900, Inventory: 0, Role: catalog.RoleStandalone},
		"box": {ID: "box", Title: "Box", Price: 14400, Inventory: 10, Role: catalog.RoleBoxParent},
	}
	b := NewBuilder(cat, store)
	b.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	b.NewID = func() string { return "plan-1" }
	return b
}

func TestBuildDropsNoOps(t *testing.T) {
	store := &fakeStore{}
	b := newTestBuilder(store)
	p, sum, err := b.Build(context.Background(), KindPriceUpdate, []Delta{
		{TargetID: "a", Field: FieldPrice, Old: 1200, New: 1320},
		{TargetID: "b", Field: FieldPrice, Old: 900, New: 900},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Status != StatusDraft || p.ID != "plan-1" || len(p.Items) != 1 {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if sum.Proposed != 2 || sum.Dropped != 1 || sum.Items != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	it := p.Items[0]
	if it.Seq != 1 || it.Status != ItemPending || it.Key() != "plan-1/1" {
		t.Fatalf("unexpected item: %+v", it)
	}
	if len(store.plans) != 1 {
		t.Fatalf("expected plan to be persisted once, got %d", len(store.plans))
	}
}

func TestBuildConstructionErrors(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		deltas []Delta
		index  int
	}{
		{"unknown target", KindPriceUpdate, []Delta{{TargetID: "zzz", Field: FieldPrice, Old: 1, New: 2}}, 0},
		{"stale old value", KindPriceUpdate, []Delta{{TargetID: "a", Field: FieldPrice, Old: 1000, New: 1320}}, 0},
		{"duplicate target", KindPriceUpdate, []Delta{
			{TargetID: "a", Field: FieldPrice, Old: 1200, New: 1300},
			{TargetID: "a", Field: FieldPrice, Old: 1200, New: 1400},
		}, 1},
		{"field not allowed for kind", KindPriceUpdate, []Delta{{TargetID: "a", Field: FieldInventory, Old: 3, New: 1}}, 0},
		{"negative inventory", KindInventorySplit, []Delta{{TargetID: "a", Field: FieldInventory, Old: 3, New: -1}}, 0},
		{"variant without spec", KindVariantSplit, []Delta{{TargetID: "box", Field: FieldVariant, New: 5}}, 0},
		{"forward requirement", KindInventorySplit, []Delta{
			{TargetID: "a", Field: FieldInventory, Old: 3, New: 1, Requires: 2},
			{TargetID: "b", Field: FieldInventory, Old: 0, New: 2},
		}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			_, _, err := newTestBuilder(store).Build(context.Background(), tc.kind, tc.deltas)
			if !errors.Is(err, ErrPlanConstruction) {
				t.Fatalf("expected construction error, got %v", err)
			}
			var ce *ConstructionError
			if !errors.As(err, &ce) || ce.ItemIndex != tc.index {
				t.Fatalf("expected failing index %d, got %v", tc.index, err)
			}
			if len(store.plans) != 0 {
				t.Fatal("nothing may be persisted on a failed build")
			}
		})
	}
}

func TestBuildEmptyPlan(t *testing.T) {
	store := &fakeStore{}
	_, _, err := newTestBuilder(store).Build(context.Background(), KindPriceUpdate, []Delta{
		{TargetID: "a", Field: FieldPrice, Old: 1200, New: 1200},
	})
	if !errors.Is(err, ErrEmptyPlan) || !errors.Is(err, ErrPlanConstruction) {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
	if len(store.plans) != 0 {
		t.Fatal("empty plan must not be persisted")
	}
}

func TestBuildStoreFailure(t *testing.T) {
	dbErr := errors.New("disk full")
	_, _, err := newTestBuilder(&fakeStore{err: dbErr}).Build(context.Background(), KindPriceUpdate, []Delta{
		{TargetID: "a", Field: FieldPrice, Old: 1200, New: 1320},
	})
	if !errors.Is(err, ErrPlanConstruction) || !errors.Is(err, dbErr) {
		t.Fatalf("expected wrapped construction error, got %v", err)
	}
}

func TestBuildVariantSplit(t *testing.T) {
	store := &fakeStore{}
	spec := &catalog.VariantSpec{Title: "Box (Single Pack)", Price: 500, Inventory: 180, UnitsPerBox: 36}
	p, _, err := newTestBuilder(store).Build(context.Background(), KindVariantSplit, []Delta{
		{TargetID: "box", Field: FieldVariant, New: 180, Variant: spec},
		{TargetID: "box", Field: FieldInventory, Old: 10, New: 5, Requires: 1},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Items) != 2 || p.Items[1].Requires != 1 {
		t.Fatalf("unexpected items: %+v", p.Items)
	}
	spec.Title = "mutated"
	if p.Items[0].Variant.Title != "Box (Single Pack)" {
		t.Fatal("plan must own a copy of the variant spec")
	}
}

func TestTerminalStatus(t *testing.T) {
	tests := []struct {
		c    Counts
		want Status
	}{
		{Counts{Succeeded: 3}, StatusApplied},
		{Counts{Succeeded: 2, Failed: 1}, StatusPartiallyApplied},
		{Counts{Succeeded: 1, Skipped: 1}, StatusPartiallyApplied},
		{Counts{Failed: 2, Skipped: 1}, StatusFailed},
		{Counts{Failed: 1, Pending: 2}, StatusPartiallyApplied},
		{Counts{Pending: 3}, StatusPartiallyApplied},
	}
	for _, tc := range tests {
		if got := TerminalStatus(tc.c); got != tc.want {
			t.Fatalf("TerminalStatus(%+v) = %s, want %s", tc.c, got, tc.want)
		}
	}
}
