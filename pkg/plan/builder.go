package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

// Delta is a computed change proposed for one catalog item.
type Delta struct {
	TargetID string
	Field    Field
	Old      int64
	New      int64
	Variant  *catalog.VariantSpec
	// Requires is the 1-based index of another delta in the same batch that
	// must be applied first, or 0.
	Requires int
}

func (d Delta) noop() bool { return d.Field != FieldVariant && d.Old == d.New }

// Catalog resolves plan targets. Missing ids return catalog.ErrItemNotFound.
type Catalog interface {
	GetCatalogItem(ctx context.Context, id string) (catalog.Item, error)
}

// Store persists a complete plan and its plan.build audit entries in one
// transaction.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan, actor string) error
}

// BuildSummary reports what happened to the proposed deltas.
type BuildSummary struct {
	Proposed int
	Dropped  int // no-op deltas
	Items    int
}

type Builder struct {
	Catalog Catalog
	Store   Store
	Actor   string
	Now     func() time.Time
	NewID   func() string
}

func NewBuilder(cat Catalog, store Store) *Builder {
	return &Builder{
		Catalog: cat,
		Store:   store,
		Actor:   "system",
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   func() string { return ulid.Make().String() },
	}
}

// Build validates deltas against the current catalog and persists a draft
// plan. Either the whole plan is stored or nothing is.
func (b *Builder) Build(ctx context.Context, kind Kind, deltas []Delta) (*Plan, BuildSummary, error) {
	sum := BuildSummary{Proposed: len(deltas)}
	if !kind.Valid() {
		return nil, sum, &ConstructionError{Reason: fmt.Sprintf("unknown plan kind %q", kind), ItemIndex: -1}
	}

	type key struct {
		target string
		field  Field
	}
	seen := make(map[key]int, len(deltas))
	seqOf := make(map[int]int, len(deltas)) // delta index -> item seq
	p := &Plan{
		ID:        b.NewID(),
		Kind:      kind,
		Status:    StatusDraft,
		CreatedAt: b.Now(),
	}

	for i, d := range deltas {
		if err := ctx.Err(); err != nil {
			return nil, sum, err
		}
		if d.TargetID == "" {
			return nil, sum, &ConstructionError{Reason: "empty target id", ItemIndex: i}
		}
		if !kind.allows(d.Field) {
			return nil, sum, &ConstructionError{Reason: fmt.Sprintf("field %q not allowed in %s plan", d.Field, kind), ItemIndex: i}
		}
		k := key{d.TargetID, d.Field}
		if prev, dup := seen[k]; dup {
			return nil, sum, &ConstructionError{Reason: fmt.Sprintf("duplicate %s change for %s (first at delta %d)", d.Field, d.TargetID, prev), ItemIndex: i}
		}
		seen[k] = i

		item, err := b.Catalog.GetCatalogItem(ctx, d.TargetID)
		if errors.Is(err, catalog.ErrItemNotFound) {
			return nil, sum, &ConstructionError{Reason: "unresolvable target " + d.TargetID, ItemIndex: i, Err: err}
		}
		if err != nil {
			return nil, sum, &ConstructionError{Reason: "looking up " + d.TargetID, ItemIndex: i, Err: err}
		}
		if err := checkDelta(item, d); err != nil {
			return nil, sum, &ConstructionError{Reason: err.Error(), ItemIndex: i}
		}
		if d.noop() {
			sum.Dropped++
			continue
		}

		req := 0
		if d.Requires != 0 {
			if d.Requires < 1 || d.Requires > i {
				return nil, sum, &ConstructionError{Reason: fmt.Sprintf("requires delta %d which does not precede it", d.Requires), ItemIndex: i}
			}
			// a dropped prerequisite is already satisfied
			req = seqOf[d.Requires-1]
		}

		it := Item{
			PlanID:    p.ID,
			Seq:       len(p.Items) + 1,
			TargetID:  d.TargetID,
			Field:     d.Field,
			Old:       d.Old,
			New:       d.New,
			Requires:  req,
			Status:    ItemPending,
			UpdatedAt: p.CreatedAt,
		}
		if d.Variant != nil {
			v := *d.Variant
			it.Variant = &v
		}
		seqOf[i] = it.Seq
		p.Items = append(p.Items, it)
	}

	if len(p.Items) == 0 {
		return nil, sum, ErrEmptyPlan
	}
	sum.Items = len(p.Items)

	if err := b.Store.CreatePlan(ctx, p, b.Actor); err != nil {
		return nil, sum, &ConstructionError{Reason: "persisting plan", ItemIndex: -1, Err: err}
	}
	return p, sum, nil
}

func checkDelta(item catalog.Item, d Delta) error {
	switch d.Field {
	case FieldPrice:
		if d.New <= 0 {
			return fmt.Errorf("non-positive price %d for %s", d.New, item.ID)
		}
		if item.Price != d.Old {
			return fmt.Errorf("stale price for %s: have %d, delta expects %d", item.ID, item.Price, d.Old)
		}
	case FieldInventory:
		if d.New < 0 {
			return fmt.Errorf("negative inventory %d for %s", d.New, item.ID)
		}
		if item.Inventory != d.Old {
			return fmt.Errorf("stale inventory for %s: have %d, delta expects %d", item.ID, item.Inventory, d.Old)
		}
	case FieldVariant:
		if item.Role == catalog.RolePackChild {
			return fmt.Errorf("%s is a pack child and cannot hold a variant", item.ID)
		}
		v := d.Variant
		if v == nil || v.Title == "" || v.Price <= 0 || v.Inventory < 0 || v.UnitsPerBox <= 0 {
			return fmt.Errorf("incomplete variant spec for %s", item.ID)
		}
		if d.New != v.Inventory {
			return fmt.Errorf("variant inventory %d does not match delta %d", v.Inventory, d.New)
		}
	default:
		return fmt.Errorf("unknown field %q", d.Field)
	}
	return nil
}
