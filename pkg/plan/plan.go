// Package plan models reviewable batches of storefront mutations and builds
// them from computed deltas.
package plan

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

type Kind string

const (
	KindPriceUpdate    Kind = "price-update"
	KindVariantSplit   Kind = "variant-split"
	KindInventorySplit Kind = "inventory-split"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPriceUpdate, KindVariantSplit, KindInventorySplit:
		return true
	}
	return false
}

// allows reports whether a plan of kind k may change field f.
func (k Kind) allows(f Field) bool {
	switch k {
	case KindPriceUpdate:
		return f == FieldPrice
	case KindVariantSplit:
		return f == FieldVariant || f == FieldInventory
	case KindInventorySplit:
		return f == FieldInventory
	}
	return false
}

// Status is the plan-level state. Transitions only move forward:
//
//	draft -> approved -> applying -> applied | partially-applied | failed
//	partially-applied -> applying (resume)
//	applying -> partially-applied (recovery of an abandoned run)
type Status string

const (
	StatusDraft            Status = "draft"
	StatusApproved         Status = "approved"
	StatusApplying         Status = "applying"
	StatusApplied          Status = "applied"
	StatusPartiallyApplied Status = "partially-applied"
	StatusFailed           Status = "failed"
)

// Terminal reports whether apply has finished with the plan.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusPartiallyApplied || s == StatusFailed
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

type Field string

const (
	FieldPrice     Field = "price"
	FieldInventory Field = "inventory"
	// FieldVariant creates a pack-child under the target item.
	FieldVariant Field = "variant"
)

var (
	ErrPlanConstruction   = errors.New("plan construction failed")
	ErrPlanAlreadyApplied = errors.New("plan already applied")
	ErrPlanNotApproved    = errors.New("plan not approved")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrNotResumable       = errors.New("plan has nothing to resume")
	// ErrPlanActive means an applying plan was touched too recently to be
	// treated as abandoned.
	ErrPlanActive = errors.New("plan is still being applied")

	// ErrEmptyPlan is returned when every proposed delta was a no-op.
	ErrEmptyPlan = &ConstructionError{Reason: "no effective changes", ItemIndex: -1}
)

// ConstructionError describes why a plan could not be built. ItemIndex is the
// index of the offending delta, or -1 when the plan as a whole is at fault.
type ConstructionError struct {
	Reason    string
	ItemIndex int
	Err       error
}

func (e *ConstructionError) Error() string {
	msg := "plan construction failed: " + e.Reason
	if e.ItemIndex >= 0 {
		msg += " (delta " + strconv.Itoa(e.ItemIndex) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConstructionError) Is(target error) bool { return target == ErrPlanConstruction }

func (e *ConstructionError) Unwrap() error { return e.Err }

// Item is one proposed mutation. Seq starts at 1 and orders the items.
type Item struct {
	PlanID   string
	Seq      int
	TargetID string
	Field    Field
	Old      int64
	New      int64
	Variant  *catalog.VariantSpec
	// Requires is the Seq of an item that must succeed first, or 0.
	Requires int

	Status    ItemStatus
	Reason    string
	ResultID  string // id of a created variant
	UpdatedAt time.Time
}

// Key identifies the item across retries and resumes.
func (it Item) Key() string { return it.PlanID + "/" + strconv.Itoa(it.Seq) }

func (it Item) String() string {
	if it.Field == FieldVariant && it.Variant != nil {
		return fmt.Sprintf("#%d %s create %q (inventory %d)", it.Seq, it.TargetID, it.Variant.Title, it.Variant.Inventory)
	}
	return fmt.Sprintf("#%d %s %s %d -> %d", it.Seq, it.TargetID, it.Field, it.Old, it.New)
}

// Plan is a frozen batch of items. Only Status and the item statuses change
// after creation.
type Plan struct {
	ID         string
	Kind       Kind
	Status     Status
	CreatedAt  time.Time
	ApprovedBy string
	ApprovedAt *time.Time
	// UpdatedAt moves on every status change and every recorded item outcome.
	UpdatedAt time.Time
	Items     []Item
}

// Counts tallies item statuses.
type Counts struct {
	Pending, Succeeded, Failed, Skipped int
}

func (p *Plan) Counts() Counts {
	var c Counts
	for _, it := range p.Items {
		switch it.Status {
		case ItemPending:
			c.Pending++
		case ItemSucceeded:
			c.Succeeded++
		case ItemFailed:
			c.Failed++
		case ItemSkipped:
			c.Skipped++
		}
	}
	return c
}

// TerminalStatus derives the plan status once apply stops walking items:
// applied when every item succeeded, failed when nothing succeeded and
// nothing is left pending, partially-applied otherwise.
func TerminalStatus(c Counts) Status {
	total := c.Pending + c.Succeeded + c.Failed + c.Skipped
	switch {
	case total > 0 && c.Succeeded == total:
		return StatusApplied
	case c.Succeeded == 0 && c.Pending == 0:
		return StatusFailed
	default:
		return StatusPartiallyApplied
	}
}
