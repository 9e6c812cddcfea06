package storefront

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

// Memory is an in-process storefront. It is used for dry runs and tests and
// can be told to fail specific items.
type Memory struct {
	mu     sync.Mutex
	items  map[string]catalog.Item
	faults map[string][]error
	broken map[string]error
	calls  map[string]int
	nextID int
	Now    func() time.Time
}

func NewMemory(items ...catalog.Item) *Memory {
	m := &Memory{
		items:  make(map[string]catalog.Item, len(items)),
		faults: map[string][]error{},
		broken: map[string]error{},
		calls:  map[string]int{},
		Now:    time.Now,
	}
	for _, it := range items {
		if it.Role == "" {
			it.Role = catalog.RoleStandalone
		}
		m.items[it.ID] = it
	}
	return m
}

// FailNext queues errors returned by the next mutations of itemID, one per
// call, before the mutation is applied.
func (m *Memory) FailNext(itemID string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[itemID] = append(m.faults[itemID], errs...)
}

// FailAlways makes every mutation of itemID fail with err.
func (m *Memory) FailAlways(itemID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken[itemID] = err
}

// Remove deletes an item, as if it were removed on the storefront.
func (m *Memory) Remove(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, itemID)
}

// Calls returns how many mutations were attempted, keyed by operation.
func (m *Memory) Calls() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.calls))
	for k, v := range m.calls {
		out[k] = v
	}
	return out
}

// TotalCalls is the sum of Calls.
func (m *Memory) TotalCalls() int {
	n := 0
	for _, v := range m.Calls() {
		n += v
	}
	return n
}

func (m *Memory) GetCatalogItem(ctx context.Context, id string) (catalog.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return catalog.Item{}, fmt.Errorf("%w: %s", catalog.ErrItemNotFound, id)
	}
	return it, nil
}

func (m *Memory) ListCatalogItems(ctx context.Context, f Filter) ([]catalog.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]catalog.Item, 0, len(m.items))
	for _, it := range m.items {
		if f.Role != "" && it.Role != f.Role {
			continue
		}
		if !f.UpdatedSince.IsZero() && it.UpdatedAt.Before(f.UpdatedSince) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetPrice(ctx context.Context, itemID string, price int64) error {
	return m.mutate("set-price", itemID, func(it *catalog.Item) { it.Price = price })
}

func (m *Memory) SetInventory(ctx context.Context, itemID string, qty int64) error {
	if qty < 0 {
		return &MutationError{Op: "set-inventory", ItemID: itemID, StatusCode: 422, Err: fmt.Errorf("negative inventory %d", qty)}
	}
	return m.mutate("set-inventory", itemID, func(it *catalog.Item) { it.Inventory = qty })
}

// CreateVariant returns the existing child when parentID already has a
// variant with the same title.
func (m *Memory) CreateVariant(ctx context.Context, parentID string, spec catalog.VariantSpec) (string, error) {
	var id string
	err := m.mutate("create-variant", parentID, func(parent *catalog.Item) {
		for _, it := range m.items {
			if it.ParentID == parentID && it.Title == spec.Title {
				id = it.ID
				return
			}
		}
		m.nextID++
		id = fmt.Sprintf("%s-pack-%d", parentID, m.nextID)
		parent.Role = catalog.RoleBoxParent
		parent.UnitsPerBox = spec.UnitsPerBox
		m.items[id] = catalog.Item{
			ID:          id,
			Title:       spec.Title,
			Price:       spec.Price,
			Inventory:   spec.Inventory,
			Role:        catalog.RolePackChild,
			ParentID:    parentID,
			UnitsPerBox: spec.UnitsPerBox,
			UpdatedAt:   m.Now(),
		}
	})
	return id, err
}

func (m *Memory) mutate(op, itemID string, fn func(*catalog.Item)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err, ok := m.broken[itemID]; ok {
		return &MutationError{Op: op, ItemID: itemID, Err: err}
	}
	if q := m.faults[itemID]; len(q) > 0 {
		err := q[0]
		m.faults[itemID] = q[1:]
		return &MutationError{Op: op, ItemID: itemID, Err: err}
	}
	it, ok := m.items[itemID]
	if !ok {
		return &MutationError{Op: op, ItemID: itemID, StatusCode: 404, Err: ErrTargetGone}
	}
	fn(&it)
	it.UpdatedAt = m.Now()
	m.items[itemID] = it
	return nil
}
