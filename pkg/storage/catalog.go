package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

// SyncResult counts what UpsertCatalogItems changed.
type SyncResult struct {
	Added     int
	Updated   int
	Unchanged int
}

// UpsertCatalogItems mirrors storefront items into the local catalog.
func (d *DB) UpsertCatalogItems(ctx context.Context, items []catalog.Item) (SyncResult, error) {
	var res SyncResult
	now := formatTime(d.now())
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			if it.ID == "" {
				return fmt.Errorf("catalog item without id")
			}
			if !it.Role.Valid() {
				it.Role = catalog.RoleStandalone
			}
			existing, err := reader{q: tx}.GetCatalogItem(ctx, it.ID)
			switch {
			case err == nil:
				if sameCatalogItem(existing, it) {
					res.Unchanged++
					continue
				}
				res.Updated++
			case isNotFound(err):
				res.Added++
			default:
				return err
			}
			if err := upsertCatalogItem(ctx, tx, it, now); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

func upsertCatalogItem(ctx context.Context, q queryer, it catalog.Item, now string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO catalog_items(id, title, price, inventory, role, parent_id, units_per_box, updated_at) VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, price = excluded.price, inventory = excluded.inventory, role = excluded.role,
  parent_id = excluded.parent_id, units_per_box = excluded.units_per_box, updated_at = excluded.updated_at`,
		it.ID, it.Title, it.Price, it.Inventory, string(it.Role), nullIfEmpty(it.ParentID), it.UnitsPerBox, now)
	return err
}

func sameCatalogItem(a, b catalog.Item) bool {
	return a.Title == b.Title && a.Price == b.Price && a.Inventory == b.Inventory &&
		a.Role == b.Role && a.ParentID == b.ParentID && a.UnitsPerBox == b.UnitsPerBox
}

// PackChild returns the pack-child of a box parent, or catalog.ErrItemNotFound.
func (d *DB) PackChild(ctx context.Context, parentID string) (catalog.Item, error) {
	items, err := d.ListCatalogItems(ctx, CatalogFilter{Role: catalog.RolePackChild, ParentID: parentID})
	if err != nil {
		return catalog.Item{}, err
	}
	if len(items) == 0 {
		return catalog.Item{}, fmt.Errorf("%w: no pack child for %s", catalog.ErrItemNotFound, parentID)
	}
	return items[0], nil
}
