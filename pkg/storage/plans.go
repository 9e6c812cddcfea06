package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/plan"
)

// CreatePlan stores a plan, its items and one plan.build audit entry per item
// atomically. Nothing is written if any statement fails.
func (d *DB) CreatePlan(ctx context.Context, p *plan.Plan, actor string) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("plan without id")
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		created := formatTime(p.CreatedAt)
		if _, err := tx.ExecContext(ctx, `INSERT INTO plans(id, kind, status, created_at, updated_at) VALUES(?,?,?,?,?)`,
			p.ID, string(p.Kind), string(p.Status), created, created); err != nil {
			return err
		}
		for _, it := range p.Items {
			variant, err := encodeVariant(it.Variant)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO plan_items(plan_id, seq, target_id, field, old_value, new_value, variant, requires, status, updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
				p.ID, it.Seq, it.TargetID, string(it.Field), it.Old, it.New, variant, it.Requires, string(it.Status), created); err != nil {
				return err
			}
			if err := d.insertAudit(ctx, tx, AuditEntry{
				Actor:     actor,
				Operation: OpPlanBuild,
				PlanID:    p.ID,
				ItemID:    it.TargetID,
				Before:    describeValue(it.Field, it.Old, nil),
				After:     describeValue(it.Field, it.New, it.Variant),
				Result:    string(it.Status),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPlan loads a plan with its items, or returns plan.ErrPlanNotFound.
func (d *DB) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	p, err := getPlanRow(ctx, d.sql, id)
	if err != nil {
		return nil, err
	}
	items, err := listItems(ctx, d.sql, id)
	if err != nil {
		return nil, err
	}
	p.Items = items
	return p, nil
}

// PlanFilter selects plans for listing.
type PlanFilter struct {
	Status plan.Status
	Kind   plan.Kind
	Limit  int
}

// ListPlans returns plans newest first, with their items.
func (d *DB) ListPlans(ctx context.Context, f PlanFilter) ([]*plan.Plan, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := d.sql.QueryContext(ctx, "SELECT id FROM plans "+where+" ORDER BY created_at DESC, id DESC LIMIT ?", args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	out := make([]*plan.Plan, 0, len(ids))
	for _, id := range ids {
		p, err := d.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ApprovePlan moves a draft plan to approved and records who approved it.
func (d *DB) ApprovePlan(ctx context.Context, id, actor string) error {
	if actor == "" {
		return fmt.Errorf("approval needs an actor")
	}
	now := d.now()
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE plans SET status = ?, approved_by = ?, approved_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(plan.StatusApproved), actor, formatTime(now), formatTime(now), id, string(plan.StatusDraft))
		if err != nil {
			return err
		}
		if err := checkSwapped(ctx, tx, res, id, plan.StatusDraft); err != nil {
			return err
		}
		return d.insertAudit(ctx, tx, AuditEntry{
			Actor:     actor,
			Operation: OpPlanApprove,
			PlanID:    id,
			Before:    string(plan.StatusDraft),
			After:     string(plan.StatusApproved),
			Result:    "ok",
		})
	})
}

// TransitionPlan is a compare-and-swap on the plan status. When the plan is
// not in from, it returns *StatusConflictError carrying the current status.
func (d *DB) TransitionPlan(ctx context.Context, id string, from, to plan.Status, actor string) error {
	now := formatTime(d.now())
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), now, id, string(from))
		if err != nil {
			return err
		}
		if err := checkSwapped(ctx, tx, res, id, from); err != nil {
			return err
		}
		return d.insertAudit(ctx, tx, AuditEntry{
			Actor:     actor,
			Operation: OpPlanStatus,
			PlanID:    id,
			Before:    string(from),
			After:     string(to),
			Result:    string(to),
		})
	})
}

// RecoverStalePlan hands a plan stuck in applying back to partially-applied so
// it can be resumed. The swap only happens when the plan has not been updated
// after idleSince; otherwise plan.ErrPlanActive is returned. A plan in any
// other status returns *StatusConflictError.
func (d *DB) RecoverStalePlan(ctx context.Context, id string, idleSince time.Time, actor string) error {
	if actor == "" {
		return fmt.Errorf("recovery needs an actor")
	}
	now := formatTime(d.now())
	return d.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPlanRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != plan.StatusApplying {
			return &StatusConflictError{PlanID: id, Want: plan.StatusApplying, Have: p.Status}
		}
		if p.UpdatedAt.After(idleSince) {
			return fmt.Errorf("%w: %s last updated %s", plan.ErrPlanActive, id, p.UpdatedAt.Format(time.RFC3339))
		}
		res, err := tx.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND updated_at <= ?`,
			string(plan.StatusPartiallyApplied), now, id, string(plan.StatusApplying), formatTime(idleSince))
		if err != nil {
			return err
		}
		if err := checkSwapped(ctx, tx, res, id, plan.StatusApplying); err != nil {
			return err
		}
		return d.insertAudit(ctx, tx, AuditEntry{
			Actor:     actor,
			Operation: OpPlanRecover,
			PlanID:    id,
			Before:    string(plan.StatusApplying),
			After:     string(plan.StatusPartiallyApplied),
			Result:    "recovered, idle since " + p.UpdatedAt.Format(time.RFC3339),
		})
	})
}

func checkSwapped(ctx context.Context, tx *sql.Tx, res sql.Result, id string, want plan.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	p, err := getPlanRow(ctx, tx, id)
	if err != nil {
		return err
	}
	return &StatusConflictError{PlanID: id, Want: want, Have: p.Status}
}

// RecordItemOutcome moves a pending item to its final status and writes the
// matching item.apply audit entry in the same transaction. A succeeded item
// is also reflected in the local catalog mirror. The plan's updated_at moves
// too, so a running apply never looks abandoned to RecoverStalePlan.
func (d *DB) RecordItemOutcome(ctx context.Context, it plan.Item, actor string) error {
	if it.Status == plan.ItemPending {
		return fmt.Errorf("item %s: outcome must be final", it.Key())
	}
	now := d.now()
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE plan_items SET status = ?, reason = ?, result_id = ?, updated_at = ? WHERE plan_id = ? AND seq = ? AND status = ?`,
			string(it.Status), nullIfEmpty(it.Reason), nullIfEmpty(it.ResultID), formatTime(now), it.PlanID, it.Seq, string(plan.ItemPending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			var have string
			err := tx.QueryRowContext(ctx, `SELECT status FROM plan_items WHERE plan_id = ? AND seq = ?`, it.PlanID, it.Seq).Scan(&have)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("plan item %s: %w", it.Key(), ErrNotFound)
			}
			if err != nil {
				return err
			}
			return &ItemNotPendingError{Key: it.Key(), Have: plan.ItemStatus(have)}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE plans SET updated_at = ? WHERE id = ?`, formatTime(now), it.PlanID); err != nil {
			return err
		}

		if it.Status == plan.ItemSucceeded {
			if err := mirrorOutcome(ctx, tx, it, formatTime(now)); err != nil {
				return err
			}
		}

		result := string(it.Status)
		if it.Reason != "" {
			result += ": " + it.Reason
		}
		return d.insertAudit(ctx, tx, AuditEntry{
			Actor:     actor,
			Operation: OpItemApply,
			PlanID:    it.PlanID,
			ItemID:    it.TargetID,
			Before:    "#" + strconv.Itoa(it.Seq) + " " + describeValue(it.Field, it.Old, nil),
			After:     "#" + strconv.Itoa(it.Seq) + " " + describeValue(it.Field, it.New, it.Variant),
			Result:    result,
		})
	})
}

func mirrorOutcome(ctx context.Context, tx *sql.Tx, it plan.Item, now string) error {
	var err error
	switch it.Field {
	case plan.FieldPrice:
		_, err = tx.ExecContext(ctx, `UPDATE catalog_items SET price = ?, updated_at = ? WHERE id = ?`, it.New, now, it.TargetID)
	case plan.FieldInventory:
		_, err = tx.ExecContext(ctx, `UPDATE catalog_items SET inventory = ?, updated_at = ? WHERE id = ?`, it.New, now, it.TargetID)
	case plan.FieldVariant:
		if it.Variant == nil || it.ResultID == "" {
			return nil
		}
		if _, err = tx.ExecContext(ctx, `UPDATE catalog_items SET role = ?, units_per_box = ?, updated_at = ? WHERE id = ?`,
			string(catalog.RoleBoxParent), it.Variant.UnitsPerBox, now, it.TargetID); err != nil {
			return err
		}
		err = upsertCatalogItem(ctx, tx, catalog.Item{
			ID:          it.ResultID,
			Title:       it.Variant.Title,
			Price:       it.Variant.Price,
			Inventory:   it.Variant.Inventory,
			Role:        catalog.RolePackChild,
			ParentID:    it.TargetID,
			UnitsPerBox: it.Variant.UnitsPerBox,
		}, now)
	}
	return err
}

func getPlanRow(ctx context.Context, q queryer, id string) (*plan.Plan, error) {
	var (
		p                      plan.Plan
		kind, status           string
		created, updated       string
		approvedBy, approvedAt sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT id, kind, status, created_at, updated_at, approved_by, approved_at FROM plans WHERE id = ?`, id).
		Scan(&p.ID, &kind, &status, &created, &updated, &approvedBy, &approvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", plan.ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	p.Kind = plan.Kind(kind)
	p.Status = plan.Status(status)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	p.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := parseTime(approvedAt.String)
		p.ApprovedAt = &t
	}
	return &p, nil
}

func listItems(ctx context.Context, q queryer, planID string) ([]plan.Item, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq, target_id, field, old_value, new_value, variant, requires, status, reason, result_id, updated_at
FROM plan_items WHERE plan_id = ? ORDER BY seq`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []plan.Item
	for rows.Next() {
		var (
			it                        plan.Item
			field, status, updated    string
			variant, reason, resultID sql.NullString
		)
		if err := rows.Scan(&it.Seq, &it.TargetID, &field, &it.Old, &it.New, &variant, &it.Requires, &status, &reason, &resultID, &updated); err != nil {
			return nil, err
		}
		it.PlanID = planID
		it.Field = plan.Field(field)
		it.Status = plan.ItemStatus(status)
		it.Reason = reason.String
		it.ResultID = resultID.String
		it.UpdatedAt = parseTime(updated)
		if variant.Valid {
			var v catalog.VariantSpec
			if err := json.Unmarshal([]byte(variant.String), &v); err != nil {
				return nil, fmt.Errorf("plan %s item %d: %w", planID, it.Seq, err)
			}
			it.Variant = &v
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func encodeVariant(v *catalog.VariantSpec) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func describeValue(f plan.Field, v int64, spec *catalog.VariantSpec) string {
	if f == plan.FieldVariant {
		if spec == nil {
			return "variant:none"
		}
		return fmt.Sprintf("variant:%q price=%d inventory=%d", spec.Title, spec.Price, spec.Inventory)
	}
	return string(f) + ":" + strconv.FormatInt(v, 10)
}
