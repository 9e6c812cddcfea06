package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// audit_log is append-only: nothing in this package updates or deletes its rows.

func (d *DB) insertAudit(ctx context.Context, q queryer, e AuditEntry) error {
	if e.ID == "" {
		e.ID = d.NewID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = d.now()
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	_, err := q.ExecContext(ctx, `INSERT INTO audit_log(id, occurred_at, actor, operation, plan_id, item_id, before_value, after_value, result) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, formatTime(e.OccurredAt), e.Actor, string(e.Operation), nullIfEmpty(e.PlanID), nullIfEmpty(e.ItemID), nullIfEmpty(e.Before), nullIfEmpty(e.After), e.Result)
	if err != nil {
		return fmt.Errorf("writing audit entry %s: %w", e.Operation, err)
	}
	return nil
}

// AppendAudit writes a standalone audit entry.
func (d *DB) AppendAudit(ctx context.Context, e AuditEntry) error {
	return d.insertAudit(ctx, d.sql, e)
}

// ListAudit returns audit entries in the order they were written.
func (d *DB) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.PlanID != "" {
		where += " AND plan_id = ?"
		args = append(args, f.PlanID)
	}
	if f.ItemID != "" {
		where += " AND item_id = ?"
		args = append(args, f.ItemID)
	}
	if f.Operation != "" {
		where += " AND operation = ?"
		args = append(args, string(f.Operation))
	}
	if !f.Since.IsZero() {
		where += " AND occurred_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	// ids are ULIDs, so they sort by creation time within equal stamps
	q := "SELECT id, occurred_at, actor, operation, plan_id, item_id, before_value, after_value, result FROM audit_log " + where + " ORDER BY occurred_at, id LIMIT ?"
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                             AuditEntry
			occurred, op                  string
			planID, itemID, before, after sql.NullString
		)
		if err := rows.Scan(&e.ID, &occurred, &e.Actor, &op, &planID, &itemID, &before, &after, &e.Result); err != nil {
			return nil, err
		}
		e.OccurredAt = parseTime(occurred)
		e.Operation = Operation(op)
		e.PlanID = planID.String
		e.ItemID = itemID.String
		e.Before = before.String
		e.After = after.String
		out = append(out, e)
	}
	return out, rows.Err()
}
