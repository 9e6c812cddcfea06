package storage

import (
	"context"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/plan"
)

func (d *DB) GetStats(ctx context.Context) (Stats, error) {
	s := Stats{
		ActiveMappings: map[catalog.Origin]int{},
		Plans:          map[plan.Status]int{},
	}
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM catalog_items", &s.CatalogItems},
		{"SELECT COUNT(*) FROM reference_records", &s.ReferenceRecords},
		{"SELECT COUNT(*) FROM competitor_history", &s.CompetitorRows},
		{"SELECT COUNT(DISTINCT site) FROM competitor_history", &s.CompetitorSites},
		{"SELECT COUNT(*) FROM audit_log", &s.AuditEntries},
	}
	for _, c := range counts {
		if err := d.sql.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return Stats{}, err
		}
	}

	rows, err := d.sql.QueryContext(ctx, `
		SELECT
			origin,
			COUNT(*)
		FROM
			mappings
		WHERE
			active = 1
		GROUP BY
			origin;
	`)
	if err != nil {
		return Stats{}, err
	}
	for rows.Next() {
		var (
			origin string
			n      int
		)
		if err := rows.Scan(&origin, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		s.ActiveMappings[catalog.Origin(origin)] = n
	}
	if err := rows.Close(); err != nil {
		return Stats{}, err
	}

	rows, err = d.sql.QueryContext(ctx, "SELECT status, COUNT(*) FROM plans GROUP BY status ORDER BY status")
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		s.Plans[plan.Status(status)] = n
	}
	return s, rows.Err()
}
