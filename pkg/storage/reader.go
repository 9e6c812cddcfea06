package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

// Reader is the read side shared by *DB and snapshot transactions.
type Reader interface {
	GetCatalogItem(ctx context.Context, id string) (catalog.Item, error)
	ListCatalogItems(ctx context.Context, f CatalogFilter) ([]catalog.Item, error)
	ListMappings(ctx context.Context, f MappingFilter) ([]catalog.Mapping, error)
	SourceNames(ctx context.Context, kind catalog.SourceKind) ([]string, error)
	LatestReference(ctx context.Context, name string) (catalog.ReferenceRecord, error)
}

type reader struct {
	q queryer
}

const catalogColumns = "id, title, price, inventory, role, parent_id, units_per_box, updated_at"

func scanCatalogItem(sc interface{ Scan(...interface{}) error }) (catalog.Item, error) {
	var (
		it      catalog.Item
		role    string
		parent  sql.NullString
		updated string
	)
	if err := sc.Scan(&it.ID, &it.Title, &it.Price, &it.Inventory, &role, &parent, &it.UnitsPerBox, &updated); err != nil {
		return catalog.Item{}, err
	}
	it.Role = catalog.Role(role)
	it.ParentID = parent.String
	it.UpdatedAt = parseTime(updated)
	return it, nil
}

// GetCatalogItem returns catalog.ErrItemNotFound for unknown ids.
func (r reader) GetCatalogItem(ctx context.Context, id string) (catalog.Item, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+catalogColumns+" FROM catalog_items WHERE id = ?", id)
	it, err := scanCatalogItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Item{}, fmt.Errorf("%w: %s", catalog.ErrItemNotFound, id)
	}
	return it, err
}

func (r reader) ListCatalogItems(ctx context.Context, f CatalogFilter) ([]catalog.Item, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.Role != "" {
		where += " AND role = ?"
		args = append(args, string(f.Role))
	}
	if f.ParentID != "" {
		where += " AND parent_id = ?"
		args = append(args, f.ParentID)
	}
	if len(f.IDs) > 0 {
		where += " AND id IN (?" + strings.Repeat(",?", len(f.IDs)-1) + ")"
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	rows, err := r.q.QueryContext(ctx, "SELECT "+catalogColumns+" FROM catalog_items "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Item
	for rows.Next() {
		it, err := scanCatalogItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListMappings returns active mappings, plus superseded ones when asked,
// oldest first.
func (r reader) ListMappings(ctx context.Context, f MappingFilter) ([]catalog.Mapping, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if !f.IncludeHistory {
		where += " AND active = 1"
	}
	if f.SourceKind != "" {
		where += " AND source_kind = ?"
		args = append(args, string(f.SourceKind))
	}
	if f.SourceKey != "" {
		where += " AND source_key = ?"
		args = append(args, f.SourceKey)
	}
	if f.TargetKind != "" {
		where += " AND target_kind = ?"
		args = append(args, string(f.TargetKind))
	}
	if f.TargetKey != "" {
		where += " AND target_key = ?"
		args = append(args, f.TargetKey)
	}
	q := "SELECT id, source_kind, source_key, target_kind, target_key, score, origin, active, created_at, superseded_at FROM mappings " + where + " ORDER BY id"
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.Mapping
	for rows.Next() {
		var (
			m              catalog.Mapping
			sk, tk, origin string
			active         int
			created        string
			superseded     sql.NullString
		)
		if err := rows.Scan(&m.ID, &sk, &m.SourceKey, &tk, &m.TargetKey, &m.Score, &origin, &active, &created, &superseded); err != nil {
			return nil, err
		}
		m.SourceKind = catalog.SourceKind(sk)
		m.TargetKind = catalog.TargetKind(tk)
		m.Origin = catalog.Origin(origin)
		m.Active = active == 1
		m.CreatedAt = parseTime(created)
		if superseded.Valid {
			t := parseTime(superseded.String)
			m.SupersededAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SourceNames lists the distinct canonical names seen for a source kind.
func (r reader) SourceNames(ctx context.Context, kind catalog.SourceKind) ([]string, error) {
	var q string
	switch kind {
	case catalog.SourceReference:
		q = "SELECT DISTINCT name FROM reference_records ORDER BY name"
	case catalog.SourceCompetitor:
		q = "SELECT DISTINCT name FROM competitor_history ORDER BY name"
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
	rows, err := r.q.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// LatestReference returns the most recently fetched reference record for a
// canonical name, or ErrNotFound.
func (r reader) LatestReference(ctx context.Context, name string) (catalog.ReferenceRecord, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, site, name, price, currency, page, page_rank, fetched_at
FROM reference_records WHERE name = ? ORDER BY fetched_at DESC, id DESC LIMIT 1`, name)
	var (
		rec     catalog.ReferenceRecord
		fetched string
	)
	err := row.Scan(&rec.ID, &rec.Site, &rec.Name, &rec.Price, &rec.Currency, &rec.Page, &rec.Rank, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.ReferenceRecord{}, fmt.Errorf("reference %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return catalog.ReferenceRecord{}, err
	}
	rec.FetchedAt = parseTime(fetched)
	return rec, nil
}

// Trend returns daily competitor snapshots for one site and name since a day.
func (d *DB) Trend(ctx context.Context, site, name string, since time.Time) ([]catalog.DailySnapshot, error) {
	q := `SELECT site, name, day, last_price, min_price, max_price, in_stock, samples
FROM competitor_daily WHERE name = ? AND day >= ?`
	args := []interface{}{name, since.UTC().Format("2006-01-02")}
	if site != "" {
		q += " AND site = ?"
		args = append(args, site)
	}
	q += " ORDER BY day, site"
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.DailySnapshot
	for rows.Next() {
		var (
			s       catalog.DailySnapshot
			inStock int
		)
		if err := rows.Scan(&s.Site, &s.Name, &s.Day, &s.LastPrice, &s.MinPrice, &s.MaxPrice, &inStock, &s.Samples); err != nil {
			return nil, err
		}
		s.InStock = inStock == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

// CompetitorHistory returns every scrape row for a name, newest first.
func (d *DB) CompetitorHistory(ctx context.Context, name string, limit int) ([]catalog.CompetitorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT id, site, name, price, in_stock, category, scraped_at
FROM competitor_history WHERE name = ? ORDER BY scraped_at DESC, id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.CompetitorRecord
	for rows.Next() {
		var (
			c       catalog.CompetitorRecord
			inStock int
			scraped string
		)
		if err := rows.Scan(&c.ID, &c.Site, &c.Name, &c.Price, &inStock, &c.Category, &scraped); err != nil {
			return nil, err
		}
		c.InStock = inStock == 1
		c.ScrapedAt = parseTime(scraped)
		out = append(out, c)
	}
	return out, rows.Err()
}
