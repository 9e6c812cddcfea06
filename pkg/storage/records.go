package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

// SaveRun records one collector run together with everything it stored, in a
// single transaction. A failed run carries no records.
func (d *DB) SaveRun(ctx context.Context, run CollectorRun, refs []catalog.ReferenceRecord, comps []catalog.CompetitorRecord) (int64, error) {
	if run.Status != RunSucceeded && (len(refs) > 0 || len(comps) > 0) {
		return 0, fmt.Errorf("run for %s is %s and cannot store records", run.Site, run.Status)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = d.now()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = d.now()
	}
	run.Stored = len(refs) + len(comps)

	var runID int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO collector_runs(site, role, started_at, finished_at, status, fetched, stored, malformed, error) VALUES(?,?,?,?,?,?,?,?,?)`,
			run.Site, run.Role, formatTime(run.StartedAt), formatTime(run.FinishedAt), string(run.Status), run.Fetched, run.Stored, run.Malformed, nullIfEmpty(run.Error))
		if err != nil {
			return err
		}
		if runID, err = res.LastInsertId(); err != nil {
			return err
		}

		for _, r := range refs {
			fetched := r.FetchedAt
			if fetched.IsZero() {
				fetched = run.FinishedAt
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO reference_records(run_id, site, name, price, currency, page, page_rank, fetched_at) VALUES(?,?,?,?,?,?,?,?)`,
				runID, r.Site, r.Name, r.Price, r.Currency, r.Page, r.Rank, formatTime(fetched))
			if err != nil {
				return err
			}
		}

		for _, c := range comps {
			scraped := c.ScrapedAt
			if scraped.IsZero() {
				scraped = run.FinishedAt
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO competitor_history(run_id, site, name, price, in_stock, category, scraped_at) VALUES(?,?,?,?,?,?,?)`,
				runID, c.Site, c.Name, c.Price, boolToInt(c.InStock), c.Category, formatTime(scraped))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO competitor_daily(site, name, day, last_price, min_price, max_price, in_stock, samples, updated_at) VALUES(?,?,?,?,?,?,?,1,?)
ON CONFLICT(site, name, day) DO UPDATE SET
  last_price = excluded.last_price,
  min_price  = MIN(min_price, excluded.min_price),
  max_price  = MAX(max_price, excluded.max_price),
  in_stock   = excluded.in_stock,
  samples    = samples + 1,
  updated_at = excluded.updated_at`,
				c.Site, c.Name, scraped.UTC().Format("2006-01-02"), c.Price, c.Price, c.Price, boolToInt(c.InStock), formatTime(scraped))
			if err != nil {
				return err
			}
		}

		return d.insertAudit(ctx, tx, AuditEntry{
			Actor:     "collector:" + run.Site,
			Operation: OpCollectRun,
			After:     fmt.Sprintf("fetched=%d stored=%d malformed=%d", run.Fetched, run.Stored, run.Malformed),
			Result:    runResult(run),
		})
	})
	if err != nil {
		return 0, err
	}
	return runID, nil
}

func runResult(run CollectorRun) string {
	if run.Error != "" {
		return string(run.Status) + ": " + run.Error
	}
	return string(run.Status)
}

// ListRuns returns the most recent collector runs, newest first.
func (d *DB) ListRuns(ctx context.Context, site string, limit int) ([]CollectorRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := "SELECT id, site, role, started_at, finished_at, status, fetched, stored, malformed, error FROM collector_runs"
	args := []interface{}{}
	if site != "" {
		q += " WHERE site = ?"
		args = append(args, site)
	}
	q += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CollectorRun
	for rows.Next() {
		var (
			r                 CollectorRun
			started, finished string
			status            string
			errText           sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Site, &r.Role, &started, &finished, &status, &r.Fetched, &r.Stored, &r.Malformed, &errText); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		r.Status = RunStatus(status)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}
