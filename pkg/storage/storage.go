package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS catalog_items (
  id             TEXT PRIMARY KEY,
  title          TEXT NOT NULL,
  price          INTEGER NOT NULL,
  inventory      INTEGER NOT NULL,
  role           TEXT NOT NULL CHECK (role IN ('standalone','box-parent','pack-child')),
  parent_id      TEXT,
  units_per_box  INTEGER NOT NULL DEFAULT 0,
  updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_parent ON catalog_items(parent_id);
CREATE TABLE IF NOT EXISTS collector_runs (
  id           INTEGER PRIMARY KEY,
  site         TEXT NOT NULL,
  role         TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  finished_at  TEXT NOT NULL,
  status       TEXT NOT NULL CHECK (status IN ('succeeded','failed','canceled')),
  fetched      INTEGER NOT NULL DEFAULT 0,
  stored       INTEGER NOT NULL DEFAULT 0,
  malformed    INTEGER NOT NULL DEFAULT 0,
  error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_site ON collector_runs(site, started_at);
CREATE TABLE IF NOT EXISTS reference_records (
  id          INTEGER PRIMARY KEY,
  run_id      INTEGER NOT NULL,
  site        TEXT NOT NULL,
  name        TEXT NOT NULL,
  price       INTEGER NOT NULL,
  currency    TEXT NOT NULL DEFAULT '',
  page        INTEGER NOT NULL DEFAULT 0,
  page_rank   INTEGER NOT NULL DEFAULT 0,
  fetched_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reference_name ON reference_records(name, fetched_at);
CREATE TABLE IF NOT EXISTS competitor_history (
  id          INTEGER PRIMARY KEY,
  run_id      INTEGER NOT NULL,
  site        TEXT NOT NULL,
  name        TEXT NOT NULL,
  price       INTEGER NOT NULL,
  in_stock    INTEGER NOT NULL CHECK (in_stock IN (0,1)),
  category    TEXT NOT NULL DEFAULT '',
  scraped_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_competitor_site_name ON competitor_history(site, name, scraped_at);
CREATE TABLE IF NOT EXISTS competitor_daily (
  site        TEXT NOT NULL,
  name        TEXT NOT NULL,
  day         TEXT NOT NULL,
  last_price  INTEGER NOT NULL,
  min_price   INTEGER NOT NULL,
  max_price   INTEGER NOT NULL,
  in_stock    INTEGER NOT NULL CHECK (in_stock IN (0,1)),
  samples     INTEGER NOT NULL DEFAULT 1,
  updated_at  TEXT NOT NULL,
  PRIMARY KEY (site, name, day)
);
CREATE TABLE IF NOT EXISTS mappings (
  id             INTEGER PRIMARY KEY,
  source_kind    TEXT NOT NULL CHECK (source_kind IN ('competitor','reference')),
  source_key     TEXT NOT NULL,
  target_kind    TEXT NOT NULL CHECK (target_kind IN ('catalog','reference')),
  target_key     TEXT NOT NULL,
  score          REAL NOT NULL,
  origin         TEXT NOT NULL CHECK (origin IN ('auto','manual')),
  active         INTEGER NOT NULL CHECK (active IN (0,1)),
  created_at     TEXT NOT NULL,
  superseded_at  TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_active ON mappings(source_kind, source_key) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_mappings_target ON mappings(target_kind, target_key);
CREATE TABLE IF NOT EXISTS plans (
  id           TEXT PRIMARY KEY,
  kind         TEXT NOT NULL,
  status       TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  approved_by  TEXT,
  approved_at  TEXT,
  updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status, created_at);
CREATE TABLE IF NOT EXISTS plan_items (
  plan_id     TEXT NOT NULL REFERENCES plans(id),
  seq         INTEGER NOT NULL,
  target_id   TEXT NOT NULL,
  field       TEXT NOT NULL CHECK (field IN ('price','inventory','variant')),
  old_value   INTEGER NOT NULL,
  new_value   INTEGER NOT NULL,
  variant     TEXT,
  requires    INTEGER NOT NULL DEFAULT 0,
  status      TEXT NOT NULL CHECK (status IN ('pending','succeeded','failed','skipped')),
  reason      TEXT,
  result_id   TEXT,
  updated_at  TEXT NOT NULL,
  PRIMARY KEY (plan_id, seq)
);
CREATE TABLE IF NOT EXISTS audit_log (
  id           TEXT PRIMARY KEY,
  occurred_at  TEXT NOT NULL,
  actor        TEXT NOT NULL,
  operation    TEXT NOT NULL,
  plan_id      TEXT,
  item_id      TEXT,
  before_value TEXT,
  after_value  TEXT,
  result       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_plan ON audit_log(plan_id, occurred_at);
`

type DB struct {
	reader
	sql *sql.DB

	// Now stamps rows and audit entries.
	Now func() time.Time
	// NewID generates audit entry ids.
	NewID func() string
}

// Open opens (and creates if needed) the sqlite database at path.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return NewFromSQL(db), nil
}

// NewFromSQL wraps an already opened handle without touching the schema.
func NewFromSQL(db *sql.DB) *DB {
	return &DB{
		reader: reader{q: db},
		sql:    db,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  func() string { return ulid.Make().String() },
	}
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// CopyTo writes a consistent copy of the database to a new file at path.
func (d *DB) CopyTo(ctx context.Context, path string) error {
	if _, err := d.sql.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("copying database to %s: %w", path, err)
	}
	return nil
}

// Snapshot runs fn against one read transaction, so every read inside fn
// observes the same committed state.
func (d *DB) Snapshot(ctx context.Context, fn func(Reader) error) error {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(reader{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// withTx runs fn in a write transaction and commits if fn returns nil.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// timeLayout is fixed width so stored stamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts our own RFC3339 stamps and sqlite's CURRENT_TIMESTAMP format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, catalog.ErrItemNotFound)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
