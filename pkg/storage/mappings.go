package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

// SetMapping makes m the active mapping for its source, superseding (never
// deleting) the previous one. Re-confirming the current target is a no-op.
func (d *DB) SetMapping(ctx context.Context, m catalog.Mapping, actor string) (catalog.Mapping, error) {
	if m.SourceKey == "" || m.TargetKey == "" {
		return catalog.Mapping{}, fmt.Errorf("mapping needs a source and a target key")
	}
	if m.Origin == "" {
		m.Origin = catalog.OriginManual
	}
	if m.TargetKind == "" {
		m.TargetKind = catalog.TargetCatalog
	}
	now := d.now()

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var (
			prevID     int64
			prevTarget string
		)
		err := tx.QueryRowContext(ctx, `SELECT id, target_key FROM mappings WHERE source_kind = ? AND source_key = ? AND active = 1`,
			string(m.SourceKind), m.SourceKey).Scan(&prevID, &prevTarget)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case prevTarget == m.TargetKey:
			m.ID = prevID
			m.Active = true
			return nil
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE mappings SET active = 0, superseded_at = ? WHERE id = ?`, formatTime(now), prevID); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO mappings(source_kind, source_key, target_kind, target_key, score, origin, active, created_at) VALUES(?,?,?,?,?,?,1,?)`,
			string(m.SourceKind), m.SourceKey, string(m.TargetKind), m.TargetKey, m.Score, string(m.Origin), formatTime(now))
		if err != nil {
			return err
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		m.Active = true
		m.CreatedAt = now

		op := OpMappingManual
		if m.Origin == catalog.OriginAuto {
			op = OpMappingAuto
		}
		return d.insertAudit(ctx, tx, AuditEntry{
			Actor:     actor,
			Operation: op,
			ItemID:    m.TargetKey,
			Before:    prevTarget,
			After:     string(m.SourceKind) + ":" + m.SourceKey + " -> " + string(m.TargetKind) + ":" + m.TargetKey,
			Result:    "score=" + strconv.FormatFloat(m.Score, 'f', 4, 64),
		})
	})
	if err != nil {
		return catalog.Mapping{}, err
	}
	return m, nil
}

// MappingWriter adapts the store to the matcher's sink for one source kind.
type MappingWriter struct {
	DB         *DB
	SourceKind catalog.SourceKind
	Actor      string
}

func (w MappingWriter) AddAutoMapping(ctx context.Context, sourceKey, targetKey string, score float64) error {
	_, err := w.DB.SetMapping(ctx, catalog.Mapping{
		SourceKind: w.SourceKind,
		SourceKey:  sourceKey,
		TargetKind: catalog.TargetCatalog,
		TargetKey:  targetKey,
		Score:      score,
		Origin:     catalog.OriginAuto,
	}, w.Actor)
	return err
}
