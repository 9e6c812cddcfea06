package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/plan"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var mu sync.Mutex
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	db.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return db
}

func seedCatalog(t *testing.T, db *DB) {
	t.Helper()
	_, err := db.UpsertCatalogItems(context.Background(), []catalog.Item{
		{ID: "a", Title: "Pokémon Booster Box", Price: 1200, Inventory: 4, Role: catalog.RoleStandalone},
		{ID: "b", Title: "Lorcana Booster Box", Price: 14400, Inventory: 10, Role: catalog.RoleBoxParent, UnitsPerBox: 24},
		{ID: "c", Title: "Sleeves", Price: 300, Inventory: 50},
	})
	require.NoError(t, err)
}

func testPlan(id string) *plan.Plan {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &plan.Plan{
		ID:        id,
		Kind:      plan.KindPriceUpdate,
		Status:    plan.StatusDraft,
		CreatedAt: now,
		Items: []plan.Item{
			{PlanID: id, Seq: 1, TargetID: "a", Field: plan.FieldPrice, Old: 1200, New: 1320, Status: plan.ItemPending},
			{PlanID: id, Seq: 2, TargetID: "c", Field: plan.FieldPrice, Old: 300, New: 350, Status: plan.ItemPending},
		},
	}
}

func TestUpsertCatalogItems(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)

	res, err := db.UpsertCatalogItems(ctx, []catalog.Item{
		{ID: "a", Title: "Pokémon Booster Box", Price: 1250, Inventory: 4, Role: catalog.RoleStandalone},
		{ID: "c", Title: "Sleeves", Price: 300, Inventory: 50, Role: catalog.RoleStandalone},
		{ID: "d", Title: "Playmat", Price: 2000, Inventory: 1, Role: catalog.RoleStandalone},
	})
	require.NoError(t, err)
	require.Equal(t, SyncResult{Added: 1, Updated: 1, Unchanged: 1}, res)

	it, err := db.GetCatalogItem(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(1250), it.Price)

	_, err = db.GetCatalogItem(ctx, "missing")
	require.ErrorIs(t, err, catalog.ErrItemNotFound)

	boxes, err := db.ListCatalogItems(ctx, CatalogFilter{Role: catalog.RoleBoxParent})
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.Equal(t, int64(24), boxes[0].UnitsPerBox)

	some, err := db.ListCatalogItems(ctx, CatalogFilter{IDs: []string{"a", "d"}})
	require.NoError(t, err)
	require.Len(t, some, 2)
}

func TestCreateAndGetPlan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)

	require.NoError(t, db.CreatePlan(ctx, testPlan("p1"), "tester"))

	got, err := db.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, plan.StatusDraft, got.Status)
	require.Len(t, got.Items, 2)
	require.Equal(t, int64(1320), got.Items[0].New)
	require.Equal(t, plan.ItemPending, got.Items[1].Status)

	entries, err := db.ListAudit(ctx, AuditFilter{PlanID: "p1", Operation: OpPlanBuild})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "tester", entries[0].Actor)
	require.Equal(t, "price:1200", entries[0].Before)

	_, err = db.GetPlan(ctx, "nope")
	require.ErrorIs(t, err, plan.ErrPlanNotFound)

	// same id twice violates the primary key and leaves the first plan intact
	require.Error(t, db.CreatePlan(ctx, testPlan("p1"), "tester"))
	entries, err = db.ListAudit(ctx, AuditFilter{PlanID: "p1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestVariantItemRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)

	spec := &catalog.VariantSpec{Title: "Lorcana Booster Box (Single Pack)", Price: 750, Inventory: 48, UnitsPerBox: 24}
	p := &plan.Plan{
		ID: "split", Kind: plan.KindVariantSplit, Status: plan.StatusDraft, CreatedAt: time.Now().UTC(),
		Items: []plan.Item{
			{PlanID: "split", Seq: 1, TargetID: "b", Field: plan.FieldVariant, New: 48, Variant: spec, Status: plan.ItemPending},
			{PlanID: "split", Seq: 2, TargetID: "b", Field: plan.FieldInventory, Old: 10, New: 8, Requires: 1, Status: plan.ItemPending},
		},
	}
	require.NoError(t, db.CreatePlan(ctx, p, "tester"))

	got, err := db.GetPlan(ctx, "split")
	require.NoError(t, err)
	require.Equal(t, spec, got.Items[0].Variant)
	require.Equal(t, 1, got.Items[1].Requires)

	first := got.Items[0]
	first.Status = plan.ItemSucceeded
	first.ResultID = "b-pack"
	require.NoError(t, db.RecordItemOutcome(ctx, first, "apply"))

	child, err := db.PackChild(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "b-pack", child.ID)
	require.Equal(t, int64(48), child.Inventory)
}

func TestTransitionPlanCompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)
	require.NoError(t, db.CreatePlan(ctx, testPlan("p1"), "tester"))

	err := db.TransitionPlan(ctx, "p1", plan.StatusApproved, plan.StatusApplying, "apply")
	var conflict *StatusConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, plan.StatusDraft, conflict.Have)

	require.NoError(t, db.ApprovePlan(ctx, "p1", "alice"))
	got, err := db.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "alice", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)
	require.Error(t, db.ApprovePlan(ctx, "p1", "bob"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if db.TransitionPlan(ctx, "p1", plan.StatusApproved, plan.StatusApplying, "apply") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)

	err = db.TransitionPlan(ctx, "missing", plan.StatusApproved, plan.StatusApplying, "apply")
	require.ErrorIs(t, err, plan.ErrPlanNotFound)
}

func TestRecordItemOutcome(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)
	p := testPlan("p1")
	require.NoError(t, db.CreatePlan(ctx, p, "tester"))

	it := p.Items[0]
	it.Status = plan.ItemSucceeded
	require.NoError(t, db.RecordItemOutcome(ctx, it, "apply"))

	mirrored, err := db.GetCatalogItem(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(1320), mirrored.Price)

	it.Status = plan.ItemFailed
	err = db.RecordItemOutcome(ctx, it, "apply")
	var np *ItemNotPendingError
	require.True(t, errors.As(err, &np))
	require.Equal(t, plan.ItemSucceeded, np.Have)

	second := p.Items[1]
	second.Status = plan.ItemFailed
	second.Reason = "boom"
	require.NoError(t, db.RecordItemOutcome(ctx, second, "apply"))
	untouched, err := db.GetCatalogItem(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(300), untouched.Price)

	entries, err := db.ListAudit(ctx, AuditFilter{PlanID: "p1", Operation: OpItemApply})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "failed: boom", entries[1].Result)
}

func TestRecoverStalePlan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)
	p := testPlan("p1")
	require.NoError(t, db.CreatePlan(ctx, p, "tester"))

	far := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	err := db.RecoverStalePlan(ctx, "p1", far, "ops")
	var conflict *StatusConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, plan.StatusDraft, conflict.Have)

	require.NoError(t, db.ApprovePlan(ctx, "p1", "alice"))
	require.NoError(t, db.TransitionPlan(ctx, "p1", plan.StatusApproved, plan.StatusApplying, "apply"))
	started, err := db.GetPlan(ctx, "p1")
	require.NoError(t, err)

	// recorded progress keeps the plan fresh
	it := p.Items[0]
	it.Status = plan.ItemSucceeded
	require.NoError(t, db.RecordItemOutcome(ctx, it, "apply"))
	progressed, err := db.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.True(t, progressed.UpdatedAt.After(started.UpdatedAt))

	err = db.RecoverStalePlan(ctx, "p1", started.UpdatedAt, "ops")
	require.ErrorIs(t, err, plan.ErrPlanActive)
	require.Error(t, db.RecoverStalePlan(ctx, "p1", far, ""))

	require.NoError(t, db.RecoverStalePlan(ctx, "p1", progressed.UpdatedAt, "ops"))
	got, err := db.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, plan.StatusPartiallyApplied, got.Status)
	require.Equal(t, plan.ItemPending, got.Items[1].Status)

	err = db.RecoverStalePlan(ctx, "p1", far, "ops")
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, plan.StatusPartiallyApplied, conflict.Have)

	entries, err := db.ListAudit(ctx, AuditFilter{PlanID: "p1", Operation: OpPlanRecover})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ops", entries[0].Actor)
	require.Equal(t, string(plan.StatusApplying), entries[0].Before)
	require.Equal(t, string(plan.StatusPartiallyApplied), entries[0].After)

	err = db.RecoverStalePlan(ctx, "missing", far, "ops")
	require.ErrorIs(t, err, plan.ErrPlanNotFound)
}

func TestCopyTo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)
	require.NoError(t, db.CreatePlan(ctx, testPlan("p1"), "tester"))

	path := filepath.Join(t.TempDir(), "copy.sqlite")
	require.NoError(t, db.CopyTo(ctx, path))
	cp, err := Open(path)
	require.NoError(t, err)
	defer cp.Close()

	got, err := cp.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got.Items, 2)

	require.NoError(t, cp.ApprovePlan(ctx, "p1", "alice"))
	orig, err := db.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, plan.StatusDraft, orig.Status)

	require.Error(t, db.CopyTo(ctx, path), "target file already exists")
}

func TestSetMappingSupersedes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)

	m := catalog.Mapping{SourceKind: catalog.SourceCompetitor, SourceKey: "pokemon booster box", TargetKey: "a", Score: 1, Origin: catalog.OriginAuto}
	first, err := db.SetMapping(ctx, m, "automap")
	require.NoError(t, err)

	again, err := db.SetMapping(ctx, m, "automap")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	m.TargetKey = "c"
	m.Origin = catalog.OriginManual
	_, err = db.SetMapping(ctx, m, "alice")
	require.NoError(t, err)

	active, err := db.ListMappings(ctx, MappingFilter{SourceKind: catalog.SourceCompetitor, SourceKey: "pokemon booster box"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "c", active[0].TargetKey)

	all, err := db.ListMappings(ctx, MappingFilter{SourceKey: "pokemon booster box", IncludeHistory: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.False(t, all[0].Active)
	require.NotNil(t, all[0].SupersededAt)

	auto, err := db.ListAudit(ctx, AuditFilter{Operation: OpMappingAuto})
	require.NoError(t, err)
	require.Len(t, auto, 1)
	manual, err := db.ListAudit(ctx, AuditFilter{Operation: OpMappingManual})
	require.NoError(t, err)
	require.Len(t, manual, 1)
	require.Equal(t, "a", manual[0].Before)
}

func TestSaveRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := db.SaveRun(ctx, CollectorRun{Site: "shop-a", Role: "competitor", Status: RunSucceeded, Fetched: 3, Malformed: 1}, nil, []catalog.CompetitorRecord{
		{Site: "shop-a", Name: "pokemon booster box", Price: 1500, InStock: true, ScrapedAt: day},
		{Site: "shop-a", Name: "pokemon booster box", Price: 1400, InStock: false, ScrapedAt: day.Add(time.Hour)},
	})
	require.NoError(t, err)

	_, err = db.SaveRun(ctx, CollectorRun{Site: "ref", Role: "reference", Status: RunSucceeded}, []catalog.ReferenceRecord{
		{Site: "ref", Name: "pokemon booster box", Price: 1000, Currency: "EUR", FetchedAt: day},
		{Site: "ref", Name: "pokemon booster box", Price: 1100, Currency: "EUR", FetchedAt: day.Add(time.Hour)},
	}, nil)
	require.NoError(t, err)

	snaps, err := db.Trend(ctx, "shop-a", "pokemon booster box", day.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, catalog.DailySnapshot{Site: "shop-a", Name: "pokemon booster box", Day: "2026-03-01", LastPrice: 1400, MinPrice: 1400, MaxPrice: 1500, InStock: false, Samples: 2}, snaps[0])

	hist, err := db.CompetitorHistory(ctx, "pokemon booster box", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	ref, err := db.LatestReference(ctx, "pokemon booster box")
	require.NoError(t, err)
	require.Equal(t, int64(1100), ref.Price)
	_, err = db.LatestReference(ctx, "unknown")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.SaveRun(ctx, CollectorRun{Site: "shop-b", Status: RunFailed, Error: "boom"}, nil, []catalog.CompetitorRecord{{Site: "shop-b", Name: "x", Price: 1}})
	require.Error(t, err)
	_, err = db.SaveRun(ctx, CollectorRun{Site: "shop-b", Role: "competitor", Status: RunFailed, Error: "boom"}, nil, nil)
	require.NoError(t, err)

	runs, err := db.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	audit, err := db.ListAudit(ctx, AuditFilter{Operation: OpCollectRun})
	require.NoError(t, err)
	require.Len(t, audit, 3)
	require.Equal(t, "failed: boom", audit[2].Result)

	names, err := db.SourceNames(ctx, catalog.SourceReference)
	require.NoError(t, err)
	require.Equal(t, []string{"pokemon booster box"}, names)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.CompetitorRows)
	require.Equal(t, 2, stats.ReferenceRecords)
	require.Equal(t, 1, stats.CompetitorSites)
}

func TestSnapshotReads(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCatalog(t, db)

	var items []catalog.Item
	err := db.Snapshot(ctx, func(r Reader) error {
		var err error
		items, err = r.ListCatalogItems(ctx, CatalogFilter{})
		if err != nil {
			return err
		}
		_, err = r.ListMappings(ctx, MappingFilter{})
		return err
	})
	require.NoError(t, err)
	require.Len(t, items, 3)

	sentinel := errors.New("stop")
	require.ErrorIs(t, db.Snapshot(ctx, func(Reader) error { return sentinel }), sentinel)
}
