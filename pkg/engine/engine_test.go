package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/collectors"
	"github.com/sw33tLie/shelfsync/pkg/matcher"
	"github.com/sw33tLie/shelfsync/pkg/plan"
	"github.com/sw33tLie/shelfsync/pkg/pricing"
	"github.com/sw33tLie/shelfsync/pkg/storage"
	"github.com/sw33tLie/shelfsync/pkg/storefront"
)

func newEngine(t *testing.T) (*Engine, *storefront.Memory) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "engine.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	shop := storefront.NewMemory(
		catalog.Item{ID: "pkmn", Title: "Pokémon Booster Box", Price: 1200, Inventory: 4},
		catalog.Item{ID: "lorcana", Title: "Lorcana Booster Box", Price: 14400, Inventory: 10, UnitsPerBox: 36},
		catalog.Item{ID: "sleeves", Title: "Dragon Shield Sleeves", Price: 900, Inventory: 40},
	)
	e := New(db, shop)
	e.LockDir = t.TempDir()
	e.InitialBackoff = time.Millisecond
	e.Rates = pricing.NewRateCache(pricing.StaticRates{"EUR": decimal.RequireFromString("1.10")}, time.Hour)
	e.Pricing = pricing.Computer{
		Margin:   pricing.PercentMarkup{Percent: decimal.NewFromInt(20)},
		Rounding: pricing.NearestMultiple{Step: 10},
	}
	e.Sites = []collectors.SiteConfig{
		{ID: "refmarket", Kind: "static", Role: collectors.RoleReference, Currency: "EUR", Records: []collectors.StaticRecord{
			{Name: "Pokemon Booster Box", Price: "10,00"},
			{Name: "One Piece Booster Box", Price: "85,00"},
		}},
		{ID: "rival", Kind: "static", Role: collectors.RoleCompetitor, Records: []collectors.StaticRecord{
			{Name: "POKEMON booster box!", Price: "$13.50", Stock: "In stock"},
		}},
	}
	return e, shop
}

func TestPriceUpdateEndToEnd(t *testing.T) {
	e, shop := newEngine(t)
	ctx := context.Background()

	sync, err := e.SyncCatalog(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sync.Added)

	runs, err := e.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		require.NoError(t, r.Err)
	}

	am, err := e.AutoMap(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, am.Reference.Mapped)
	require.Equal(t, 1, am.Reference.Unmatched)
	require.Equal(t, 1, am.Competitor.Mapped)
	for _, o := range am.Reference.Outcomes {
		if o.SourceKey == "pokemon booster box" {
			require.Equal(t, "pkmn", o.TargetKey)
			require.Equal(t, 1.0, o.Score)
			require.Equal(t, matcher.StatusMapped, o.Status)
		}
	}

	res, err := e.BuildPricePlan(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Plan)
	require.Len(t, res.Plan.Items, 1)
	it := res.Plan.Items[0]
	require.Equal(t, "pkmn", it.TargetID)
	require.Equal(t, int64(1200), it.Old)
	require.Equal(t, int64(1320), it.New)
	require.Len(t, res.Excluded, 2)
	for _, x := range res.Excluded {
		require.ErrorIs(t, x.Err, pricing.ErrMissingReferencePrice)
	}

	_, err = e.Apply(ctx, res.Plan.ID)
	require.ErrorIs(t, err, plan.ErrPlanNotApproved)
	require.Zero(t, shop.TotalCalls())

	require.NoError(t, e.Approve(ctx, res.Plan.ID, "alice"))
	rep, err := e.Apply(ctx, res.Plan.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StatusApplied, rep.Status)

	live, err := shop.GetCatalogItem(ctx, "pkmn")
	require.NoError(t, err)
	require.Equal(t, int64(1320), live.Price)

	_, err = e.Apply(ctx, res.Plan.ID)
	require.ErrorIs(t, err, plan.ErrPlanAlreadyApplied)
	err = e.Approve(ctx, res.Plan.ID, "alice")
	require.ErrorIs(t, err, plan.ErrPlanAlreadyApplied)

	// prices already match now
	_, err = e.BuildPricePlan(ctx)
	require.ErrorIs(t, err, plan.ErrEmptyPlan)

	audit, err := e.DB.ListAudit(ctx, storage.AuditFilter{PlanID: res.Plan.ID})
	require.NoError(t, err)
	var ops []storage.Operation
	for _, a := range audit {
		ops = append(ops, a.Operation)
	}
	require.Equal(t, []storage.Operation{
		storage.OpPlanBuild,
		storage.OpPlanApprove,
		storage.OpPlanStatus, // approved -> applying
		storage.OpItemApply,
		storage.OpPlanStatus, // applying -> applied
	}, ops)
}

func TestManualMappingSurvivesAutoMap(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.SyncCatalog(ctx)
	require.NoError(t, err)
	_, err = e.Collect(ctx)
	require.NoError(t, err)

	_, err = e.SetMapping(ctx, catalog.SourceReference, "One Piece Booster-Box", "lorcana", "bob")
	require.NoError(t, err)

	am, err := e.AutoMap(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, am.Manual)
	require.Equal(t, 1, am.Reference.Total)

	maps, err := e.DB.ListMappings(ctx, storage.MappingFilter{SourceKind: catalog.SourceReference, SourceKey: "one piece booster box"})
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.Equal(t, catalog.OriginManual, maps[0].Origin)
	require.Equal(t, "lorcana", maps[0].TargetKey)

	res, err := e.BuildPricePlan(ctx)
	require.NoError(t, err)
	require.Len(t, res.Plan.Items, 2)

	_, err = e.SetMapping(ctx, catalog.SourceReference, "x", "missing", "bob")
	require.ErrorIs(t, err, catalog.ErrItemNotFound)
}

func TestAutoMapRerunKeepsExistingLinks(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.SyncCatalog(ctx)
	require.NoError(t, err)
	_, err = e.Collect(ctx)
	require.NoError(t, err)

	first, err := e.AutoMap(ctx, "")
	require.NoError(t, err)
	mapped := first.Reference.Mapped + first.Competitor.Mapped
	require.Equal(t, 2, mapped)
	require.Zero(t, first.AlreadyMapped)

	second, err := e.AutoMap(ctx, "")
	require.NoError(t, err)
	require.Equal(t, mapped, second.AlreadyMapped)
	require.Zero(t, second.Reference.Mapped+second.Competitor.Mapped)
	// the unmatched reference name is retried every run
	require.Equal(t, 1, second.Reference.Total)
	require.Equal(t, 1, second.Reference.Unmatched)
	require.Zero(t, second.Competitor.Total)

	maps, err := e.DB.ListMappings(ctx, storage.MappingFilter{SourceKind: catalog.SourceReference, IncludeHistory: true})
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.True(t, maps[0].Active)
}

func TestPricePlanExcludesItemsWithoutRate(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	e.Sites[0].Currency = "GBP"
	_, err := e.SyncCatalog(ctx)
	require.NoError(t, err)
	_, err = e.Collect(ctx)
	require.NoError(t, err)
	_, err = e.AutoMap(ctx, "")
	require.NoError(t, err)

	res, err := e.BuildPricePlan(ctx)
	require.ErrorIs(t, err, plan.ErrEmptyPlan)
	require.Nil(t, res.Plan)
	require.Len(t, res.Excluded, 3)
	var rateMiss []Exclusion
	for _, x := range res.Excluded {
		if errors.Is(x.Err, pricing.ErrNoExchangeRate) {
			rateMiss = append(rateMiss, x)
		}
	}
	require.Len(t, rateMiss, 1)
	require.Equal(t, "pkmn", rateMiss[0].ItemID)
	require.Contains(t, rateMiss[0].Reason, "GBP")
}

func TestSplitThenRebalance(t *testing.T) {
	e, shop := newEngine(t)
	ctx := context.Background()
	_, err := e.SyncCatalog(ctx)
	require.NoError(t, err)

	res, err := e.BuildSplitPlan(ctx, nil)
	require.NoError(t, err)
	require.Len(t, res.Plan.Items, 2)
	create, boxes := res.Plan.Items[0], res.Plan.Items[1]
	require.Equal(t, plan.FieldVariant, create.Field)
	require.Equal(t, "Lorcana Booster Box (Single Pack)", create.Variant.Title)
	require.Equal(t, int64(400), create.Variant.Price)
	// 360 pack units, a quarter is 90, two whole boxes are opened
	require.Equal(t, int64(72), create.Variant.Inventory)
	require.Equal(t, int64(8), boxes.New)
	require.Equal(t, create.Seq, boxes.Requires)

	require.NoError(t, e.Approve(ctx, res.Plan.ID, "alice"))
	rep, err := e.Apply(ctx, res.Plan.ID)
	require.NoError(t, err)
	require.Equal(t, plan.StatusApplied, rep.Status)

	parent, err := shop.GetCatalogItem(ctx, "lorcana")
	require.NoError(t, err)
	require.Equal(t, catalog.RoleBoxParent, parent.Role)
	require.Equal(t, int64(8), parent.Inventory)
	child, err := e.DB.PackChild(ctx, "lorcana")
	require.NoError(t, err)
	require.Equal(t, int64(72), child.Inventory)
	require.Equal(t, int64(360), parent.Inventory*36+child.Inventory)

	again, err := e.BuildSplitPlan(ctx, []string{"lorcana"})
	require.ErrorIs(t, err, plan.ErrEmptyPlan)
	require.Equal(t, 1, again.NoOps)

	_, err = e.BuildRebalancePlan(ctx, nil)
	require.ErrorIs(t, err, plan.ErrEmptyPlan)

	// packs sold down on the storefront: the pool is re-split
	_, err = e.DB.UpsertCatalogItems(ctx, []catalog.Item{{ID: child.ID, Title: child.Title, Price: child.Price, Inventory: 5, Role: catalog.RolePackChild, ParentID: "lorcana", UnitsPerBox: 36}})
	require.NoError(t, err)
	rb, err := e.BuildRebalancePlan(ctx, []string{"lorcana"})
	require.NoError(t, err)
	require.Len(t, rb.Plan.Items, 2)
	require.Equal(t, plan.KindInventorySplit, rb.Plan.Kind)
	// pool 8*36+5 = 293; 5 loose packs stay, 288 re-split: 72 requested, 2 boxes opened
	require.Equal(t, int64(6), rb.Plan.Items[0].New)
	require.Equal(t, int64(77), rb.Plan.Items[1].New)
}

func TestSplitExcludesUnpricedItems(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.DB.UpsertCatalogItems(ctx, []catalog.Item{{ID: "free", Title: "Promo Box", Inventory: 3, UnitsPerBox: 10}})
	require.NoError(t, err)

	res, err := e.BuildSplitPlan(ctx, []string{"free"})
	require.ErrorIs(t, err, plan.ErrEmptyPlan)
	require.Len(t, res.Excluded, 1)
}

func TestCollectUnknownSite(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Collect(context.Background(), "nope")
	require.Error(t, err)
}

func TestApplyWithoutStorefront(t *testing.T) {
	e, _ := newEngine(t)
	e.Storefront = nil
	_, err := e.Apply(context.Background(), "x")
	require.Error(t, err)
	require.False(t, errors.Is(err, plan.ErrPlanNotFound))
}
