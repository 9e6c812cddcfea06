// Package engine exposes the entry points an external scheduler or the CLI
// calls: collect, sync, auto-map, build plans, approve and apply them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/sw33tLie/shelfsync/internal/logx"
	"github.com/sw33tLie/shelfsync/pkg/apply"
	"github.com/sw33tLie/shelfsync/pkg/canon"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/collect"
	"github.com/sw33tLie/shelfsync/pkg/collectors"
	"github.com/sw33tLie/shelfsync/pkg/matcher"
	"github.com/sw33tLie/shelfsync/pkg/plan"
	"github.com/sw33tLie/shelfsync/pkg/pricing"
	"github.com/sw33tLie/shelfsync/pkg/storage"
	"github.com/sw33tLie/shelfsync/pkg/storefront"
	"github.com/sw33tLie/shelfsync/pkg/variant"
)

// Logger is satisfied by *logrus.Logger.
type Logger = logx.Logger

// Engine holds every collaborator. Only DB is required for read paths;
// Storefront is needed by SyncCatalog, Apply and Resume.
type Engine struct {
	DB         *storage.DB
	Storefront storefront.Storefront

	Matcher *matcher.Matcher
	Canon   *canon.Canonicalizer
	Rates   *pricing.RateCache
	Pricing pricing.Computer
	Split   variant.Config

	Sites       []collectors.SiteConfig
	Registry    collectors.Registry
	Client      *retryablehttp.Client
	LockDir     string
	Concurrency int

	MaxAttempts    int
	InitialBackoff time.Duration

	// Actor is recorded for plan builds and automatic mappings.
	Actor string
	Log   Logger
}

// New returns an engine with the default matcher threshold, a 20% markup
// rounded to whole units and a quarter of each box offered as packs.
func New(db *storage.DB, sf storefront.Storefront) *Engine {
	m, _ := matcher.New(matcher.DefaultThreshold)
	return &Engine{
		DB:         db,
		Storefront: sf,
		Matcher:    m,
		Canon:      canon.New(canon.DefaultPhrases()),
		Pricing: pricing.Computer{
			Margin:   pricing.PercentMarkup{Percent: decimal.NewFromInt(20)},
			Rounding: pricing.NearestMultiple{Step: 100},
		},
		Split: variant.Config{Fraction: decimal.NewFromFloat(0.25)},
		Actor: "system",
		Log:   logx.Nop{},
	}
}

func (e *Engine) log() Logger {
	return logx.Or(e.Log)
}

func (e *Engine) actor() string {
	if e.Actor == "" {
		return "system"
	}
	return e.Actor
}

// Collect runs the configured collectors. With siteIDs only those sites run.
func (e *Engine) Collect(ctx context.Context, siteIDs ...string) ([]collect.SiteResult, error) {
	sites := e.Sites
	if len(siteIDs) > 0 {
		want := make(map[string]bool, len(siteIDs))
		for _, id := range siteIDs {
			want[id] = true
		}
		sites = nil
		for _, s := range e.Sites {
			if want[s.ID] {
				sites = append(sites, s)
				delete(want, s.ID)
			}
		}
		for id := range want {
			return nil, fmt.Errorf("unknown site %q", id)
		}
	}
	return collect.Run(ctx, collect.Config{
		Sites:       sites,
		Registry:    e.Registry,
		Client:      e.Client,
		Store:       e.DB,
		Canon:       e.Canon,
		LockDir:     e.LockDir,
		Concurrency: e.Concurrency,
		Log:         e.log(),
	})
}

// SyncCatalog mirrors the storefront catalog into the local store.
func (e *Engine) SyncCatalog(ctx context.Context) (storage.SyncResult, error) {
	if e.Storefront == nil {
		return storage.SyncResult{}, errors.New("no storefront configured")
	}
	items, err := e.Storefront.ListCatalogItems(ctx, storefront.Filter{})
	if err != nil {
		return storage.SyncResult{}, fmt.Errorf("listing storefront items: %w", err)
	}
	res, err := e.DB.UpsertCatalogItems(ctx, items)
	if err != nil {
		return res, err
	}
	e.log().Infof("Catalog sync: %d added, %d updated, %d unchanged", res.Added, res.Updated, res.Unchanged)
	return res, nil
}

// Executor builds the apply executor used by Apply and Resume.
func (e *Engine) Executor() (*apply.Executor, error) {
	if e.Storefront == nil {
		return nil, errors.New("no storefront configured")
	}
	x := apply.New(e.DB, e.Storefront)
	if e.MaxAttempts > 0 {
		x.MaxAttempts = e.MaxAttempts
	}
	if e.InitialBackoff > 0 {
		x.InitialBackoff = e.InitialBackoff
	}
	x.Log = e.log()
	return x, nil
}

// Approve is the human review gate between draft and approved.
func (e *Engine) Approve(ctx context.Context, planID, actor string) error {
	if err := e.DB.ApprovePlan(ctx, planID, actor); err != nil {
		var sc *storage.StatusConflictError
		if errors.As(err, &sc) && sc.Have != plan.StatusApproved {
			return fmt.Errorf("%w: %v", plan.ErrPlanAlreadyApplied, err)
		}
		return err
	}
	e.log().Infof("Plan %s approved by %s", planID, actor)
	return nil
}

func (e *Engine) Apply(ctx context.Context, planID string) (*apply.Report, error) {
	x, err := e.Executor()
	if err != nil {
		return nil, err
	}
	return x.Apply(ctx, planID)
}

func (e *Engine) Resume(ctx context.Context, planID string) (*apply.Report, error) {
	x, err := e.Executor()
	if err != nil {
		return nil, err
	}
	return x.Resume(ctx, planID)
}

// Recover takes over a plan stuck in applying after its run died. actor is
// recorded on the takeover and on the items it applies.
func (e *Engine) Recover(ctx context.Context, planID, actor string, staleAfter time.Duration) (*apply.Report, error) {
	x, err := e.Executor()
	if err != nil {
		return nil, err
	}
	if actor != "" {
		x.Actor = actor
	}
	return x.Recover(ctx, planID, staleAfter)
}

// AutoMapSummary reports an auto-mapping pass per source kind.
type AutoMapSummary struct {
	Reference  matcher.Summary
	Competitor matcher.Summary
	// Manual counts sources left alone because a person mapped them.
	Manual int
	// AlreadyMapped counts sources that kept the automatic link from an
	// earlier run.
	AlreadyMapped int
}

// AutoMap matches every reference and competitor name against the catalog
// and stores the accepted links. Only sources without an active mapping are
// matched: a manual mapping is never touched and an earlier automatic link is
// kept as is. All inputs are read from one snapshot.
func (e *Engine) AutoMap(ctx context.Context, actor string) (AutoMapSummary, error) {
	if actor == "" {
		actor = e.actor()
	}
	var (
		sum     AutoMapSummary
		targets []matcher.Candidate
		sources = map[catalog.SourceKind][]matcher.Candidate{}
	)
	err := e.DB.Snapshot(ctx, func(r storage.Reader) error {
		items, err := r.ListCatalogItems(ctx, storage.CatalogFilter{})
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Role == catalog.RolePackChild {
				continue
			}
			targets = append(targets, matcher.Candidate{Key: it.ID, Name: canon.Name(it.Title)})
		}

		for _, kind := range []catalog.SourceKind{catalog.SourceReference, catalog.SourceCompetitor} {
			names, err := r.SourceNames(ctx, kind)
			if err != nil {
				return err
			}
			active, err := r.ListMappings(ctx, storage.MappingFilter{SourceKind: kind})
			if err != nil {
				return err
			}
			origin := map[string]catalog.Origin{}
			for _, m := range active {
				if origin[m.SourceKey] != catalog.OriginManual {
					origin[m.SourceKey] = m.Origin
				}
			}
			for _, n := range names {
				switch o, ok := origin[n]; {
				case !ok:
				case o == catalog.OriginManual:
					sum.Manual++
					continue
				default:
					sum.AlreadyMapped++
					continue
				}
				sources[kind] = append(sources[kind], matcher.Candidate{Key: n, Name: n})
			}
		}
		return nil
	})
	if err != nil {
		return sum, err
	}

	m := e.Matcher
	if m == nil {
		if m, err = matcher.New(matcher.DefaultThreshold); err != nil {
			return sum, err
		}
	}
	sum.Reference, err = m.AutoMapAll(ctx, sources[catalog.SourceReference], targets,
		storage.MappingWriter{DB: e.DB, SourceKind: catalog.SourceReference, Actor: actor})
	if err != nil {
		return sum, err
	}
	sum.Competitor, err = m.AutoMapAll(ctx, sources[catalog.SourceCompetitor], targets,
		storage.MappingWriter{DB: e.DB, SourceKind: catalog.SourceCompetitor, Actor: actor})
	if err != nil {
		return sum, err
	}
	for _, s := range []matcher.Summary{sum.Reference, sum.Competitor} {
		for _, o := range s.Outcomes {
			if o.Err != nil {
				e.log().Warnf("Could not store mapping %s -> %s: %v", o.SourceKey, o.TargetKey, o.Err)
			}
		}
	}
	e.log().Infof("Auto-map: reference %d/%d mapped, competitor %d/%d mapped, %d manual kept, %d already mapped",
		sum.Reference.Mapped, sum.Reference.Total, sum.Competitor.Mapped, sum.Competitor.Total, sum.Manual, sum.AlreadyMapped)
	return sum, nil
}

// SetMapping records a manual mapping from a source name to a catalog item.
// The source name is canonicalized first.
func (e *Engine) SetMapping(ctx context.Context, kind catalog.SourceKind, sourceName, itemID, actor string) (catalog.Mapping, error) {
	if kind != catalog.SourceReference && kind != catalog.SourceCompetitor {
		return catalog.Mapping{}, fmt.Errorf("unknown source kind %q", kind)
	}
	if _, err := e.DB.GetCatalogItem(ctx, itemID); err != nil {
		return catalog.Mapping{}, err
	}
	key := canon.Name(sourceName)
	if key == "" {
		return catalog.Mapping{}, fmt.Errorf("source name %q is empty after normalization", sourceName)
	}
	return e.DB.SetMapping(ctx, catalog.Mapping{
		SourceKind: kind,
		SourceKey:  key,
		TargetKind: catalog.TargetCatalog,
		TargetKey:  itemID,
		Score:      1,
		Origin:     catalog.OriginManual,
	}, actor)
}

// Exclusion is a catalog item left out of a plan, with the reason.
type Exclusion struct {
	ItemID string
	Reason string
	Err    error
}

// PlanResult is what a plan build produced. Plan is nil when every candidate
// was excluded or a no-op.
type PlanResult struct {
	Plan     *plan.Plan
	Summary  plan.BuildSummary
	Excluded []Exclusion
	NoOps    int
}

// build hands deltas to the plan builder. An empty batch is reported through
// plan.ErrEmptyPlan with the exclusions still attached to the result.
func (e *Engine) build(ctx context.Context, kind plan.Kind, deltas []plan.Delta, res *PlanResult) (*PlanResult, error) {
	for _, x := range res.Excluded {
		e.log().Warnf("Excluded %s from %s plan: %s", x.ItemID, kind, x.Reason)
	}
	if len(deltas) == 0 {
		return res, plan.ErrEmptyPlan
	}
	b := plan.NewBuilder(e.DB, e.DB)
	b.Actor = e.actor()
	p, sum, err := b.Build(ctx, kind, deltas)
	res.Summary = sum
	if err != nil {
		return res, err
	}
	res.Plan = p
	e.log().Infof("Built %s plan %s: %d items (%d no-op deltas dropped, %d items excluded)", kind, p.ID, len(p.Items), sum.Dropped, len(res.Excluded))
	return res, nil
}

// BuildPricePlan proposes a price for every catalog item linked to a
// reference record. Items without a usable reference or without an exchange
// rate for its currency are excluded and counted, never fatal. A rate source
// that cannot be loaded at all fails the build.
func (e *Engine) BuildPricePlan(ctx context.Context) (*PlanResult, error) {
	type candidate struct {
		item catalog.Item
		ref  catalog.ReferenceRecord
	}
	var (
		res   = &PlanResult{}
		cands []candidate
	)
	err := e.DB.Snapshot(ctx, func(r storage.Reader) error {
		items, err := r.ListCatalogItems(ctx, storage.CatalogFilter{})
		if err != nil {
			return err
		}
		maps, err := r.ListMappings(ctx, storage.MappingFilter{SourceKind: catalog.SourceReference, TargetKind: catalog.TargetCatalog})
		if err != nil {
			return err
		}
		linked := referenceLinks(maps)

		for _, it := range items {
			if it.Role == catalog.RolePackChild {
				continue
			}
			name, ok := linked[it.ID]
			if !ok {
				res.Excluded = append(res.Excluded, Exclusion{ItemID: it.ID, Reason: "no reference mapping", Err: pricing.ErrMissingReferencePrice})
				continue
			}
			ref, err := r.LatestReference(ctx, name)
			if errors.Is(err, storage.ErrNotFound) {
				res.Excluded = append(res.Excluded, Exclusion{ItemID: it.ID, Reason: "no reference record for " + name, Err: pricing.ErrMissingReferencePrice})
				continue
			}
			if err != nil {
				return err
			}
			cands = append(cands, candidate{item: it, ref: ref})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var deltas []plan.Delta
	for _, c := range cands {
		rate := decimal.NewFromInt(1)
		if e.Rates != nil {
			rate, err = e.Rates.Rate(ctx, c.ref.Currency)
			if errors.Is(err, pricing.ErrNoExchangeRate) {
				res.Excluded = append(res.Excluded, Exclusion{ItemID: c.item.ID, Reason: "no exchange rate for " + c.ref.Currency, Err: err})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("exchange rate for %s: %w", c.ref.Currency, err)
			}
		}
		price, err := e.Pricing.Compute(c.ref.Price, rate)
		if err != nil {
			res.Excluded = append(res.Excluded, Exclusion{ItemID: c.item.ID, Reason: err.Error(), Err: err})
			continue
		}
		deltas = append(deltas, plan.Delta{TargetID: c.item.ID, Field: plan.FieldPrice, Old: c.item.Price, New: price})
	}
	return e.build(ctx, plan.KindPriceUpdate, deltas, res)
}

// referenceLinks picks one reference name per catalog item: a manual link
// beats an automatic one, then the newest wins.
func referenceLinks(maps []catalog.Mapping) map[string]string {
	best := map[string]catalog.Mapping{}
	for _, m := range maps {
		cur, ok := best[m.TargetKey]
		switch {
		case !ok:
		case cur.Origin == catalog.OriginManual && m.Origin != catalog.OriginManual:
			continue
		case cur.Origin != catalog.OriginManual && m.Origin == catalog.OriginManual:
		case m.ID < cur.ID:
			continue
		}
		best[m.TargetKey] = m
	}
	out := make(map[string]string, len(best))
	for k, m := range best {
		out[k] = m.SourceKey
	}
	return out
}

// BuildSplitPlan proposes the first box/pack split of the given items. With
// no ids, every standalone item that records a units-per-box ratio is tried.
// Items that are already split count as no-ops.
func (e *Engine) BuildSplitPlan(ctx context.Context, itemIDs []string) (*PlanResult, error) {
	parents, err := e.splitCandidates(ctx, itemIDs, func(it catalog.Item) bool {
		return it.Role == catalog.RoleStandalone && it.UnitsPerBox > 0
	})
	if err != nil {
		return nil, err
	}
	res := &PlanResult{}
	var deltas []plan.Delta
	for _, parent := range parents {
		var existing *catalog.Item
		child, err := e.DB.PackChild(ctx, parent.ID)
		switch {
		case err == nil:
			existing = &child
		case !errors.Is(err, catalog.ErrItemNotFound):
			return nil, err
		}

		r, err := variant.Split(parent, existing, e.Split)
		if err != nil {
			res.Excluded = append(res.Excluded, Exclusion{ItemID: parent.ID, Reason: err.Error(), Err: err})
			continue
		}
		if r.NoOp {
			res.NoOps++
			e.log().Debugf("%s already has pack child %s", parent.ID, r.ChildID)
			continue
		}
		if r.Remainder > 0 {
			e.log().Infof("%s: %d requested pack units stay boxed", parent.ID, r.Remainder)
		}
		deltas = append(deltas, plan.Delta{TargetID: parent.ID, Field: plan.FieldVariant, New: r.ChildSpec.Inventory, Variant: r.ChildSpec})
		deltas = append(deltas, plan.Delta{TargetID: parent.ID, Field: plan.FieldInventory, Old: r.BoxBefore, New: r.BoxAfter, Requires: len(deltas)})
	}
	return e.build(ctx, plan.KindVariantSplit, deltas, res)
}

// BuildRebalancePlan re-allocates the shared pool of existing box/pack pairs.
// With no ids, every box parent is tried.
func (e *Engine) BuildRebalancePlan(ctx context.Context, itemIDs []string) (*PlanResult, error) {
	parents, err := e.splitCandidates(ctx, itemIDs, func(it catalog.Item) bool {
		return it.Role == catalog.RoleBoxParent
	})
	if err != nil {
		return nil, err
	}
	res := &PlanResult{}
	var deltas []plan.Delta
	for _, parent := range parents {
		child, err := e.DB.PackChild(ctx, parent.ID)
		if errors.Is(err, catalog.ErrItemNotFound) {
			res.Excluded = append(res.Excluded, Exclusion{ItemID: parent.ID, Reason: "no pack child", Err: variant.ErrNotSplittable})
			continue
		}
		if err != nil {
			return nil, err
		}
		r, err := variant.Rebalance(parent, child, e.Split)
		if err != nil {
			res.Excluded = append(res.Excluded, Exclusion{ItemID: parent.ID, Reason: err.Error(), Err: err})
			continue
		}
		if r.NoOp {
			res.NoOps++
			continue
		}
		deltas = append(deltas,
			plan.Delta{TargetID: parent.ID, Field: plan.FieldInventory, Old: r.BoxBefore, New: r.BoxAfter},
			plan.Delta{TargetID: child.ID, Field: plan.FieldInventory, Old: r.PackBefore, New: r.PackAfter},
		)
	}
	return e.build(ctx, plan.KindInventorySplit, deltas, res)
}

func (e *Engine) splitCandidates(ctx context.Context, ids []string, auto func(catalog.Item) bool) ([]catalog.Item, error) {
	if len(ids) == 0 {
		items, err := e.DB.ListCatalogItems(ctx, storage.CatalogFilter{})
		if err != nil {
			return nil, err
		}
		var out []catalog.Item
		for _, it := range items {
			if auto(it) {
				out = append(out, it)
			}
		}
		return out, nil
	}
	out := make([]catalog.Item, 0, len(ids))
	for _, id := range ids {
		it, err := e.DB.GetCatalogItem(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
