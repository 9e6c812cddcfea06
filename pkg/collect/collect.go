// Package collect runs site collectors concurrently and persists what they
// return, one transaction per site run.
package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sw33tLie/shelfsync/internal/logx"
	"github.com/sw33tLie/shelfsync/internal/utils"
	"github.com/sw33tLie/shelfsync/pkg/canon"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/collectors"
	"github.com/sw33tLie/shelfsync/pkg/storage"
)

// Logger is satisfied by *logrus.Logger.
type Logger = logx.Logger

// Store persists one run and its records atomically.
type Store interface {
	SaveRun(ctx context.Context, run storage.CollectorRun, refs []catalog.ReferenceRecord, comps []catalog.CompetitorRecord) (int64, error)
}

// Config holds everything Run needs.
type Config struct {
	Sites       []collectors.SiteConfig
	Registry    collectors.Registry // defaults to collectors.DefaultRegistry()
	Client      *retryablehttp.Client
	Store       Store
	Canon       *canon.Canonicalizer // defaults to the built-in phrase table
	LockDir     string
	Concurrency int    // defaults to 4 if <= 0
	Log         Logger // optional; nil = no logging
	Now         func() time.Time

	// OnSiteDone is called from worker goroutines as each site finishes.
	OnSiteDone func(SiteResult)
}

// SiteResult is the outcome of one site run. Err is nil only for a
// succeeded run, except for a page limit hit, which still stores records.
type SiteResult struct {
	Site      string
	Role      collectors.Role
	RunID     int64
	Status    storage.RunStatus
	Fetched   int
	Stored    int
	Malformed int
	Err       error
}

// Run collects every site. Sites run concurrently, but a site whose lock is
// held elsewhere is reported failed with utils.ErrSiteBusy. Results keep the
// order of cfg.Sites.
func Run(ctx context.Context, cfg Config) ([]SiteResult, error) {
	if cfg.Store == nil {
		return nil, errors.New("collect: store is required")
	}
	log := logx.Or(cfg.Log)
	if cfg.Registry == nil {
		cfg.Registry = collectors.DefaultRegistry()
	}
	if cfg.Canon == nil {
		cfg.Canon = canon.New(canon.DefaultPhrases())
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]SiteResult, len(cfg.Sites))
	idx := make(chan int, len(cfg.Sites))
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range idx {
				res := runSite(ctx, cfg, cfg.Sites[n], log)
				results[n] = res
				if cfg.OnSiteDone != nil {
					cfg.OnSiteDone(res)
				}
			}
		}()
	}
	for i := range cfg.Sites {
		idx <- i
	}
	close(idx)
	wg.Wait()
	return results, nil
}

func runSite(ctx context.Context, cfg Config, site collectors.SiteConfig, log Logger) SiteResult {
	if err := site.Normalize(); err != nil {
		return SiteResult{Site: site.ID, Status: storage.RunFailed, Err: err}
	}
	res := SiteResult{Site: site.ID, Role: site.Role}
	started := cfg.Now()

	lock, err := utils.NewSiteLock(cfg.LockDir, site.ID)
	if err != nil {
		res.Status, res.Err = storage.RunFailed, err
		return res
	}
	if err := lock.TryLock(); err != nil {
		log.Warnf("Skipping %s: %v", site.ID, err)
		res.Status, res.Err = storage.RunFailed, fmt.Errorf("%s: %w", site.ID, err)
		cfg.save(ctx, &res, started, nil, nil, log)
		return res
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warnf("Could not release lock for %s: %v", site.ID, err)
		}
	}()

	c, err := cfg.Registry.New(site.Kind, cfg.Client)
	if err != nil {
		res.Status, res.Err = storage.RunFailed, err
		cfg.save(ctx, &res, started, nil, nil, log)
		return res
	}

	log.Debugf("Collecting %s with %s", site.ID, c.Name())
	raws, err := c.Fetch(ctx, site)
	res.Fetched = len(raws)
	switch {
	case err == nil:
	case errors.Is(err, collectors.ErrPageLimit):
		log.Warnf("%v; keeping %d records", err, len(raws))
		res.Err = err
	case ctx.Err() != nil:
		log.Warnf("Collection of %s canceled after %d records", site.ID, len(raws))
		res.Status, res.Err = storage.RunCanceled, ctx.Err()
		cfg.save(ctx, &res, started, nil, nil, log)
		return res
	default:
		log.Errorf("Collector %s failed: %v", site.ID, err)
		res.Status, res.Err = storage.RunFailed, err
		cfg.save(ctx, &res, started, nil, nil, log)
		return res
	}

	var (
		refs  []catalog.ReferenceRecord
		comps []catalog.CompetitorRecord
	)
	now := cfg.Now()
	for _, raw := range raws {
		rec, err := cfg.Canon.Canonicalize(raw)
		if err != nil {
			res.Malformed++
			log.Debugf("Skipping malformed record from %s: %v", site.ID, err)
			continue
		}
		if site.Role == collectors.RoleReference {
			refs = append(refs, catalog.ReferenceRecord{
				Site:      site.ID,
				Name:      rec.Name,
				Price:     rec.Price,
				Currency:  site.Currency,
				Page:      rec.Page,
				Rank:      rec.Rank,
				FetchedAt: now,
			})
			continue
		}
		comps = append(comps, catalog.CompetitorRecord{
			Site:      site.ID,
			Name:      rec.Name,
			Price:     rec.Price,
			InStock:   rec.InStock,
			Category:  rec.Category,
			ScrapedAt: now,
		})
	}
	if res.Malformed > 0 {
		log.Warnf("%s: skipped %d malformed records", site.ID, res.Malformed)
	}

	res.Status = storage.RunSucceeded
	cfg.save(ctx, &res, started, refs, comps, log)
	if res.Status == storage.RunSucceeded {
		log.Infof("Collected %s: %d fetched, %d stored, %d malformed", site.ID, res.Fetched, res.Stored, res.Malformed)
	}
	return res
}

// save writes the run row. A store failure turns the run into a failed one.
func (cfg Config) save(ctx context.Context, res *SiteResult, started time.Time, refs []catalog.ReferenceRecord, comps []catalog.CompetitorRecord, log Logger) {
	run := storage.CollectorRun{
		Site:       res.Site,
		Role:       string(res.Role),
		StartedAt:  started,
		FinishedAt: cfg.Now(),
		Status:     res.Status,
		Fetched:    res.Fetched,
		Malformed:  res.Malformed,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	id, err := cfg.Store.SaveRun(context.WithoutCancel(ctx), run, refs, comps)
	if err != nil {
		log.Errorf("Could not save run for %s: %v", res.Site, err)
		res.Status = storage.RunFailed
		res.Err = errors.Join(res.Err, fmt.Errorf("saving run: %w", err))
		return
	}
	res.RunID = id
	res.Stored = len(refs) + len(comps)
}
