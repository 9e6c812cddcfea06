package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/shelfsync/internal/utils"
	"github.com/sw33tLie/shelfsync/pkg/canon"
	"github.com/sw33tLie/shelfsync/pkg/collectors"
	"github.com/sw33tLie/shelfsync/pkg/engine"
	"github.com/sw33tLie/shelfsync/pkg/matcher"
	"github.com/sw33tLie/shelfsync/pkg/pricing"
	"github.com/sw33tLie/shelfsync/pkg/storage"
	"github.com/sw33tLie/shelfsync/pkg/storefront"
	"github.com/sw33tLie/shelfsync/pkg/variant"
	"github.com/sw33tLie/shelfsync/pkg/whttp"
)

// openDB opens the configured database. Commands that only read refuse to
// create a fresh one.
func openDB(mustExist bool) (*storage.DB, error) {
	dbPath, err := utils.GetAbsDBPath(viper.GetString("db.path"))
	if err != nil {
		return nil, err
	}
	if mustExist {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database file not found: %s", dbPath)
		}
	}
	return storage.Open(dbPath)
}

// withEngine opens the database, builds the engine from config and closes
// the database once fn returns. With --dry-run the engine works on a scratch
// copy of the database and an in-memory storefront seeded from the local
// catalog mirror.
func withEngine(cmd *cobra.Command, fn func(*engine.Engine) error) error {
	db, err := openDB(false)
	if err != nil {
		return err
	}
	defer db.Close()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if dryRun {
		scratch, cleanup, err := dryRunDB(cmd.Context(), db)
		if err != nil {
			return err
		}
		defer cleanup()
		db = scratch
	}

	proxy, _ := cmd.Flags().GetString("proxy")
	e, err := buildEngine(viper.GetViper(), db, proxy)
	if err != nil {
		return err
	}
	if dryRun {
		if e.Storefront, err = dryRunStorefront(cmd.Context(), db); err != nil {
			return err
		}
		utils.Log.Warn("Dry run: changes go to a scratch database and an in-memory storefront")
	}
	return fn(e)
}

func dryRunDB(ctx context.Context, db *storage.DB) (*storage.DB, func(), error) {
	dir, err := os.MkdirTemp("", "shelfsync-dry-run-")
	if err != nil {
		return nil, nil, err
	}
	path := filepath.Join(dir, "scratch.sqlite")
	if err := db.CopyTo(ctx, path); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	scratch, err := storage.Open(path)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	return scratch, func() {
		scratch.Close()
		os.RemoveAll(dir)
	}, nil
}

func dryRunStorefront(ctx context.Context, db *storage.DB) (*storefront.Memory, error) {
	items, err := db.ListCatalogItems(ctx, storage.CatalogFilter{})
	if err != nil {
		return nil, fmt.Errorf("seeding dry-run storefront: %w", err)
	}
	return storefront.NewMemory(items...), nil
}

func buildEngine(v *viper.Viper, db *storage.DB, proxy string) (*engine.Engine, error) {
	client, err := whttp.NewClient(proxy, 3, 30*time.Second)
	if err != nil {
		return nil, err
	}

	var sf storefront.Storefront
	if base := v.GetString("storefront.base_url"); base != "" {
		t, err := whttp.Transport(proxy)
		if err != nil {
			return nil, err
		}
		sf = storefront.NewHTTPClient(base, v.GetString("storefront.token"), v.GetFloat64("storefront.rps"),
			&http.Client{Transport: t, Timeout: 30 * time.Second})
	}

	e := engine.New(db, sf)
	e.Client = client
	e.Log = utils.Log
	e.LockDir = v.GetString("lock_dir")
	e.Concurrency = v.GetInt("concurrency")
	e.MaxAttempts = v.GetInt("apply.max_attempts")
	e.InitialBackoff = v.GetDuration("apply.initial_backoff")

	if e.Matcher, err = matcher.New(v.GetFloat64("matcher.threshold")); err != nil {
		return nil, err
	}

	var extra map[string]bool
	if err := v.UnmarshalKey("stock_phrases", &extra); err != nil {
		return nil, fmt.Errorf("stock_phrases: %w", err)
	}
	e.Canon = canon.New(canon.DefaultPhrases().Merge(extra))

	if e.Sites, err = siteConfigs(v); err != nil {
		return nil, err
	}

	if e.Pricing, err = pricingComputer(v); err != nil {
		return nil, err
	}
	if e.Rates, err = rateCache(v, client, e.Sites); err != nil {
		return nil, err
	}
	if e.Split, err = splitConfig(v, e.Pricing); err != nil {
		return nil, err
	}
	return e, nil
}

func siteConfigs(v *viper.Viper) ([]collectors.SiteConfig, error) {
	var sites []collectors.SiteConfig
	if err := v.UnmarshalKey("sites", &sites); err != nil {
		return nil, fmt.Errorf("sites: %w", err)
	}
	seen := map[string]bool{}
	for i := range sites {
		if err := sites[i].Normalize(); err != nil {
			return nil, fmt.Errorf("sites[%d]: %w", i, err)
		}
		if seen[sites[i].ID] {
			return nil, fmt.Errorf("sites[%d]: duplicate site id %q", i, sites[i].ID)
		}
		seen[sites[i].ID] = true
	}
	return sites, nil
}

func decimalKey(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := v.GetString(key)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func pricingComputer(v *viper.Viper) (pricing.Computer, error) {
	pct, err := decimalKey(v, "pricing.markup_percent")
	if err != nil {
		return pricing.Computer{}, err
	}
	margin := pricing.Chain{pricing.PercentMarkup{Percent: pct}}
	if fixed := v.GetInt64("pricing.markup_fixed"); fixed != 0 {
		margin = append(margin, pricing.FixedMarkup{Amount: fixed})
	}
	rounding, err := pricing.RoundingFromConfig(v.GetString("pricing.round_mode"), v.GetInt64("pricing.round_to"), v.GetInt64("pricing.ending"))
	if err != nil {
		return pricing.Computer{}, err
	}
	return pricing.Computer{Margin: margin, Rounding: rounding}, nil
}

// rateCache reads rates from pricing.rate_url when set. Otherwise the static
// pricing.rate applies to every configured site currency.
func rateCache(v *viper.Viper, client *retryablehttp.Client, sites []collectors.SiteConfig) (*pricing.RateCache, error) {
	ttl := v.GetDuration("pricing.rate_ttl")
	if url := v.GetString("pricing.rate_url"); url != "" {
		return pricing.NewRateCache(&pricing.HTTPRateSource{URL: url, Path: v.GetString("pricing.rate_path"), Client: client}, ttl), nil
	}
	rate, err := decimalKey(v, "pricing.rate")
	if err != nil {
		return nil, err
	}
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	static := pricing.StaticRates{"USD": rate}
	for _, s := range sites {
		static[s.Currency] = rate
	}
	return pricing.NewRateCache(static, ttl), nil
}

func splitConfig(v *viper.Viper, base pricing.Computer) (variant.Config, error) {
	frac, err := decimalKey(v, "split.fraction")
	if err != nil {
		return variant.Config{}, err
	}
	packPct, err := decimalKey(v, "split.pack_markup_percent")
	if err != nil {
		return variant.Config{}, err
	}
	return variant.Config{
		UnitsPerBox: v.GetInt64("split.units_per_box"),
		Fraction:    frac,
		PackPricing: pricing.Computer{
			Margin:   pricing.PercentMarkup{Percent: packPct},
			Rounding: base.Rounding,
		},
	}, nil
}
