package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ErrNoExchangeRate means the loaded rate table has no entry for a currency.
var ErrNoExchangeRate = errors.New("no exchange rate")

// RateSource loads exchange rates keyed by source currency code.
type RateSource interface {
	Rates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// StaticRates is a fixed rate table.
type StaticRates map[string]decimal.Decimal

func (s StaticRates) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(s))
	for k, v := range s {
		out[strings.ToUpper(k)] = v
	}
	return out, nil
}

// HTTPRateSource reads rates from a JSON endpoint. Path is a gjson path to an
// object of currency -> rate, e.g. "rates".
type HTTPRateSource struct {
	URL    string
	Path   string
	Client *retryablehttp.Client
}

func (h *HTTPRateSource) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	client := h.Client
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching rates: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching rates: status %d", resp.StatusCode)
	}

	node := gjson.ParseBytes(body)
	if h.Path != "" {
		node = node.Get(h.Path)
	}
	if !node.IsObject() {
		return nil, fmt.Errorf("rate path %q is not an object", h.Path)
	}
	out := map[string]decimal.Decimal{}
	var perr error
	node.ForEach(func(key, value gjson.Result) bool {
		// value.Raw keeps the literal digits, so no float round trip
		d, err := decimal.NewFromString(strings.Trim(value.Raw, `"`))
		if err != nil {
			perr = fmt.Errorf("rate %s: %w", key.String(), err)
			return false
		}
		out[strings.ToUpper(key.String())] = d
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return out, nil
}

// RateCache holds the last loaded rate table until TTL expires. It is owned by
// whoever builds the engine; nothing global.
type RateCache struct {
	Source RateSource
	TTL    time.Duration
	Now    func() time.Time

	mu       sync.Mutex
	rates    map[string]decimal.Decimal
	loadedAt time.Time
}

// NewRateCache builds a cache over src.
func NewRateCache(src RateSource, ttl time.Duration) *RateCache {
	return &RateCache{Source: src, TTL: ttl, Now: time.Now}
}

// Rate returns the rate for currency, loading or reloading the table if stale.
// An empty currency returns 1.
func (c *RateCache) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	if currency == "" {
		return decimal.NewFromInt(1), nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale() {
		if err := c.load(ctx); err != nil {
			return decimal.Decimal{}, err
		}
	}
	r, ok := c.rates[strings.ToUpper(currency)]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w for %s", ErrNoExchangeRate, currency)
	}
	return r, nil
}

// Refresh reloads the table now.
func (c *RateCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

// Invalidate drops the cached table; the next Rate call reloads.
func (c *RateCache) Invalidate() {
	c.mu.Lock()
	c.rates = nil
	c.mu.Unlock()
}

func (c *RateCache) stale() bool {
	if c.rates == nil {
		return true
	}
	if c.TTL <= 0 {
		return false
	}
	return c.now().Sub(c.loadedAt) >= c.TTL
}

func (c *RateCache) load(ctx context.Context) error {
	if c.Source == nil {
		return fmt.Errorf("no rate source configured")
	}
	rates, err := c.Source.Rates(ctx)
	if err != nil {
		return err
	}
	c.rates = rates
	c.loadedAt = c.now()
	return nil
}

func (c *RateCache) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
