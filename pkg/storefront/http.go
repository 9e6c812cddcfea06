package storefront

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"
)

// HTTPClient talks to the storefront admin REST API:
//
//	GET  /items?page=N[&role=R][&updated_since=T]  {"items":[...],"next_page":N|null}
//	GET  /items/{id}
//	PUT  /items/{id}/price                         {"price":1320}
//	PUT  /items/{id}/inventory                     {"inventory":5}
//	POST /items/{id}/variants                      {"title":...} -> {"id":"..."}
//
// It never retries on its own; callers decide what to do with ErrTransient.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Limiter *rate.Limiter
	// MaxPages bounds ListCatalogItems pagination.
	MaxPages int
}

// NewHTTPClient builds a client limited to rps requests per second.
func NewHTTPClient(baseURL, token string, rps float64, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	var lim *rate.Limiter
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &HTTPClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		HTTP:     httpClient,
		Limiter:  lim,
		MaxPages: 200,
	}
}

func (c *HTTPClient) GetCatalogItem(ctx context.Context, id string) (catalog.Item, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return catalog.Item{}, &MutationError{Op: "get", ItemID: id, Err: err}
	}
	if status == http.StatusNotFound {
		return catalog.Item{}, fmt.Errorf("%w: %s", catalog.ErrItemNotFound, id)
	}
	if err := classify(status); err != nil {
		return catalog.Item{}, &MutationError{Op: "get", ItemID: id, StatusCode: status, Err: err}
	}
	return parseItem(gjson.ParseBytes(body)), nil
}

func (c *HTTPClient) ListCatalogItems(ctx context.Context, f Filter) ([]catalog.Item, error) {
	var out []catalog.Item
	page := 1
	for n := 0; n < c.MaxPages; n++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		if f.Role != "" {
			q.Set("role", string(f.Role))
		}
		if !f.UpdatedSince.IsZero() {
			q.Set("updated_since", f.UpdatedSince.UTC().Format(time.RFC3339))
		}
		status, body, err := c.do(ctx, http.MethodGet, "/items?"+q.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}
		if err := classify(status); err != nil {
			return nil, fmt.Errorf("listing items page %d: status %d: %w", page, status, err)
		}
		doc := gjson.ParseBytes(body)
		doc.Get("items").ForEach(func(_, v gjson.Result) bool {
			out = append(out, parseItem(v))
			return true
		})
		next := doc.Get("next_page")
		if !next.Exists() || next.Type == gjson.Null || int(next.Int()) <= page {
			return out, nil
		}
		page = int(next.Int())
	}
	return nil, fmt.Errorf("listing items: more than %d pages", c.MaxPages)
}

func (c *HTTPClient) SetPrice(ctx context.Context, itemID string, price int64) error {
	body, _ := sjson.SetBytes(nil, "price", price)
	return c.mutate(ctx, "set-price", itemID, http.MethodPut, "/items/"+url.PathEscape(itemID)+"/price", body, nil, nil)
}

func (c *HTTPClient) SetInventory(ctx context.Context, itemID string, qty int64) error {
	body, _ := sjson.SetBytes(nil, "inventory", qty)
	return c.mutate(ctx, "set-inventory", itemID, http.MethodPut, "/items/"+url.PathEscape(itemID)+"/inventory", body, nil, nil)
}

func (c *HTTPClient) CreateVariant(ctx context.Context, parentID string, spec catalog.VariantSpec) (string, error) {
	body := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		path  string
		value interface{}
	}{
		{"title", spec.Title},
		{"price", spec.Price},
		{"inventory", spec.Inventory},
		{"units_per_box", spec.UnitsPerBox},
		{"role", string(catalog.RolePackChild)},
	} {
		if body, err = sjson.SetBytes(body, kv.path, kv.value); err != nil {
			return "", err
		}
	}
	// The storefront dedupes retried creates on this key.
	hdr := http.Header{}
	hdr.Set("Idempotency-Key", parentID+"/"+spec.Title)
	var id string
	err = c.mutate(ctx, "create-variant", parentID, http.MethodPost, "/items/"+url.PathEscape(parentID)+"/variants", body, hdr, func(resp []byte) error {
		id = gjson.GetBytes(resp, "id").String()
		if id == "" {
			return errors.New("response carries no variant id")
		}
		return nil
	})
	return id, err
}

func (c *HTTPClient) mutate(ctx context.Context, op, itemID, method, path string, body []byte, hdr http.Header, onOK func([]byte) error) error {
	status, resp, err := c.do(ctx, method, path, body, hdr)
	if err != nil {
		return &MutationError{Op: op, ItemID: itemID, Err: err}
	}
	if err := classify(status); err != nil {
		if msg := gjson.GetBytes(resp, "error").String(); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return &MutationError{Op: op, ItemID: itemID, StatusCode: status, Err: err}
	}
	if onOK != nil {
		if err := onOK(resp); err != nil {
			return &MutationError{Op: op, ItemID: itemID, StatusCode: status, Err: err}
		}
	}
	return nil
}

// do returns a transport error wrapped in ErrTransient, or the status and body.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, hdr http.Header) (int, []byte, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading body: %v", ErrTransient, err)
	}
	return resp.StatusCode, data, nil
}

func classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound, status == http.StatusGone:
		return ErrTargetGone
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return ErrTransient
	default:
		return fmt.Errorf("rejected with status %d", status)
	}
}

func parseItem(v gjson.Result) catalog.Item {
	it := catalog.Item{
		ID:          v.Get("id").String(),
		Title:       v.Get("title").String(),
		Price:       v.Get("price").Int(),
		Inventory:   v.Get("inventory").Int(),
		Role:        catalog.Role(v.Get("role").String()),
		ParentID:    v.Get("parent_id").String(),
		UnitsPerBox: v.Get("units_per_box").Int(),
	}
	if !it.Role.Valid() {
		it.Role = catalog.RoleStandalone
	}
	if ts := v.Get("updated_at").String(); ts != "" {
		it.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	return it
}
