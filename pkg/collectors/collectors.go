// Package collectors fetches raw product records from external sites. Each
// site is handled by a known adapter picked from an explicit registry.
package collectors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sw33tLie/shelfsync/pkg/canon"
	"github.com/sw33tLie/shelfsync/pkg/whttp"
	"github.com/weppos/publicsuffix-go/publicsuffix"
)

const DefaultMaxPages = 50

var (
	// ErrCollector is matched by every *CollectorError.
	ErrCollector = errors.New("collector failed")
	// ErrPageLimit is returned alongside the records gathered so far when a
	// site keeps paginating past its page limit.
	ErrPageLimit   = errors.New("page limit reached")
	ErrUnknownKind = errors.New("unknown collector kind")
)

// CollectorError means a site was unreachable or its structure changed. No
// records accompany it.
type CollectorError struct {
	Site       string
	Page       int
	URL        string
	StatusCode int
	// Title is the page title of an unexpected HTML response, when there is one.
	Title string
	Err   error
}

func (e *CollectorError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "collector %s page %d", e.Site, e.Page)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Title != "" {
		fmt.Fprintf(&b, " (%q)", e.Title)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *CollectorError) Is(target error) bool { return target == ErrCollector }

func (e *CollectorError) Unwrap() error { return e.Err }

// Role says which record table a site feeds.
type Role string

const (
	RoleReference  Role = "reference"
	RoleCompetitor Role = "competitor"
)

type Selectors struct {
	Item  string `mapstructure:"item"`
	Name  string `mapstructure:"name"`
	Price string `mapstructure:"price"`
	Stock string `mapstructure:"stock"`
	Next  string `mapstructure:"next"`
}

// Paths are gjson paths. Items is resolved against the page document, the
// rest against each item.
type Paths struct {
	Items string `mapstructure:"items"`
	Name  string `mapstructure:"name"`
	Price string `mapstructure:"price"`
	Stock string `mapstructure:"stock"`
	Next  string `mapstructure:"next"`
}

type StaticRecord struct {
	Name  string `mapstructure:"name"`
	Price string `mapstructure:"price"`
	Stock string `mapstructure:"stock"`
}

// SiteConfig describes one external site.
type SiteConfig struct {
	ID        string         `mapstructure:"id"`
	Kind      string         `mapstructure:"kind"`
	Role      Role           `mapstructure:"role"`
	BaseURL   string         `mapstructure:"base_url"`
	MaxPages  int            `mapstructure:"max_pages"`
	Currency  string         `mapstructure:"currency"`
	Category  string         `mapstructure:"category"`
	Selectors Selectors      `mapstructure:"selectors"`
	Paths     Paths          `mapstructure:"paths"`
	Records   []StaticRecord `mapstructure:"records"`
}

// Normalize fills defaults and validates the config. A missing id is derived
// from the registrable domain of BaseURL.
func (s *SiteConfig) Normalize() error {
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	if s.BaseURL != "" {
		s.BaseURL = NormalizeURL(s.BaseURL)
	}
	if s.ID == "" {
		key, ok := SiteKey(s.BaseURL)
		if !ok {
			return fmt.Errorf("site without id and without a usable base_url %q", s.BaseURL)
		}
		s.ID = key
	}
	switch s.Role {
	case RoleReference, RoleCompetitor:
	case "":
		s.Role = RoleCompetitor
	default:
		return fmt.Errorf("site %s: unknown role %q", s.ID, s.Role)
	}
	if s.Kind != "static" && s.BaseURL == "" {
		return fmt.Errorf("site %s: base_url is required for %s", s.ID, s.Kind)
	}
	if s.MaxPages <= 0 {
		s.MaxPages = DefaultMaxPages
	}
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	if s.Currency == "" {
		s.Currency = "USD"
	}
	return nil
}

func (s SiteConfig) maxPages() int {
	if s.MaxPages <= 0 {
		return DefaultMaxPages
	}
	return s.MaxPages
}

// Collector fetches every record of a site. Fetch paginates internally and is
// safe to call again; it has no side effects on the site.
type Collector interface {
	Name() string
	Fetch(ctx context.Context, site SiteConfig) ([]canon.RawRecord, error)
}

// Factory builds a collector around a shared HTTP client.
type Factory func(client *retryablehttp.Client) Collector

// Registry maps a site kind to its adapter.
type Registry map[string]Factory

// DefaultRegistry knows every built-in adapter.
func DefaultRegistry() Registry {
	return Registry{
		"jsonfeed":  func(c *retryablehttp.Client) Collector { return &JSONFeed{Client: c} },
		"htmlstore": func(c *retryablehttp.Client) Collector { return &HTMLStore{Client: c} },
		"static":    func(*retryablehttp.Client) Collector { return Static{} },
	}
}

func (r Registry) New(kind string, client *retryablehttp.Client) (Collector, error) {
	f, ok := r[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownKind, kind, strings.Join(r.Kinds(), ", "))
	}
	return f(client), nil
}

func (r Registry) Kinds() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SiteKey returns the registrable domain of a URL, used as a default site id.
// e.g., "https://shop.example.co.uk/catalog" -> "example.co.uk", true
func SiteKey(raw string) (string, bool) {
	if !strings.Contains(raw, "://") && strings.Contains(raw, ".") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if !strings.Contains(host, ".") {
		return "", false
	}
	domain, err := publicsuffix.Domain(host)
	if err != nil {
		return "", false
	}
	return domain, true
}

// NormalizeURL lowercases the host, drops default ports and a trailing slash,
// and assumes https when no scheme is given.
func NormalizeURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && u.Port() == "80") || (u.Scheme == "https" && u.Port() == "443") {
		u.Host = u.Hostname()
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}

// fetchPage GETs one page and turns transport failures and non-2xx answers
// into a *CollectorError.
func fetchPage(ctx context.Context, client *retryablehttp.Client, site SiteConfig, page int, pageURL, accept string) (*whttp.WHTTPRes, error) {
	if client == nil {
		var err error
		if client, err = whttp.NewClient("", 2, 0); err != nil {
			return nil, err
		}
	}
	res, err := whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{
		URL:     pageURL,
		Headers: []whttp.WHTTPHeader{{Name: "Accept", Value: accept}},
	}, client)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CollectorError{Site: site.ID, Page: page, URL: pageURL, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &CollectorError{Site: site.ID, Page: page, URL: pageURL, StatusCode: res.StatusCode, Title: res.HTTPTitle, Err: errors.New("unexpected status")}
	}
	return res, nil
}

// resolveNext resolves a next-page link against the current page. It returns
// "" when there is no next page or the link points back at the current one.
func resolveNext(current, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return ""
	}
	base, err := url.Parse(current)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(next)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref).String()
	if abs == current {
		return ""
	}
	return abs
}
