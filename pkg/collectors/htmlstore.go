package collectors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sw33tLie/shelfsync/pkg/canon"
)

// HTMLStore scrapes product listings out of storefront HTML with CSS selectors.
type HTMLStore struct {
	Client *retryablehttp.Client
}

func (h *HTMLStore) Name() string { return "htmlstore" }

func (h *HTMLStore) Fetch(ctx context.Context, site SiteConfig) ([]canon.RawRecord, error) {
	sel := site.Selectors
	if sel.Item == "" || sel.Name == "" || sel.Price == "" {
		return nil, &CollectorError{Site: site.ID, Err: errors.New("item, name and price selectors are required")}
	}

	var out []canon.RawRecord
	next := site.BaseURL
	for page := 1; next != ""; page++ {
		if page > site.maxPages() {
			return out, fmt.Errorf("%w: %s stopped after %d pages", ErrPageLimit, site.ID, site.maxPages())
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		res, err := fetchPage(ctx, h.Client, site, page, next, "text/html")
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return nil, err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.BodyString))
		if err != nil {
			return nil, &CollectorError{Site: site.ID, Page: page, URL: next, Err: fmt.Errorf("failed to parse HTML: %w", err)}
		}

		nodes := doc.Find(sel.Item)
		// A first page without a single product means the layout changed.
		if nodes.Length() == 0 && page == 1 {
			return nil, &CollectorError{Site: site.ID, Page: page, URL: next, Title: res.HTTPTitle, Err: fmt.Errorf("no items match %q", sel.Item)}
		}
		nodes.Each(func(i int, s *goquery.Selection) {
			rec := canon.RawRecord{
				Name:     s.Find(sel.Name).First().Text(),
				Price:    s.Find(sel.Price).First().Text(),
				Source:   site.ID,
				Category: site.Category,
				Page:     page,
				Rank:     i + 1,
			}
			if sel.Stock != "" {
				rec.Stock = s.Find(sel.Stock).First().Text()
			}
			out = append(out, rec)
		})

		link := ""
		if sel.Next != "" {
			link, _ = doc.Find(sel.Next).First().Attr("href")
		}
		next = resolveNext(next, link)
	}
	return out, nil
}
