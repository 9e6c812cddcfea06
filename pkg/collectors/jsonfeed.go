package collectors

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sw33tLie/shelfsync/pkg/canon"
	"github.com/tidwall/gjson"
)

// JSONFeed reads paginated JSON listings, e.g. a reference marketplace feed.
type JSONFeed struct {
	Client *retryablehttp.Client
}

func (j *JSONFeed) Name() string { return "jsonfeed" }

func (j *JSONFeed) Fetch(ctx context.Context, site SiteConfig) ([]canon.RawRecord, error) {
	p := site.Paths
	if p.Items == "" {
		p.Items = "items"
	}
	if p.Name == "" {
		p.Name = "name"
	}
	if p.Price == "" {
		p.Price = "price"
	}
	if p.Stock == "" {
		p.Stock = "stock"
	}
	if p.Next == "" {
		p.Next = "next"
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

		res, err := fetchPage(ctx, j.Client, site, page, next, "application/json")
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return nil, err
		}
		if !gjson.Valid(res.BodyString) {
			return nil, &CollectorError{Site: site.ID, Page: page, URL: next, Title: res.HTTPTitle, Err: errors.New("response is not JSON")}
		}
		doc := gjson.Parse(res.BodyString)
		items := doc.Get(p.Items)
		if !items.IsArray() {
			return nil, &CollectorError{Site: site.ID, Page: page, URL: next, Err: fmt.Errorf("no item array at %q", p.Items)}
		}

		rank := 0
		items.ForEach(func(_, v gjson.Result) bool {
			rank++
			out = append(out, canon.RawRecord{
				Name:     v.Get(p.Name).String(),
				Price:    v.Get(p.Price).String(),
				Stock:    stockText(v.Get(p.Stock)),
				Source:   site.ID,
				Category: site.Category,
				Page:     page,
				Rank:     rank,
			})
			return true
		})
		next = resolveNext(next, doc.Get(p.Next).String())
	}
	return out, nil
}

// stockText maps JSON booleans and counts onto stock phrases.
func stockText(v gjson.Result) string {
	switch v.Type {
	case gjson.True:
		return "in stock"
	case gjson.False:
		return "out of stock"
	case gjson.Number:
		if v.Int() > 0 {
			return "in stock"
		}
		return "out of stock"
	}
	return v.String()
}
