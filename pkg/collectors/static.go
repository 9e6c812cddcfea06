package collectors

import (
	"context"

	"github.com/sw33tLie/shelfsync/pkg/canon"
)

// Static serves the records listed in the site config. It is used for dry
// runs and for sites that publish no machine-readable listing.
type Static struct{}

func (Static) Name() string { return "static" }

func (Static) Fetch(ctx context.Context, site SiteConfig) ([]canon.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]canon.RawRecord, 0, len(site.Records))
	for i, r := range site.Records {
		out = append(out, canon.RawRecord{
			Name:     r.Name,
			Price:    r.Price,
			Stock:    r.Stock,
			Source:   site.ID,
			Category: site.Category,
			Page:     1,
			Rank:     i + 1,
		})
	}
	return out, nil
}
