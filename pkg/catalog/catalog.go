// Package catalog holds the record types shared by the store, the storefront
// collaborators and the plan pipeline.
package catalog

import (
	"errors"
	"time"
)

// ErrItemNotFound is returned when a catalog item id does not resolve.
var ErrItemNotFound = errors.New("catalog item not found")

// Role tags a storefront item inside a box/pack variant pair.
type Role string

const (
	RoleStandalone Role = "standalone"
	RoleBoxParent  Role = "box-parent"
	RolePackChild  Role = "pack-child"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStandalone, RoleBoxParent, RolePackChild:
		return true
	}
	return false
}

// Item is a storefront product or variant. Prices are minor currency units.
type Item struct {
	ID          string
	Title       string
	Price       int64
	Inventory   int64
	Role        Role
	ParentID    string // set for pack-child items
	UnitsPerBox int64  // set for box-parent items once known
	UpdatedAt   time.Time
}

// VariantSpec describes a pack-child variant to be created under a box parent.
type VariantSpec struct {
	Title       string `json:"title"`
	Price       int64  `json:"price"`
	Inventory   int64  `json:"inventory"`
	UnitsPerBox int64  `json:"units_per_box"`
}

// ReferenceRecord is one normalized record from the reference marketplace feed.
type ReferenceRecord struct {
	ID        int64
	Site      string
	Name      string // canonical name
	Price     int64  // minor units, source currency
	Currency  string
	Page      int
	Rank      int
	FetchedAt time.Time
}

// CompetitorRecord is one normalized record from a single competitor scrape.
type CompetitorRecord struct {
	ID        int64
	Site      string
	Name      string // canonical name
	Price     int64
	InStock   bool
	Category  string
	ScrapedAt time.Time
}

// DailySnapshot aggregates competitor records per site, name and day.
type DailySnapshot struct {
	Site      string
	Name      string
	Day       string // YYYY-MM-DD, UTC
	LastPrice int64
	MinPrice  int64
	MaxPrice  int64
	InStock   bool
	Samples   int
}

// SourceKind identifies what a mapping links from.
type SourceKind string

const (
	SourceCompetitor SourceKind = "competitor"
	SourceReference  SourceKind = "reference"
)

// TargetKind identifies what a mapping links to.
type TargetKind string

const (
	TargetCatalog   TargetKind = "catalog"
	TargetReference TargetKind = "reference"
)

// Origin tells whether a mapping was confirmed automatically or by a person.
type Origin string

const (
	OriginAuto   Origin = "auto"
	OriginManual Origin = "manual"
)

// Mapping is a confirmed cross-source identity link.
type Mapping struct {
	ID           int64
	SourceKind   SourceKind
	SourceKey    string
	TargetKind   TargetKind
	TargetKey    string
	Score        float64
	Origin       Origin
	Active       bool
	CreatedAt    time.Time
	SupersededAt *time.Time
}
