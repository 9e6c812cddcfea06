// Package storefront defines the collaborators that read and mutate the live
// storefront catalog, with an HTTP implementation and an in-memory one.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
)

var (
	// ErrTransient marks failures worth retrying: network errors, rate
	// limiting and server errors.
	ErrTransient = errors.New("storefront: transient failure")
	// ErrTargetGone means the item no longer exists; retrying cannot help.
	ErrTargetGone = errors.New("storefront: target no longer exists")
)

// MutationError carries the failing operation. Err is ErrTransient,
// ErrTargetGone, or wraps them, or is a plain permanent error.
type MutationError struct {
	Op         string
	ItemID     string
	StatusCode int
	Err        error
}

func (e *MutationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("storefront %s %s: status %d: %v", e.Op, e.ItemID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("storefront %s %s: %v", e.Op, e.ItemID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsTargetGone reports whether err means the target disappeared.
func IsTargetGone(err error) bool { return errors.Is(err, ErrTargetGone) }

// Filter narrows ListCatalogItems.
type Filter struct {
	Role         catalog.Role
	UpdatedSince time.Time
}

type Reader interface {
	GetCatalogItem(ctx context.Context, id string) (catalog.Item, error)
	ListCatalogItems(ctx context.Context, f Filter) ([]catalog.Item, error)
}

// Mutator changes the storefront. Every call must be safe to repeat with the
// same target value.
type Mutator interface {
	SetPrice(ctx context.Context, itemID string, price int64) error
	SetInventory(ctx context.Context, itemID string, qty int64) error
	CreateVariant(ctx context.Context, parentID string, spec catalog.VariantSpec) (string, error)
}

// Storefront is both sides.
type Storefront interface {
	Reader
	Mutator
}
