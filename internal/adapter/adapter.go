// Package adapter defines the contracts between the orchestration core and
// the per-system clients that talk to remote sites, and the registration
// table that maps a [model.SiteType] to the [Factory] able to build them.
package adapter

import (
	"context"
	"time"

	"github.com/njoerd114/siterelay/internal/model"
)

// Adapter is a live handle bound to one site address. An adapter is owned by
// whoever created it until Close is called and is never shared between
// concurrent owners.
type Adapter interface {
	// IsAvailable reports whether the site can currently be reached.
	IsAvailable(ctx context.Context) bool

	// SystemName returns a diagnostic identity for the remote system.
	SystemName() string

	// Close releases the adapter's resources. Calling it more than once is
	// harmless.
	Close() error
}

// ChangeSource is implemented by adapters that can list items changed since
// a point in time.
type ChangeSource interface {
	Changes(ctx context.Context, since time.Time) ([]model.Item, error)
}

// ItemSink is implemented by adapters that can store items.
type ItemSink interface {
	Apply(ctx context.Context, item model.Item) error
}

// Factory builds adapters for one site type.
type Factory interface {
	// Create binds a new adapter to rawURL. It fails if the address is
	// malformed or does not answer as this factory's site type.
	Create(ctx context.Context, rawURL string) (Adapter, error)
}

// FactoryFunc adapts a plain function to [Factory].
type FactoryFunc func(ctx context.Context, rawURL string) (Adapter, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, rawURL string) (Adapter, error) {
	return f(ctx, rawURL)
}
