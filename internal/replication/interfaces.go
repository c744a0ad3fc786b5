// Package replication drives replication requests between two sites. The
// [Replicator] resolves an adapter per site (detecting the site type when it
// is unset), checks both sites are reachable, and runs one directional job
// per direction. Job failures are contained and reported; adapters are
// released on every path.
package replication

import (
	"context"
	"errors"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/model"
)

var (
	// ErrSiteNotFound is returned when a request names a site the registry
	// does not know.
	ErrSiteNotFound = errors.New("site not found")

	// ErrTypeUndetected is returned when a site has no type and no candidate
	// factory could bind its address.
	ErrTypeUndetected = errors.New("site type could not be detected")

	// ErrUnavailable is returned when a resolved site reports itself
	// unreachable. No jobs run.
	ErrUnavailable = errors.New("site unavailable")

	// ErrSiteUnreachable is returned when the factory for a typed site
	// cannot bind its address.
	ErrSiteUnreachable = errors.New("site unreachable")
)

// Registry is the durable site store the replicator reads and writes.
// Implemented by [state.Store].
type Registry interface {
	Get(ctx context.Context, id string) (*model.Site, error)
	Objects(ctx context.Context) ([]*model.Site, error)
	Save(ctx context.Context, site *model.Site) error
}

// Job performs one directional replication pass. It borrows its adapters and
// never closes them.
type Job interface {
	Sync(ctx context.Context) error
}

// Syncer builds directional jobs. cfg is oriented to the job: cfg.Source is
// the id of the site source was resolved from, cfg.Destination that of
// destination.
type Syncer interface {
	Create(source, destination adapter.Adapter, cfg model.ReplicationConfig, excluded map[string]struct{}) Job
}

// JobFunc adapts a plain function to [Job].
type JobFunc func(ctx context.Context) error

// Sync calls f.
func (f JobFunc) Sync(ctx context.Context) error { return f(ctx) }
