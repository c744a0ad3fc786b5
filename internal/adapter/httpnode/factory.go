package httpnode

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/njoerd114/siterelay/internal/adapter"
)

const (
	// defaultAvailabilityTTL is how long a successful probe is trusted.
	defaultAvailabilityTTL = 10 * time.Second

	// defaultTimeout bounds every HTTP request an adapter makes.
	defaultTimeout = 15 * time.Second
)

// availabilityCache remembers addresses that recently answered a probe.
type availabilityCache struct {
	c   *ristretto.Cache[string, struct{}]
	ttl time.Duration
}

func newAvailabilityCache(ttl time.Duration) (*availabilityCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &availabilityCache{c: c, ttl: ttl}, nil
}

func (a *availabilityCache) hit(key string) bool {
	if a.ttl <= 0 {
		return false
	}
	_, ok := a.c.Get(key)
	return ok
}

func (a *availabilityCache) remember(key string) {
	if a.ttl <= 0 {
		return
	}
	a.c.SetWithTTL(key, struct{}{}, 1, a.ttl)
}

func (a *availabilityCache) close() {
	a.c.Close()
}

// Factory creates adapters for one [Profile].
type Factory struct {
	profile Profile
	avail   *availabilityCache
	policy  retryPolicy
	log     *slog.Logger
}

var _ adapter.Factory = (*Factory)(nil)

// Option configures a [Factory].
type Option func(*factoryOptions)

type factoryOptions struct {
	ttl    time.Duration
	policy retryPolicy
}

// WithAvailabilityTTL sets how long a successful probe is cached. Zero
// disables caching.
func WithAvailabilityTTL(ttl time.Duration) Option {
	return func(o *factoryOptions) { o.ttl = ttl }
}

// WithRetry sets the attempt count and initial backoff for adapter calls.
func WithRetry(attempts uint, initial time.Duration) Option {
	return func(o *factoryOptions) {
		if attempts > 0 {
			o.policy = retryPolicy{attempts: attempts, initial: initial}
		}
	}
}

// NewFactory creates a factory for profile. Call [Factory.Close] when the
// factory is no longer needed.
func NewFactory(profile Profile, logger *slog.Logger, opts ...Option) (*Factory, error) {
	o := factoryOptions{ttl: defaultAvailabilityTTL, policy: defaultRetryPolicy()}
	for _, opt := range opts {
		opt(&o)
	}

	avail, err := newAvailabilityCache(o.ttl)
	if err != nil {
		return nil, fmt.Errorf("creating availability cache for %s: %w", profile.Type, err)
	}

	return &Factory{
		profile: profile,
		avail:   avail,
		policy:  o.policy,
		log:     logger.With("site_type", string(profile.Type)),
	}, nil
}

// Create validates rawURL and probes it once. It fails when the address is
// malformed, unreachable, or answers as a different kind of system.
func (f *Factory) Create(ctx context.Context, rawURL string) (adapter.Adapter, error) {
	base, err := parseBaseURL(rawURL)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		base:    base,
		profile: f.profile,
		client:  newClient(),
		avail:   f.avail,
		policy:  f.policy,
		log:     f.log,
	}
	name, err := a.probe(ctx)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("%s probe of %s: %w", f.profile.Type, base.Redacted(), err)
	}
	a.systemName = name
	a.avail.remember(base.String())
	return a, nil
}

// newClient gives each adapter its own transport so Close can drop its idle
// connections without touching other sites.
func newClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &http.Client{Transport: transport, Timeout: defaultTimeout}
}

// Close releases the factory's cache.
func (f *Factory) Close() {
	f.avail.close()
}

// RegisterDefaults registers a factory for every built-in profile and returns
// a function that closes them all.
func RegisterDefaults(reg *adapter.Registry, logger *slog.Logger, opts ...Option) (func(), error) {
	var created []*Factory
	closeAll := func() {
		for _, f := range created {
			f.Close()
		}
	}

	for _, p := range DefaultProfiles() {
		f, err := NewFactory(p, logger, opts...)
		if err != nil {
			closeAll()
			return func() {}, err
		}
		reg.Register(p.Type, f)
		created = append(created, f)
	}
	return closeAll, nil
}
