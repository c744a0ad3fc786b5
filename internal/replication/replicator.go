package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/events"
	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/state"
)

const (
	otelScope                = "siterelay/replication"
	spanExecute              = "replication.execute"
	spanJob                  = "replication.job"
	metricRequests           = "siterelay.sync.requests"
	metricJobs               = "siterelay.sync.jobs"
	metricJobFailures        = "siterelay.sync.job_failures"
	metricResolutionFailures = "siterelay.sync.resolution_failures"
	metricSitesDetected      = "siterelay.sites.detected"
)

// Replicator executes sync requests. It is safe for concurrent use; every
// call resolves its own adapters.
type Replicator struct {
	sites    Registry
	adapters *adapter.Registry
	syncer   Syncer
	reporter events.Reporter
	log      *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer         trace.Tracer
	cntRequests    metric.Int64Counter
	cntJobs        metric.Int64Counter
	cntJobFailures metric.Int64Counter
	cntResolution  metric.Int64Counter
	cntDetected    metric.Int64Counter
}

// NewReplicator creates a Replicator. A nil reporter discards events.
func NewReplicator(sites Registry, adapters *adapter.Registry, syncer Syncer, reporter events.Reporter, logger *slog.Logger) *Replicator {
	if reporter == nil {
		reporter = events.Discard{}
	}
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Replicator{
		sites:    sites,
		adapters: adapters,
		syncer:   syncer,
		reporter: reporter,
		log:      logger,

		tracer:         otel.Tracer(otelScope),
		cntRequests:    mustCounter(metricRequests, "Number of sync requests executed"),
		cntJobs:        mustCounter(metricJobs, "Number of directional sync jobs run"),
		cntJobFailures: mustCounter(metricJobFailures, "Number of directional sync jobs that failed"),
		cntResolution:  mustCounter(metricResolutionFailures, "Number of sync requests aborted during site resolution"),
		cntDetected:    mustCounter(metricSitesDetected, "Number of site types discovered by probing"),
	}
}

// ExecuteSyncRequest resolves both sites of req, checks availability, and
// runs the directional jobs. The returned error is non-nil only when the
// request could not start: an unknown site, an undetectable type, or an
// unavailable site. Job failures are reported and never returned.
//
// When one side is unavailable, only the other side's adapter is closed.
func (r *Replicator) ExecuteSyncRequest(ctx context.Context, req model.SyncRequest) error {
	cfg := req.Config
	ctx, span := r.tracer.Start(ctx, spanExecute, trace.WithAttributes(
		attribute.String("replication.config_id", cfg.ID),
		attribute.String("replication.source", cfg.Source),
		attribute.String("replication.destination", cfg.Destination),
		attribute.Bool("replication.bidirectional", cfg.Bidirectional),
	))
	defer span.End()
	r.cntRequests.Add(ctx, 1)

	if err := cfg.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	log := r.log.With("config_id", cfg.ID)

	// held is released on every return path below.
	var held []adapter.Adapter
	defer func() {
		for _, a := range held {
			if err := a.Close(); err != nil {
				log.Warn("closing adapter", "system", a.SystemName(), "error", err)
			}
		}
	}()

	source, err := r.StoreForID(ctx, cfg.Source)
	if err != nil {
		return r.resolutionFailed(ctx, span, cfg, cfg.Source, err)
	}
	held = append(held, source)

	destination, err := r.StoreForID(ctx, cfg.Destination)
	if err != nil {
		return r.resolutionFailed(ctx, span, cfg, cfg.Destination, err)
	}
	held = append(held, destination)

	var unavailable []string
	if !destination.IsAvailable(ctx) {
		held = without(held, destination)
		unavailable = append(unavailable, cfg.Destination)
	}
	if !source.IsAvailable(ctx) {
		held = without(held, source)
		unavailable = append(unavailable, cfg.Source)
	}
	if len(unavailable) > 0 {
		err := fmt.Errorf("config %s: %w: %v", cfg.ID, ErrUnavailable, unavailable)
		for _, id := range unavailable {
			log.Warn("site unavailable, request aborted", "site_id", id)
			r.reporter.Report(ctx, events.Stamp(events.Event{
				Kind: events.KindSiteUnavailable, ConfigID: cfg.ID, SiteID: id,
			}))
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	excluded := cfg.ExcludedSet()
	jobs := []directionalJob{{
		direction: direction(cfg.Source, cfg.Destination),
		job:       r.syncer.Create(source, destination, cfg, excluded),
	}}
	if cfg.Bidirectional {
		jobs = append(jobs, directionalJob{
			direction: direction(cfg.Destination, cfg.Source),
			job:       r.syncer.Create(destination, source, cfg.Reversed(), excluded),
		})
	}

	failed := r.runJobs(ctx, cfg, jobs)
	span.SetAttributes(attribute.Int("replication.jobs", len(jobs)), attribute.Int("replication.failed_jobs", failed))

	log.Info("sync request finished",
		"source", source.SystemName(),
		"destination", destination.SystemName(),
		"jobs", len(jobs),
		"failed", failed,
	)
	if failed == 0 {
		r.reporter.Report(ctx, events.Stamp(events.Event{
			Kind: events.KindSyncCompleted, ConfigID: cfg.ID,
			Detail: fmt.Sprintf("%d job(s)", len(jobs)),
		}))
	}
	return nil
}

type directionalJob struct {
	direction string
	job       Job
}

// runJobs runs every job concurrently and waits for all of them. A job that
// fails or panics is reported; siblings are unaffected. It returns the number
// of failed jobs.
func (r *Replicator) runJobs(ctx context.Context, cfg model.ReplicationConfig, jobs []directionalJob) int {
	failures := make([]error, len(jobs))

	var g errgroup.Group
	for i, dj := range jobs {
		g.Go(func() error {
			failures[i] = r.runJob(ctx, dj)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range failures {
		if err == nil {
			continue
		}
		failed++
		r.cntJobFailures.Add(ctx, 1)
		r.log.Error("sync job failed", "config_id", cfg.ID, "direction", jobs[i].direction, "error", err)
		r.reporter.Report(ctx, events.Stamp(events.Event{
			Kind: events.KindJobFailed, ConfigID: cfg.ID,
			Direction: jobs[i].direction, Error: err.Error(),
		}))
	}
	return failed
}

func (r *Replicator) runJob(ctx context.Context, dj directionalJob) (err error) {
	ctx, span := r.tracer.Start(ctx, spanJob, trace.WithAttributes(
		attribute.String("replication.direction", dj.direction),
	))
	defer span.End()
	r.cntJobs.Add(ctx, 1)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return dj.job.Sync(ctx)
}

// StoreForID returns a new adapter for the site with the given id. A site
// whose type is unset is probed with each candidate type in detection order;
// the first factory that binds the address wins, and the detected type is
// saved to the registry before the adapter is returned. The caller owns the
// returned adapter.
func (r *Replicator) StoreForID(ctx context.Context, id string) (adapter.Adapter, error) {
	site, err := r.sites.Get(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("site %q: %w", id, ErrSiteNotFound)
		}
		return nil, fmt.Errorf("loading site %q: %w", id, err)
	}
	if site == nil {
		return nil, fmt.Errorf("site %q: %w", id, ErrSiteNotFound)
	}

	if site.Type.IsSet() {
		f, err := r.adapters.FactoryFor(site.Type)
		if err != nil {
			return nil, fmt.Errorf("site %q: %w", id, err)
		}
		a, err := f.Create(ctx, site.URL)
		if err != nil {
			return nil, fmt.Errorf("creating %s adapter for site %q: %w: %w", site.Type, id, ErrSiteUnreachable, err)
		}
		return a, nil
	}

	return r.detect(ctx, site)
}

// detect probes every registered type for site in detection order,
// persisting the first match.
func (r *Replicator) detect(ctx context.Context, site *model.Site) (adapter.Adapter, error) {
	for _, t := range r.adapters.Types() {
		f, err := r.adapters.FactoryFor(t)
		if err != nil {
			continue
		}
		a, err := f.Create(ctx, site.URL)
		if err != nil {
			r.log.Debug("candidate type rejected", "site_id", site.ID, "type", t, "error", err)
			continue
		}

		site.Type = t
		if err := r.sites.Save(ctx, site); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("saving detected type %s for site %q: %w", t, site.ID, err)
		}
		r.cntDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("site.type", string(t))))
		r.log.Info("site type detected", "site_id", site.ID, "type", t, "system", a.SystemName())
		r.reporter.Report(ctx, events.Stamp(events.Event{
			Kind: events.KindSiteDetected, SiteID: site.ID, Detail: string(t),
		}))
		return a, nil
	}
	return nil, fmt.Errorf("site %q at %s: %w", site.ID, site.URL, ErrTypeUndetected)
}

func (r *Replicator) resolutionFailed(ctx context.Context, span trace.Span, cfg model.ReplicationConfig, siteID string, err error) error {
	r.cntResolution.Add(ctx, 1)
	r.log.Error("resolving site", "config_id", cfg.ID, "site_id", siteID, "error", err)
	r.reporter.Report(ctx, events.Stamp(events.Event{
		Kind: events.KindResolutionFailed, ConfigID: cfg.ID, SiteID: siteID, Error: err.Error(),
	}))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("resolving site %q: %w", siteID, err)
}

func direction(from, to string) string {
	return from + "->" + to
}

// without returns held minus a. Adapters are compared by identity.
func without(held []adapter.Adapter, a adapter.Adapter) []adapter.Adapter {
	out := held[:0]
	for _, h := range held {
		if h != a {
			out = append(out, h)
		}
	}
	return out
}
