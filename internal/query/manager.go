// Package query keeps one polling worker alive for every registered site
// whose type must be polled. The [Manager] runs a periodic reconciliation
// tick that converges its worker map to the current registry snapshot.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/events"
	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/schedule"
)

const (
	otelScope            = "siterelay/query"
	spanReconcile        = "query.reconcile"
	spanPoll             = "query.poll"
	metricWorkersStarted = "siterelay.query.workers.started"
	metricWorkersStopped = "siterelay.query.workers.stopped"
	metricReconcileErrs  = "siterelay.query.reconcile.errors"
	metricPolls          = "siterelay.query.polls"
)

const (
	// DefaultPeriod is used when a non-positive reconcile period is configured.
	DefaultPeriod = 5 * time.Minute

	// DefaultStartupDelay is the wait before the first reconcile tick.
	DefaultStartupDelay = time.Minute

	// DefaultPollInterval is the cadence of each worker's change query.
	DefaultPollInterval = time.Minute
)

// Registry lists the registered sites.
// Implemented by [state.Store].
type Registry interface {
	Objects(ctx context.Context) ([]*model.Site, error)
}

// Worker is the live unit kept per polled site. Implemented by [Service].
type Worker interface {
	Update(ctx context.Context, site *model.Site) error
	Start()
	Stop()
}

// Options configures a [Manager].
type Options struct {
	// Sites restricts management to these ids. Empty manages every site.
	Sites []string

	// Period between reconcile ticks. Non-positive means [DefaultPeriod].
	Period time.Duration

	// StartupDelay before the first tick. Negative means
	// [DefaultStartupDelay]; zero ticks immediately.
	StartupDelay time.Duration

	// PollInterval is passed to every worker. Non-positive means
	// [DefaultPollInterval].
	PollInterval time.Duration

	// NewWorker overrides worker construction.
	NewWorker func(site *model.Site) Worker
}

// Manager owns the worker map and the scheduler both it and its workers run
// on. Create one with [NewManager], start it with [Manager.Init], and release
// it with [Manager.Destroy].
type Manager struct {
	registry  Registry
	sched     *schedule.Scheduler
	newWorker func(site *model.Site) Worker
	allow     map[string]struct{}
	period    time.Duration
	delay     time.Duration
	reporter  events.Reporter
	log       *slog.Logger

	// mu serializes ticks and guards workers and cancelTick.
	mu         sync.Mutex
	workers    map[string]Worker
	cancelTick func()
	destroyed  bool

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntStarted    metric.Int64Counter
	cntStopped    metric.Int64Counter
	cntReconcileE metric.Int64Counter
}

// NewManager creates a Manager. The manager takes ownership of sched and
// shuts it down in Destroy. A nil reporter discards events.
func NewManager(registry Registry, adapters *adapter.Registry, sched *schedule.Scheduler, reporter events.Reporter, logger *slog.Logger, opts Options) *Manager {
	if reporter == nil {
		reporter = events.Discard{}
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.StartupDelay < 0 {
		opts.StartupDelay = DefaultStartupDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	var allow map[string]struct{}
	if len(opts.Sites) > 0 {
		allow = make(map[string]struct{}, len(opts.Sites))
		for _, id := range opts.Sites {
			allow[id] = struct{}{}
		}
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

	m := &Manager{
		registry:  registry,
		sched:     sched,
		newWorker: opts.NewWorker,
		allow:     allow,
		period:    opts.Period,
		delay:     opts.StartupDelay,
		reporter:  reporter,
		log:       logger,
		workers:   make(map[string]Worker),

		tracer:        otel.Tracer(otelScope),
		cntStarted:    mustCounter(metricWorkersStarted, "Number of query workers started"),
		cntStopped:    mustCounter(metricWorkersStopped, "Number of query workers stopped"),
		cntReconcileE: mustCounter(metricReconcileErrs, "Number of reconcile ticks that could not read the registry"),
	}
	if m.newWorker == nil {
		interval := opts.PollInterval
		m.newWorker = func(site *model.Site) Worker {
			return NewService(site, adapters, sched, interval, logger)
		}
	}
	return m
}

// Init schedules the reconcile tick. Calling it again, or after Destroy,
// does nothing.
func (m *Manager) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelTick != nil || m.destroyed {
		return
	}

	if m.allow == nil {
		m.log.Info("managing all sites", "period", m.period, "startup_delay", m.delay)
	} else {
		m.log.Info("managing sites", "sites", m.managedIDs(), "period", m.period, "startup_delay", m.delay)
	}

	m.cancelTick = m.sched.ScheduleAtFixedRate("query reconcile", m.delay, m.period, func(ctx context.Context) {
		// Failures are logged and reported inside Reconcile.
		_ = m.Reconcile(ctx)
	})
}

// Reconcile runs one tick: workers whose site disappeared or no longer needs
// polling are stopped, surviving workers receive their latest site record,
// and new pollable sites get a started worker. When the registry cannot be
// read the worker map is left untouched and the error is returned.
func (m *Manager) Reconcile(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, spanReconcile)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}

	sites, err := m.registry.Objects(ctx)
	if err != nil {
		err = fmt.Errorf("listing sites: %w", err)
		m.cntReconcileE.Add(ctx, 1)
		m.log.Error("reconcile skipped", "error", err)
		m.reporter.Report(ctx, events.Stamp(events.Event{Kind: events.KindReconcileFailed, Error: err.Error()}))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	fetched := make(map[string]*model.Site, len(sites))
	for _, s := range sites {
		if s == nil || !m.manages(s.ID) {
			continue
		}
		fetched[s.ID] = s
	}

	var stopped, updated, started int
	for id, w := range m.workers {
		site, ok := fetched[id]
		if ok {
			delete(fetched, id)
		}
		if !ok || !site.MustBePolled() {
			delete(m.workers, id)
			m.stopWorker(ctx, id, w)
			stopped++
			continue
		}
		if err := w.Update(ctx, site); err != nil {
			m.log.Warn("query worker update failed", "site_id", id, "error", err)
		}
		updated++
	}

	// Sorted so workers start in a stable order.
	ids := make([]string, 0, len(fetched))
	for id, s := range fetched {
		if s.MustBePolled() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		w := m.newWorker(fetched[id])
		w.Start()
		m.workers[id] = w
		started++
		m.cntStarted.Add(ctx, 1)
		m.log.Info("query worker started", "site_id", id, "type", fetched[id].Type)
		m.reporter.Report(ctx, events.Stamp(events.Event{Kind: events.KindWorkerStarted, SiteID: id}))
	}

	span.SetAttributes(
		attribute.Int("query.started", started),
		attribute.Int("query.updated", updated),
		attribute.Int("query.stopped", stopped),
		attribute.Int("query.workers", len(m.workers)),
	)
	m.log.Debug("reconcile finished", "started", started, "updated", updated, "stopped", stopped, "workers", len(m.workers))
	return nil
}

// Workers returns the ids of the live workers, sorted.
func (m *Manager) Workers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Destroy cancels the reconcile tick, stops every worker, and shuts the
// scheduler down. No tick fires after it returns. Calling it again does
// nothing.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	cancelTick := m.cancelTick
	m.cancelTick = nil
	m.mu.Unlock()

	// Waits for an in-flight tick, which holds mu.
	if cancelTick != nil {
		cancelTick()
	}

	m.mu.Lock()
	ctx := context.Background()
	for id, w := range m.workers {
		delete(m.workers, id)
		m.stopWorker(ctx, id, w)
	}
	m.mu.Unlock()

	m.sched.Shutdown()
	m.log.Info("query manager destroyed")
}

func (m *Manager) stopWorker(ctx context.Context, id string, w Worker) {
	w.Stop()
	m.cntStopped.Add(ctx, 1)
	m.log.Info("query worker stopped", "site_id", id)
	m.reporter.Report(ctx, events.Stamp(events.Event{Kind: events.KindWorkerStopped, SiteID: id}))
}

func (m *Manager) manages(id string) bool {
	if m.allow == nil {
		return true
	}
	_, ok := m.allow[id]
	return ok
}

func (m *Manager) managedIDs() []string {
	ids := make([]string, 0, len(m.allow))
	for id := range m.allow {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
