package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/schedule"
)

// Service polls one site for changes. It holds the site record and the
// adapter built from it; both are replaced together by Update and read
// together by a poll, under the same lock.
type Service struct {
	adapters *adapter.Registry
	sched    *schedule.Scheduler
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	site   model.Site
	store  adapter.Adapter
	since  time.Time
	cancel func()

	tracer   trace.Tracer
	cntPolls metric.Int64Counter
}

var _ Worker = (*Service)(nil)

// NewService creates a stopped worker for site.
func NewService(site *model.Site, adapters *adapter.Registry, sched *schedule.Scheduler, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	polls, err := otel.Meter(otelScope).Int64Counter(metricPolls, metric.WithDescription("Number of site change queries"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricPolls, "error", err)
		polls = noop.Int64Counter{}
	}
	return &Service{
		adapters: adapters,
		sched:    sched,
		interval: interval,
		log:      logger.With("site_id", site.ID),
		site:     *site,
		tracer:   otel.Tracer(otelScope),
		cntPolls: polls,
	}
}

// Update replaces the held site record and rebuilds the adapter through the
// factory registry when the address or type changed, or when none is held.
// The old adapter is closed first. Update waits for an in-flight poll, so a
// poll never pairs one site record with another record's adapter. A factory
// error is returned and the next poll retries the build.
func (s *Service) Update(ctx context.Context, site *model.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if site.URL != s.site.URL || site.Type != s.site.Type {
		s.log.Info("site binding changed", "url", site.URL, "type", site.Type)
		s.releaseLocked()
		s.since = time.Time{}
	}
	s.site = *site
	if err := s.bindLocked(ctx); err != nil {
		return fmt.Errorf("binding site %s: %w", site.ID, err)
	}
	return nil
}

// Start begins polling. Calling it while running does nothing.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.cancel = s.sched.ScheduleAtFixedRate("query poll "+s.site.ID, 0, s.interval, s.poll)
}

// Stop ends polling, waits for an in-flight poll, and releases the adapter.
// Calling it while stopped does nothing beyond releasing the adapter.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	// The in-flight poll takes mu, so cancel must run unlocked.
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

// String describes the worker for diagnostics.
func (s *Service) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := "none"
	if s.store != nil {
		name = s.store.SystemName()
	}
	return fmt.Sprintf("query worker{site=%s[%s], adapter=%s}", s.site.Name, s.site.ID, name)
}

// poll lists the site's changes since the previous successful poll.
func (s *Service) poll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, spanPoll, trace.WithAttributes(
		attribute.String("site.id", s.site.ID),
		attribute.String("site.type", string(s.site.Type)),
	))
	defer span.End()

	if err := s.bindLocked(ctx); err != nil {
		s.log.Warn("site adapter unavailable", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	src, ok := s.store.(adapter.ChangeSource)
	if !ok {
		s.log.Debug("adapter cannot list changes", "system", s.store.SystemName())
		return
	}

	items, err := src.Changes(ctx, s.since)
	s.cntPolls.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
	if err != nil {
		s.log.Warn("polling site", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	for _, it := range items {
		if it.ModifiedAt.After(s.since) {
			s.since = it.ModifiedAt
		}
	}
	span.SetAttributes(attribute.Int("query.changes", len(items)))
	if len(items) > 0 {
		s.log.Info("site changes observed", "count", len(items), "since", s.since)
	}
}

// bindLocked builds the adapter for the held site if none is held.
func (s *Service) bindLocked(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	f, err := s.adapters.FactoryFor(s.site.Type)
	if err != nil {
		return err
	}
	a, err := f.Create(ctx, s.site.URL)
	if err != nil {
		return fmt.Errorf("creating %s adapter: %w", s.site.Type, err)
	}
	s.store = a
	return nil
}

func (s *Service) releaseLocked() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("closing adapter", "error", err)
	}
	s.store = nil
}
