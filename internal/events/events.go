// Package events reports orchestration outcomes that are not returned to a
// caller: failed sync jobs, availability aborts, worker lifecycle changes.
// Reporters must not block for long and must never fail the caller.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Kind names an event.
type Kind string

const (
	KindSyncCompleted    Kind = "sync.completed"
	KindJobFailed        Kind = "sync.job_failed"
	KindResolutionFailed Kind = "sync.resolution_failed"
	KindSiteUnavailable  Kind = "sync.unavailable"
	KindSiteDetected     Kind = "site.detected"
	KindWorkerStarted    Kind = "worker.started"
	KindWorkerStopped    Kind = "worker.stopped"
	KindReconcileFailed  Kind = "reconcile.failed"
)

// Event is one reported occurrence.
type Event struct {
	Kind      Kind      `json:"kind"`
	ConfigID  string    `json:"config_id,omitempty"`
	SiteID    string    `json:"site_id,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Reporter receives events.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// LogReporter writes events to a structured logger. Events carrying an error
// are logged at error level.
type LogReporter struct {
	log *slog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{log: logger}
}

// Report logs ev.
func (r *LogReporter) Report(ctx context.Context, ev Event) {
	attrs := []any{"kind", string(ev.Kind)}
	if ev.ConfigID != "" {
		attrs = append(attrs, "config_id", ev.ConfigID)
	}
	if ev.SiteID != "" {
		attrs = append(attrs, "site_id", ev.SiteID)
	}
	if ev.Direction != "" {
		attrs = append(attrs, "direction", ev.Direction)
	}
	if ev.Detail != "" {
		attrs = append(attrs, "detail", ev.Detail)
	}
	if ev.Error != "" {
		r.log.ErrorContext(ctx, "event", append(attrs, "error", ev.Error)...)
		return
	}
	r.log.InfoContext(ctx, "event", attrs...)
}

// Multi fans events out to several reporters in order.
type Multi []Reporter

// Report forwards ev to every reporter.
func (m Multi) Report(ctx context.Context, ev Event) {
	for _, r := range m {
		r.Report(ctx, ev)
	}
}

// Discard drops every event.
type Discard struct{}

// Report does nothing.
func (Discard) Report(context.Context, Event) {}

// Stamp fills At with now when it is unset.
func Stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
