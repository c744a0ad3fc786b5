package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "siterelay.events"

// Publisher is the subset of [*nats.Conn] used by [NATSReporter].
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSReporter publishes events as JSON on "<prefix>.<kind>".
type NATSReporter struct {
	pub    Publisher
	prefix string
	log    *slog.Logger
}

// NewNATSReporter creates a reporter publishing through pub.
func NewNATSReporter(pub Publisher, prefix string, logger *slog.Logger) *NATSReporter {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSReporter{pub: pub, prefix: strings.TrimSuffix(prefix, "."), log: logger}
}

// ConnectNATS dials url and returns the connection. Reconnects are handled by
// the client; disconnects are logged.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("siterelay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event of kind k is published on.
func (r *NATSReporter) Subject(k Kind) string {
	return r.prefix + "." + string(k)
}

// Report publishes ev. Publish failures are logged and dropped.
func (r *NATSReporter) Report(_ context.Context, ev Event) {
	data, err := json.Marshal(Stamp(ev))
	if err != nil {
		r.log.Error("encoding event", "kind", string(ev.Kind), "error", err)
		return
	}
	if err := r.pub.Publish(r.Subject(ev.Kind), data); err != nil {
		r.log.Error("publishing event", "subject", r.Subject(ev.Kind), "error", err)
	}
}
