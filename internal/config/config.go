// Package config loads and validates the SiteRelay YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/siterelay/internal/model"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DBPath is the SQLite site registry. Defaults to
	// ~/.local/share/siterelay/sites.db.
	DBPath string `yaml:"db_path"`

	// ManagedSites restricts the query manager to these site ids. Empty
	// manages every registered site.
	ManagedSites []string `yaml:"managed_sites"`

	// ReconcilePeriod is the interval between query manager ticks.
	// Non-positive values fall back to 5m.
	ReconcilePeriod time.Duration `yaml:"reconcile_period"`

	// StartupDelay is the wait before the first tick. Defaults to 1m.
	StartupDelay *time.Duration `yaml:"startup_delay"`

	// PollInterval is how often each query worker asks its site for
	// changes. Minimum 1s. Defaults to 1m.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PoolSize bounds how many scheduled tasks run at once. Defaults to 5.
	PoolSize int `yaml:"pool_size"`

	// ReplicationInterval is how often the daemon runs every entry of
	// Replications. Defaults to 15m.
	ReplicationInterval time.Duration `yaml:"replication_interval"`

	// Replications are the site pairs the daemon keeps in sync.
	Replications []model.ReplicationConfig `yaml:"replications"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log"`

	// HTTP configures the optional API server. Omit to disable it.
	HTTP *HTTPConfig `yaml:"http,omitempty"`

	// Events configures optional NATS event publishing. Omit to only log
	// events.
	Events *EventsConfig `yaml:"events,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is text or json. Defaults to text.
	Format string `yaml:"format"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	// Listen is the address to bind, e.g. ":8080".
	Listen string `yaml:"listen"`

	// Metrics serves Prometheus metrics at /metrics.
	Metrics bool `yaml:"metrics"`
}

// EventsConfig holds the NATS publisher settings.
type EventsConfig struct {
	// NATSURL is the server to publish to, e.g. "nats://localhost:4222".
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix is prepended to every event kind. Defaults to
	// "siterelay.events".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "siterelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

const (
	defaultReconcilePeriod     = 5 * time.Minute
	defaultStartupDelay        = time.Minute
	defaultPollInterval        = time.Minute
	defaultPoolSize            = 5
	defaultReplicationInterval = 15 * time.Minute
)

// DefaultPath returns the default config file path: ~/.config/siterelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "siterelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied, for
// running without a config file.
func Default() *Config {
	var cfg Config
	_ = cfg.validate()
	return &cfg
}

// Replication returns the configured replication with the given id.
func (c *Config) Replication(id string) (model.ReplicationConfig, bool) {
	for _, r := range c.Replications {
		if r.ID == id {
			return r, true
		}
	}
	return model.ReplicationConfig{}, false
}

// validate fills defaults and checks that every field is well-formed.
func (c *Config) validate() error {
	if strings.HasPrefix(c.DBPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expanding db_path: %w", err)
		}
		c.DBPath = filepath.Join(home, c.DBPath[2:])
	}

	for i, id := range c.ManagedSites {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("managed_sites[%d] is empty", i)
		}
	}

	if c.ReconcilePeriod <= 0 {
		c.ReconcilePeriod = defaultReconcilePeriod
	}
	if c.StartupDelay == nil {
		d := defaultStartupDelay
		c.StartupDelay = &d
	}
	if *c.StartupDelay < 0 {
		return fmt.Errorf("startup_delay %v must not be negative", *c.StartupDelay)
	}

	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 1s)", c.PollInterval)
	}

	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size %d must be positive", c.PoolSize)
	}

	if c.ReplicationInterval == 0 {
		c.ReplicationInterval = defaultReplicationInterval
	}
	if c.ReplicationInterval < time.Second {
		return fmt.Errorf("replication_interval %v is too short (minimum 1s)", c.ReplicationInterval)
	}

	seen := make(map[string]bool, len(c.Replications))
	for i := range c.Replications {
		r := &c.Replications[i]
		if r.ID == "" {
			return fmt.Errorf("replications[%d]: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("replications[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if err := r.Validate(); err != nil {
			return err
		}
	}

	switch c.Log.Level {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn, or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	if c.HTTP != nil && c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required when http is configured")
	}

	if c.Events != nil {
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url is required when events are configured")
		}
		u, err := url.Parse(c.Events.NATSURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("events.nats_url %q must be a valid URL", c.Events.NATSURL)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
