// Package config handles loading, validating, and applying defaults to the
// stockwatch configuration. Configuration is read from a YAML file and
// may be overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that implements yaml.Unmarshaler
// so that Go-style duration strings (e.g. "30s", "5m") can be used in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a YAML scalar as a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML serialises the duration back to a human-readable string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the top-level configuration for the stockwatch service.
type Config struct {
	App           AppConfig           `yaml:"app"`
	Models        []ModelConfig       `yaml:"models"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Store         StoreConfig         `yaml:"store"`
	Stream        StreamConfig        `yaml:"stream"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Digest        DigestConfig        `yaml:"digest"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Mailer        MailerConfig        `yaml:"mailer"`
	Server        ServerConfig        `yaml:"server"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Retention     RetentionConfig     `yaml:"retention"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Health        HealthConfig        `yaml:"health"`

	// SharedSecret is populated from the API_SHARED_SECRET environment
	// variable. It is never read from the config file.
	SharedSecret string `yaml:"-"`

	// MailerAuthToken is populated from the MAILER_AUTH_TOKEN environment
	// variable. It is never read from the config file.
	MailerAuthToken string `yaml:"-"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// ModelConfig describes one server model to monitor.
type ModelConfig struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// UpstreamConfig configures the availability source API.
type UpstreamConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// BreakerConfig controls the circuit breaker guarding upstream calls.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout"`
	LogInterval      Duration `yaml:"logInterval"`
}

// StoreConfig controls the SQLite database and change detection.
type StoreConfig struct {
	DBPath         string   `yaml:"dbPath"`
	DebounceWindow Duration `yaml:"debounceWindow"`
}

// StreamConfig controls the live-update connection registry.
type StreamConfig struct {
	MaxConnections    int      `yaml:"maxConnections"`
	SweepInterval     Duration `yaml:"sweepInterval"`
	PingTimeout       Duration `yaml:"pingTimeout"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	SendBuffer        int      `yaml:"sendBuffer"`
}

// NotificationsConfig controls notification enqueueing and deduplication.
type NotificationsConfig struct {
	Cooldown         Duration `yaml:"cooldown"`
	RearmWindow      Duration `yaml:"rearmWindow"`
	MaxAttempts      int      `yaml:"maxAttempts"`
	NotifyOutOfStock bool     `yaml:"notifyOutOfStock"`
}

// DigestConfig controls the email digest batcher.
type DigestConfig struct {
	BatchSize      int      `yaml:"batchSize"`
	SendTimeout    Duration `yaml:"sendTimeout"`
	RunBudget      Duration `yaml:"runBudget"`
	InterUserDelay Duration `yaml:"interUserDelay"`
	RateLimitPause Duration `yaml:"rateLimitPause"`
}

// RateLimitConfig holds the caps for the three fixed rate-limit windows.
type RateLimitConfig struct {
	PerSecond int `yaml:"perSecond"`
	PerMinute int `yaml:"perMinute"`
	PerHour   int `yaml:"perHour"`
}

// MailerConfig configures the HTTP email relay that delivers digests.
type MailerConfig struct {
	URL     string            `yaml:"url"`
	Timeout Duration          `yaml:"timeout"`
	From    string            `yaml:"from"`
	Headers map[string]string `yaml:"headers"`
}

// ServerConfig controls the public API server.
type ServerConfig struct {
	Port        int `yaml:"port"`
	DigestClamp int `yaml:"digestClamp"`
}

// SchedulerConfig controls the optional in-process cron scheduler. When
// disabled the service is driven purely by the trigger endpoints.
type SchedulerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PollSpec   string `yaml:"pollSpec"`
	DigestSpec string `yaml:"digestSpec"`
}

// RetentionConfig controls old notification-row cleanup.
type RetentionConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CleanupInterval Duration `yaml:"cleanupInterval"`
	RetentionPeriod Duration `yaml:"retentionPeriod"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health/readiness probe endpoints.
type HealthConfig struct {
	LivenessPath  string `yaml:"livenessPath"`
	ReadinessPath string `yaml:"readinessPath"`
}

// Load reads the YAML configuration file at path, applies defaults, applies
// environment-variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills in zero-valued fields with sensible defaults. It is
// exported so tests can build minimal configs without repeating them.
func (c *Config) ApplyDefaults() {
	// App defaults
	if c.App.Name == "" {
		c.App.Name = "stockwatch"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "json"
	}

	// Upstream defaults
	if c.Upstream.Timeout.Duration == 0 {
		c.Upstream.Timeout.Duration = 5 * time.Second
	}

	// Breaker defaults
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout.Duration == 0 {
		c.Breaker.RecoveryTimeout.Duration = 300 * time.Second
	}
	if c.Breaker.LogInterval.Duration == 0 {
		c.Breaker.LogInterval.Duration = 60 * time.Second
	}

	// Store defaults
	if c.Store.DBPath == "" {
		c.Store.DBPath = "/data/stockwatch.db"
	}
	if c.Store.DebounceWindow.Duration == 0 {
		c.Store.DebounceWindow.Duration = 60 * time.Second
	}

	// Stream defaults
	if c.Stream.MaxConnections == 0 {
		c.Stream.MaxConnections = 1000
	}
	if c.Stream.SweepInterval.Duration == 0 {
		c.Stream.SweepInterval.Duration = 15 * time.Second
	}
	if c.Stream.PingTimeout.Duration == 0 {
		c.Stream.PingTimeout.Duration = 300 * time.Second
	}
	if c.Stream.HeartbeatInterval.Duration == 0 {
		c.Stream.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Stream.SendBuffer == 0 {
		c.Stream.SendBuffer = 16
	}

	// Notification defaults
	if c.Notifications.Cooldown.Duration == 0 {
		c.Notifications.Cooldown.Duration = 10 * time.Minute
	}
	if c.Notifications.RearmWindow.Duration == 0 {
		c.Notifications.RearmWindow.Duration = 5 * time.Minute
	}
	if c.Notifications.MaxAttempts == 0 {
		c.Notifications.MaxAttempts = 3
	}

	// Digest defaults
	if c.Digest.BatchSize == 0 {
		c.Digest.BatchSize = 25
	}
	if c.Digest.SendTimeout.Duration == 0 {
		c.Digest.SendTimeout.Duration = 45 * time.Second
	}
	if c.Digest.RunBudget.Duration == 0 {
		c.Digest.RunBudget.Duration = 240 * time.Second
	}
	if c.Digest.InterUserDelay.Duration == 0 {
		c.Digest.InterUserDelay.Duration = 250 * time.Millisecond
	}
	if c.Digest.RateLimitPause.Duration == 0 {
		c.Digest.RateLimitPause.Duration = 2 * time.Second
	}

	// Rate limit defaults
	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = 3
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 100
	}
	if c.RateLimit.PerHour == 0 {
		c.RateLimit.PerHour = 1500
	}

	// Mailer defaults
	if c.Mailer.Timeout.Duration == 0 {
		c.Mailer.Timeout.Duration = 45 * time.Second
	}
	if c.Mailer.From == "" {
		c.Mailer.From = "stockwatch@localhost"
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.DigestClamp == 0 {
		c.Server.DigestClamp = 50
	}

	// Scheduler defaults
	if c.Scheduler.PollSpec == "" {
		c.Scheduler.PollSpec = "@every 1m"
	}
	if c.Scheduler.DigestSpec == "" {
		c.Scheduler.DigestSpec = "@every 5m"
	}

	// Retention defaults
	if c.Retention.CleanupInterval.Duration == 0 {
		c.Retention.Enabled = true
		c.Retention.CleanupInterval.Duration = 1 * time.Hour
		c.Retention.RetentionPeriod.Duration = 48 * time.Hour
	} else {
		if c.Retention.RetentionPeriod.Duration == 0 {
			c.Retention.RetentionPeriod.Duration = 48 * time.Hour
		}
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Enabled = true
		c.Metrics.Port = 8080
		c.Metrics.Path = "/metrics"
	} else {
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	// Health defaults
	if c.Health.LivenessPath == "" {
		c.Health.LivenessPath = "/healthz"
	}
	if c.Health.ReadinessPath == "" {
		c.Health.ReadinessPath = "/ready"
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Store.DBPath = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("MAILER_URL"); v != "" {
		c.Mailer.URL = v
	}
	if v := os.Getenv("MAILER_AUTH_TOKEN"); v != "" {
		c.MailerAuthToken = v
	}
	if v := os.Getenv("API_SHARED_SECRET"); v != "" {
		c.SharedSecret = v
	}
}

// validate checks that all required fields are populated and that enum values
// are within the allowed set.
func (c *Config) validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if c.Mailer.URL == "" {
		return fmt.Errorf("mailer.url is required")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	seen := make(map[int]struct{}, len(c.Models))
	for _, m := range c.Models {
		if m.ID <= 0 {
			return fmt.Errorf("model id must be positive; got %d", m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate model id %d", m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	// Validate log level
	switch c.App.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("app.logLevel must be one of: debug, info, warn, error; got %q", c.App.LogLevel)
	}

	// Validate log format
	switch c.App.LogFormat {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("app.logFormat must be one of: json, text; got %q", c.App.LogFormat)
	}

	if c.RateLimit.PerSecond > c.RateLimit.PerMinute || c.RateLimit.PerMinute > c.RateLimit.PerHour {
		return fmt.Errorf("rate limit tiers must be non-decreasing: perSecond <= perMinute <= perHour")
	}

	return nil
}

// ModelIDs returns the configured model identifiers in declaration order.
func (c *Config) ModelIDs() []int {
	ids := make([]int, 0, len(c.Models))
	for _, m := range c.Models {
		ids = append(ids, m.ID)
	}
	return ids
}
