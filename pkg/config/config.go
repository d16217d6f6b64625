// Package config loads the wardend configuration: a YAML file overlaid with
// WARDEN_* environment variables, plus the fsnotify watcher that hot-reloads
// policy documents.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/pkg/alert"
)

// Config is the full wardend configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audit         AuditConfig         `yaml:"audit"`
	Signing       SigningConfig       `yaml:"signing"`
	Redis         RedisConfig         `yaml:"redis"`
	Policy        PolicyConfig        `yaml:"policy"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Reports       ReportsConfig       `yaml:"reports"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// AuditConfig selects the audit log backend.
type AuditConfig struct {
	// Backend is "memory", "sqlite" or "postgres".
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// Algorithm is the chain digest algorithm; sha256 unless overridden.
	Algorithm string `yaml:"algorithm"`
}

// SigningConfig controls entry and report signing.
type SigningConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyID   string `yaml:"key_id"`
	// Ed25519SeedHex is the hex-encoded 32-byte private key seed. Usually
	// injected via WARDEN_SIGNING_SEED rather than the file.
	Ed25519SeedHex string `yaml:"ed25519_seed_hex"`
}

// RedisConfig targets the shared rate-limit backend. An empty Addr keeps
// alert rate limiting in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PolicyConfig locates the policy documents.
type PolicyConfig struct {
	// Dir holds the policy JSON/YAML documents, loaded in lexical order so
	// parents sort before children (e.g. 00-global.json, 10-org.json).
	Dir string `yaml:"dir"`
	// WatchReload enables hot reload on file changes.
	WatchReload bool `yaml:"watch_reload"`
	// DebounceMs coalesces bursts of file events into one reload.
	DebounceMs int `yaml:"debounce_ms"`
}

// AlertsConfig declares the notification channels.
type AlertsConfig struct {
	Channels []ChannelEntry `yaml:"channels"`
}

// ChannelEntry is one configured channel: the common gates plus the
// type-specific target.
type ChannelEntry struct {
	alert.ChannelConfig `yaml:",inline"`

	// Slack
	WebhookURL   string   `yaml:"webhook_url"`
	SlackChannel string   `yaml:"slack_channel"`
	Mentions     []string `yaml:"mentions"`

	// Email
	Email alert.EmailConfig `yaml:"email"`

	// Webhook
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Secret  string            `yaml:"secret"`
}

// ReportsConfig tunes scheduled report generation.
type ReportsConfig struct {
	// ScheduleTickSeconds is how often due schedules are polled.
	ScheduleTickSeconds int `yaml:"schedule_tick_seconds"`
	// RunDeadlineMinutes bounds a single scheduled generation.
	RunDeadlineMinutes int `yaml:"run_deadline_minutes"`
}

// ObservabilityConfig configures OTLP export.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "8080",
			LogLevel: "info",
		},
		Audit: AuditConfig{
			Backend:   "memory",
			Algorithm: "sha256",
		},
		Signing: SigningConfig{
			KeyID: "warden-dev",
		},
		Policy: PolicyConfig{
			Dir:        "policies",
			DebounceMs: 500,
		},
		Reports: ReportsConfig{
			ScheduleTickSeconds: 60,
			RunDeadlineMinutes:  30,
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Insecure:     true,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then WARDEN_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "WARDEN_PORT")
	setString(&c.Server.LogLevel, "WARDEN_LOG_LEVEL")
	setString(&c.Audit.Backend, "WARDEN_AUDIT_BACKEND")
	setString(&c.Audit.SQLitePath, "WARDEN_SQLITE_PATH")
	setString(&c.Audit.PostgresDSN, "WARDEN_POSTGRES_DSN")
	setString(&c.Signing.KeyID, "WARDEN_SIGNING_KEY_ID")
	setString(&c.Signing.Ed25519SeedHex, "WARDEN_SIGNING_SEED")
	if c.Signing.Ed25519SeedHex != "" {
		c.Signing.Enabled = true
	}
	setString(&c.Redis.Addr, "WARDEN_REDIS_ADDR")
	setString(&c.Redis.Password, "WARDEN_REDIS_PASSWORD")
	setString(&c.Policy.Dir, "WARDEN_POLICY_DIR")
	setString(&c.Observability.OTLPEndpoint, "WARDEN_OTLP_ENDPOINT")
	if v := os.Getenv("WARDEN_OTEL_ENABLED"); v != "" {
		c.Observability.Enabled = v == "true"
	}
	if v := os.Getenv("WARDEN_OTEL_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Observability.SampleRate = rate
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate rejects configurations wardend cannot start with.
func (c *Config) Validate() error {
	switch c.Audit.Backend {
	case "memory":
	case "sqlite":
		if c.Audit.SQLitePath == "" {
			return fmt.Errorf("config: audit.sqlite_path required for the sqlite backend")
		}
	case "postgres":
		if c.Audit.PostgresDSN == "" {
			return fmt.Errorf("config: audit.postgres_dsn required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}

	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Server.LogLevel)
	}

	if c.Signing.Enabled && c.Signing.Ed25519SeedHex == "" {
		return fmt.Errorf("config: signing enabled but no key material configured")
	}

	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("config: observability.sample_rate must be within [0,1]")
	}

	for i, ch := range c.Alerts.Channels {
		switch ch.Type {
		case alert.ChannelSlack:
			if ch.WebhookURL == "" {
				return fmt.Errorf("config: alerts.channels[%d]: slack channel needs webhook_url", i)
			}
		case alert.ChannelEmail:
			if ch.Email.Host == "" || len(ch.Email.To) == 0 {
				return fmt.Errorf("config: alerts.channels[%d]: email channel needs host and recipients", i)
			}
		case alert.ChannelWebhook:
			if ch.URL == "" {
				return fmt.Errorf("config: alerts.channels[%d]: webhook channel needs url", i)
			}
		default:
			return fmt.Errorf("config: alerts.channels[%d]: unknown type %q", i, ch.Type)
		}
	}
	return nil
}

// ScheduleTick returns the report schedule polling interval.
func (c *Config) ScheduleTick() time.Duration {
	if c.Reports.ScheduleTickSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Reports.ScheduleTickSeconds) * time.Second
}

// RunDeadline returns the per-run generation deadline.
func (c *Config) RunDeadline() time.Duration {
	if c.Reports.RunDeadlineMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Reports.RunDeadlineMinutes) * time.Minute
}

// PolicyDebounce returns the reload debounce window.
func (c *Config) PolicyDebounce() time.Duration {
	if c.Policy.DebounceMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Policy.DebounceMs) * time.Millisecond
}
