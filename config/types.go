package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"campaignkeeper/crypto"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration for the keeper.
type Config struct {
	Environment     string         `yaml:"environment" toml:"environment"`
	WebBaseURL      string         `yaml:"web_base_url" toml:"web_base_url"`
	PollInterval    Duration       `yaml:"poll_interval" toml:"poll_interval"`
	ActionTimeout   Duration       `yaml:"action_timeout" toml:"action_timeout"`
	TickConcurrency int            `yaml:"tick_concurrency" toml:"tick_concurrency"`
	ShutdownGrace   Duration       `yaml:"shutdown_grace" toml:"shutdown_grace"`
	PauseOnStart    bool           `yaml:"pause" toml:"pause"`
	Ledger          LedgerConfig   `yaml:"ledger" toml:"ledger"`
	Operator        OperatorConfig `yaml:"operator" toml:"operator"`
	Retry           RetryConfig    `yaml:"retry" toml:"retry"`
	Breaker         BreakerConfig  `yaml:"breaker" toml:"breaker"`
	Cache           CacheConfig    `yaml:"cache" toml:"cache"`
	Metadata        MetadataConfig `yaml:"metadata" toml:"metadata"`
	Purchase        PurchaseConfig `yaml:"purchase" toml:"purchase"`
	Health          HealthConfig   `yaml:"health" toml:"health"`
	Alerts          AlertsConfig   `yaml:"alerts" toml:"alerts"`
	Admin           AdminConfig    `yaml:"admin" toml:"admin"`
	Journal         JournalConfig  `yaml:"journal" toml:"journal"`
	Logging         LoggingConfig  `yaml:"logging" toml:"logging"`
}

// Development reports whether the keeper runs in the development environment.
func (c Config) Development() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentDevelopment)
}

// LedgerConfig points the keeper at the ledger RPC node and program.
type LedgerConfig struct {
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	ProgramID      string   `yaml:"program_id" toml:"program_id"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// OperatorConfig locates the operator credential that signs ledger requests.
// Exactly one source is consulted: the inline key wins, then the
// environment variable named by key_env, then key_file.
type OperatorConfig struct {
	Key     string `yaml:"key" toml:"key"`
	KeyFile string `yaml:"key_file" toml:"key_file"`
	KeyEnv  string `yaml:"key_env" toml:"key_env"`
}

// OperatorKey decodes the configured credential.
func (o OperatorConfig) OperatorKey() (*crypto.OperatorKey, error) {
	if strings.TrimSpace(o.Key) != "" {
		return crypto.ParseOperatorKey(o.Key)
	}
	if o.KeyFile != "" {
		return crypto.LoadOperatorKeyFile(o.KeyFile)
	}
	return nil, errors.New("operator key is required")
}

// RetryConfig tunes retry with backoff.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay" toml:"max_delay"`
}

// BreakerConfig tunes the per-operation circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout" toml:"recovery_timeout"`
}

// CacheConfig bounds the merchant cache and names its snapshot store.
type CacheConfig struct {
	MaxBytes      int64    `yaml:"max_bytes" toml:"max_bytes"`
	HighWatermark float64  `yaml:"high_watermark" toml:"high_watermark"`
	TTL           Duration `yaml:"ttl" toml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	Backend       string   `yaml:"backend" toml:"backend"`
	Path          string   `yaml:"path" toml:"path"`
}

// MetadataConfig limits metadata document fetches.
type MetadataConfig struct {
	MaxBytes int64    `yaml:"max_bytes" toml:"max_bytes"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
}

// Purchase modes.
const (
	PurchaseModeMock = "mock"
	PurchaseModeLive = "live"
)

// EnvironmentDevelopment is the only environment that defaults to the mock
// purchase service.
const EnvironmentDevelopment = "development"

// PurchaseConfig selects the purchase service implementation. AllowMock
// opts a non-development keeper into the mock.
type PurchaseConfig struct {
	Mode      string   `yaml:"mode" toml:"mode"`
	AllowMock bool     `yaml:"allow_mock" toml:"allow_mock"`
	Endpoint  string   `yaml:"endpoint" toml:"endpoint"`
	AuthToken string   `yaml:"auth_token" toml:"auth_token"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// HealthConfig schedules the probe aggregator.
type HealthConfig struct {
	Interval     Duration `yaml:"interval" toml:"interval"`
	MinInterval  Duration `yaml:"min_interval" toml:"min_interval"`
	ProbeTimeout Duration `yaml:"probe_timeout" toml:"probe_timeout"`
}

// AlertsConfig configures the optional webhook sink.
type AlertsConfig struct {
	WebhookURL    string   `yaml:"webhook_url" toml:"webhook_url"`
	Secret        string   `yaml:"secret" toml:"secret"`
	RatePerMinute int      `yaml:"rate_per_minute" toml:"rate_per_minute"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
}

// AdminConfig captures the admin API listener and its credential.
type AdminConfig struct {
	Listen          string `yaml:"listen" toml:"listen"`
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// JournalConfig locates the failure journal.
type JournalConfig struct {
	Path      string   `yaml:"path" toml:"path"`
	Retention Duration `yaml:"retention" toml:"retention"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}
