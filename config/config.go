// Package config loads the keeper configuration from a YAML or TOML file and
// overlays the environment on top of it.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envOverlay holds raw environment values. Empty values leave the file
// configuration untouched.
type envOverlay struct {
	Environment    string        `env:"KEEPER_ENV"`
	RPCURL         string        `env:"KEEPER_RPC_URL"`
	ProgramID      string        `env:"KEEPER_PROGRAM_ID"`
	RPCAuthToken   string        `env:"KEEPER_RPC_AUTH_TOKEN"`
	PrivateKey     string        `env:"KEEPER_PRIVATE_KEY"`
	PrivateKeyFile string        `env:"KEEPER_PRIVATE_KEY_FILE"`
	PollInterval   time.Duration `env:"KEEPER_POLL_INTERVAL"`
	Pause          bool          `env:"KEEPER_PAUSE"`
	CacheBackend   string        `env:"KEEPER_CACHE_BACKEND"`
	CachePath      string        `env:"KEEPER_CACHE_PATH"`
	PurchaseMode   string        `env:"KEEPER_PURCHASE_MODE"`
	AllowMock      bool          `env:"KEEPER_ALLOW_MOCK_PURCHASE"`
	PurchaseURL    string        `env:"KEEPER_PURCHASE_URL"`
	PurchaseToken  string        `env:"KEEPER_PURCHASE_TOKEN"`
	AdminListen    string        `env:"KEEPER_ADMIN_LISTEN"`
	AdminToken     string        `env:"KEEPER_ADMIN_TOKEN"`
	JournalPath    string        `env:"KEEPER_JOURNAL_PATH"`
	LogLevel       string        `env:"KEEPER_LOG_LEVEL"`
	LogFile        string        `env:"KEEPER_LOG_FILE"`
	WebBaseURL     string        `env:"KEEPER_WEB_BASE_URL"`
	WebhookURL     string        `env:"ALERT_WEBHOOK_URL"`
	WebhookSecret  string        `env:"ALERT_WEBHOOK_SECRET"`
}

// Load reads configuration from path, applies environment overrides and
// defaults, and validates the result. An empty path configures the keeper
// from the environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Operator.normalise(); err != nil {
		return cfg, fmt.Errorf("operator key: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var raw envOverlay
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, value string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = value
		}
	}
	set(&cfg.Environment, raw.Environment)
	set(&cfg.Ledger.Endpoint, raw.RPCURL)
	set(&cfg.Ledger.ProgramID, raw.ProgramID)
	set(&cfg.Ledger.AuthToken, raw.RPCAuthToken)
	if strings.TrimSpace(raw.PrivateKey) != "" {
		cfg.Operator = OperatorConfig{Key: raw.PrivateKey}
	} else if strings.TrimSpace(raw.PrivateKeyFile) != "" {
		cfg.Operator = OperatorConfig{KeyFile: raw.PrivateKeyFile}
	}
	if raw.PollInterval > 0 {
		cfg.PollInterval.Duration = raw.PollInterval
	}
	if raw.Pause {
		cfg.PauseOnStart = true
	}
	set(&cfg.Cache.Backend, raw.CacheBackend)
	set(&cfg.Cache.Path, raw.CachePath)
	set(&cfg.Purchase.Mode, raw.PurchaseMode)
	if raw.AllowMock {
		cfg.Purchase.AllowMock = true
	}
	set(&cfg.Purchase.Endpoint, raw.PurchaseURL)
	set(&cfg.Purchase.AuthToken, raw.PurchaseToken)
	set(&cfg.Admin.Listen, raw.AdminListen)
	set(&cfg.Admin.BearerToken, raw.AdminToken)
	set(&cfg.Journal.Path, raw.JournalPath)
	set(&cfg.Logging.Level, raw.LogLevel)
	set(&cfg.Logging.File, raw.LogFile)
	set(&cfg.WebBaseURL, raw.WebBaseURL)
	set(&cfg.Alerts.WebhookURL, raw.WebhookURL)
	set(&cfg.Alerts.Secret, raw.WebhookSecret)
	return nil
}

func applyDefaults(cfg *Config) {
	defaultDuration(&cfg.PollInterval, 30*time.Second)
	defaultDuration(&cfg.ActionTimeout, 3*time.Minute)
	defaultDuration(&cfg.ShutdownGrace, 10*time.Second)
	if cfg.TickConcurrency <= 0 {
		cfg.TickConcurrency = 4
	}
	if cfg.WebBaseURL == "" {
		cfg.WebBaseURL = "http://localhost:3000"
	}
	cfg.WebBaseURL = strings.TrimRight(cfg.WebBaseURL, "/")

	defaultDuration(&cfg.Ledger.RequestTimeout, 10*time.Second)

	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	defaultDuration(&cfg.Retry.BaseDelay, 2*time.Second)
	defaultDuration(&cfg.Retry.MaxDelay, 30*time.Second)

	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	defaultDuration(&cfg.Breaker.RecoveryTimeout, time.Minute)

	if cfg.Cache.MaxBytes <= 0 {
		cfg.Cache.MaxBytes = 100 << 20
	}
	if cfg.Cache.HighWatermark == 0 {
		cfg.Cache.HighWatermark = 0.8
	}
	defaultDuration(&cfg.Cache.TTL, 24*time.Hour)
	defaultDuration(&cfg.Cache.SweepInterval, 5*time.Minute)
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "file"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "keeper-storage.json"
	}

	if cfg.Metadata.MaxBytes <= 0 {
		cfg.Metadata.MaxBytes = 100 * 1024
	}
	defaultDuration(&cfg.Metadata.Timeout, 5*time.Second)

	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Purchase.Mode == "" {
		// The mock pays a placeholder merchant, so only development falls
		// back to it silently.
		cfg.Purchase.Mode = PurchaseModeLive
		if cfg.Development() || cfg.Purchase.AllowMock {
			cfg.Purchase.Mode = PurchaseModeMock
		}
	}
	cfg.Purchase.Mode = strings.ToLower(cfg.Purchase.Mode)
	defaultDuration(&cfg.Purchase.Timeout, 2*time.Minute)

	defaultDuration(&cfg.Health.MinInterval, 5*time.Minute)
	defaultDuration(&cfg.Health.Interval, cfg.Health.MinInterval.Duration)
	defaultDuration(&cfg.Health.ProbeTimeout, 3*time.Second)

	if cfg.Alerts.RatePerMinute <= 0 {
		cfg.Alerts.RatePerMinute = 30
	}
	defaultDuration(&cfg.Alerts.Timeout, 5*time.Second)

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "keeper-journal.db"
	}
	defaultDuration(&cfg.Journal.Retention, 30*24*time.Hour)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}

func defaultDuration(d *Duration, fallback time.Duration) {
	if d.Duration <= 0 {
		d.Duration = fallback
	}
}

func (o *OperatorConfig) normalise() error {
	if o == nil {
		return fmt.Errorf("operator configuration missing")
	}
	o.Key = strings.TrimSpace(o.Key)
	o.KeyEnv = strings.TrimSpace(o.KeyEnv)
	o.KeyFile = strings.TrimSpace(o.KeyFile)
	if o.Key != "" {
		return nil
	}
	switch {
	case o.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(o.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", o.KeyEnv)
		}
		o.Key = value
	case o.KeyFile != "":
		// Read by OperatorKey.
	default:
		return fmt.Errorf("operator key is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	a.Listen = strings.TrimSpace(a.Listen)
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
