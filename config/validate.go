package config

import (
	"fmt"
	"net/url"
	"strings"

	"campaignkeeper/ledger"
	"campaignkeeper/storage"
)

// Validate checks cross-field constraints after defaults have been applied.
func (c Config) Validate() error {
	if err := validateURL("ledger.endpoint", c.Ledger.Endpoint); err != nil {
		return err
	}
	if _, err := ledger.ParseAccountID(c.Ledger.ProgramID); err != nil {
		return fmt.Errorf("ledger.program_id: %w", err)
	}
	if _, err := c.Operator.OperatorKey(); err != nil {
		return fmt.Errorf("operator key: %w", err)
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BaseDelay.Duration > c.Retry.MaxDelay.Duration {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s", c.Retry.BaseDelay.Duration, c.Retry.MaxDelay.Duration)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Cache.HighWatermark <= 0 || c.Cache.HighWatermark > 1 {
		return fmt.Errorf("cache.high_watermark must be in (0, 1], got %v", c.Cache.HighWatermark)
	}
	switch c.Cache.Backend {
	case storage.BackendMemory, storage.BackendFile, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("cache.backend %q is not one of memory, file, leveldb, bolt", c.Cache.Backend)
	}
	switch c.Purchase.Mode {
	case PurchaseModeMock:
		if !c.Development() && !c.Purchase.AllowMock {
			return fmt.Errorf("purchase.mode mock pays a placeholder merchant; set purchase.allow_mock to use it in environment %q", c.Environment)
		}
	case PurchaseModeLive:
		if err := validateURL("purchase.endpoint", c.Purchase.Endpoint); err != nil {
			return err
		}
	default:
		return fmt.Errorf("purchase.mode %q is not one of mock, live", c.Purchase.Mode)
	}
	if c.Health.Interval.Duration < c.Health.MinInterval.Duration {
		return fmt.Errorf("health.interval %s is below health.min_interval %s", c.Health.Interval.Duration, c.Health.MinInterval.Duration)
	}
	if c.Alerts.WebhookURL != "" {
		if err := validateURL("alerts.webhook_url", c.Alerts.WebhookURL); err != nil {
			return err
		}
	}
	if c.Admin.Listen != "" && c.Admin.BearerToken == "" {
		return fmt.Errorf("admin.bearer_token must be configured when admin.listen is set")
	}
	return nil
}

func validateURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s must be configured", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", field)
	}
	return nil
}
