// Package keeper runs the campaign lifecycle keeper: it polls the ledger,
// classifies every campaign and drives it through finalize, purchase and
// payout with retries, circuit breaking and a durable merchant cache.
package keeper

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaignkeeper/alert"
	"campaignkeeper/cache"
	"campaignkeeper/config"
	"campaignkeeper/faults"
	"campaignkeeper/health"
	"campaignkeeper/journal"
	"campaignkeeper/ledger"
	"campaignkeeper/metadata"
	"campaignkeeper/observability"
	"campaignkeeper/observability/logging"
	telemetry "campaignkeeper/observability/otel"
	"campaignkeeper/purchase"
	"campaignkeeper/resilience"
	"campaignkeeper/storage"
)

const serviceName = "campaign-keeper"

// Main initialises and runs the keeper daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("KEEPER_CONFIG"), "path to keeper configuration (yaml or toml); empty reads the environment only")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return faults.Internal("load_config", err)
	}

	logger, logCloser, err := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return faults.Internal("setup_logging", err)
	}
	defer logCloser.Close()

	key, err := cfg.Operator.OperatorKey()
	if err != nil {
		return faults.Internal("load_operator_key", err)
	}
	programID, err := ledger.ParseAccountID(cfg.Ledger.ProgramID)
	if err != nil {
		return faults.Internal("parse_program_id", err)
	}
	otelSettings, err := telemetry.LoadSettings()
	if err != nil {
		return faults.Internal("load_telemetry", err)
	}
	shutdownTelemetry, err := telemetry.Start(context.Background(), telemetry.Identity{
		Service:     serviceName,
		Environment: cfg.Environment,
		Program:     programID.String(),
		Operator:    key.PublicKey().String(),
	}, otelSettings)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	logger.Info("configuration loaded",
		"endpoint", cfg.Ledger.Endpoint,
		"program", programID.String(),
		"operator", key.PublicKey().String(),
		logging.MaskField("auth_token", cfg.Ledger.AuthToken),
		"purchase_mode", cfg.Purchase.Mode,
		"cache_backend", cfg.Cache.Backend,
		"cache_path", cfg.Cache.Path,
		logging.MaskField("webhook_url", cfg.Alerts.WebhookURL),
		"telemetry", otelSettings.Enabled(),
	)

	metrics := observability.Keeper()

	// Resources opened below are released on any early return; the service
	// takes ownership once it is built.
	var opened closeStack
	defer func() {
		if err := opened.release(); err != nil {
			logger.Warn("release startup resources", "error", err)
		}
	}()

	client, err := ledger.NewRPCClient(cfg.Ledger.Endpoint, programID, key, cfg.Ledger.RequestTimeout.Duration,
		ledger.WithAuthToken(cfg.Ledger.AuthToken))
	if err != nil {
		return faults.Internal("ledger_client", err)
	}
	opened.push(client.Close)

	blob, err := storage.OpenBlob(cfg.Cache.Backend, cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	merchants, err := cache.New(blob, cache.Policy{
		MaxBytes:      cfg.Cache.MaxBytes,
		HighWatermark: cfg.Cache.HighWatermark,
		TTL:           cfg.Cache.TTL.Duration,
		SweepInterval: cfg.Cache.SweepInterval.Duration,
	}, cache.WithLogger(logger), cache.WithHooks(cache.Hooks{
		Expired: func(n int) { metrics.RecordCacheRemoval("expired", n) },
		Evicted: func(n int) { metrics.RecordCacheRemoval("evicted", n) },
	}))
	if err != nil {
		_ = blob.Close()
		return fmt.Errorf("load merchant cache: %w", err)
	}
	opened.push(merchants.Close)
	logger.Info("merchant cache loaded", "entries", merchants.Len())

	fetcher, err := metadata.NewFetcher(cfg.Metadata.MaxBytes, cfg.Metadata.Timeout.Duration)
	if err != nil {
		return faults.Internal("metadata_fetcher", err)
	}

	var buyer purchase.Service
	switch cfg.Purchase.Mode {
	case config.PurchaseModeLive:
		live, err := purchase.NewHTTPClient(cfg.Purchase.Endpoint, cfg.Purchase.AuthToken, cfg.Purchase.Timeout.Duration)
		if err != nil {
			return faults.Internal("purchase_client", err)
		}
		buyer = live
	case config.PurchaseModeMock:
		logger.Warn("purchase service running in mock mode", "merchant", purchase.MockMerchant, "environment", cfg.Environment)
		buyer = purchase.NewMock(logger)
	default:
		return faults.Internal("purchase_client", fmt.Errorf("unknown purchase mode %q", cfg.Purchase.Mode))
	}

	alerts := alert.NewDispatcher(logger, alert.LogSink{Logger: logger})
	alerts.OnEmit(func(a alert.Alert) { metrics.RecordAlert(a.Severity.String()) })
	var webhook *alert.WebhookSink
	if cfg.Alerts.WebhookURL != "" {
		webhook, err = alert.NewWebhookSink(alert.WebhookConfig{
			URL:           cfg.Alerts.WebhookURL,
			Secret:        cfg.Alerts.Secret,
			RatePerMinute: cfg.Alerts.RatePerMinute,
			Timeout:       cfg.Alerts.Timeout.Duration,
		}, logger)
		if err != nil {
			return faults.Internal("alert_webhook", err)
		}
		alerts.AddSink(webhook)
	}

	failures, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open failure journal: %w", err)
	}
	opened.push(failures.Close)

	retrier := resilience.NewRetrier(resilience.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay.Duration,
		MaxDelay:   cfg.Retry.MaxDelay.Duration,
	})
	breaker := resilience.NewBreaker(resilience.BreakerPolicy{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Duration,
	}, nil)

	engine, err := NewEngine(Deps{
		Ledger:   client,
		Purchase: buyer,
		Fetcher:  fetcher,
		Cache:    merchants,
		Retrier:  retrier,
		Breaker:  breaker,
	},
		WithLogger(logger),
		WithAlerts(alerts),
		WithJournal(failures),
		WithMetrics(metrics),
		WithConcurrency(cfg.TickConcurrency),
		WithActionTimeout(cfg.ActionTimeout.Duration),
		WithWebBaseURL(cfg.WebBaseURL),
	)
	if err != nil {
		return faults.Internal("engine", err)
	}
	if cfg.PauseOnStart {
		engine.Pause()
	}

	agg := health.New(cfg.Health.MinInterval.Duration, cfg.Health.ProbeTimeout.Duration,
		health.WithLogger(logger),
		health.WithAlerts(alerts),
		health.WithObserver(func(r health.Report) {
			metrics.SetHealth(string(r.Status))
			for _, c := range r.Checks {
				metrics.SetProbe(c.Name, c.Result == health.ResultPass)
			}
		}),
	)
	for _, probe := range Probes(client, buyer, merchants) {
		agg.Register(probe)
	}

	opts := []ServiceOption{
		WithServiceLogger(logger),
		WithServiceMetrics(metrics),
		WithJournalStore(failures),
	}
	if webhook != nil {
		opts = append(opts, WithWebhook(webhook))
	}
	if cfg.Admin.Listen != "" {
		auth, err := NewAuthenticator(cfg.Admin.BearerToken)
		if err != nil {
			return faults.Internal("admin_auth", err)
		}
		opts = append(opts, WithAdminServer(&http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           NewAdminServer(engine, agg, failures, auth),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      cfg.ActionTimeout.Duration + 30*time.Second,
			IdleTimeout:       60 * time.Second,
		}))
	}

	svc := NewService(engine, client, merchants, agg, Schedule{
		PollInterval:     cfg.PollInterval.Duration,
		SweepInterval:    cfg.Cache.SweepInterval.Duration,
		HealthInterval:   cfg.Health.Interval.Duration,
		ShutdownGrace:    cfg.ShutdownGrace.Duration,
		JournalRetention: cfg.Journal.Retention.Duration,
	}, opts...)

	opened.disarm()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(stopCtx)
}

// closeStack releases resources in reverse order of acquisition.
type closeStack struct {
	fns      []func() error
	disarmed bool
}

func (c *closeStack) push(fn func() error) { c.fns = append(c.fns, fn) }

// disarm hands the pushed resources to a new owner.
func (c *closeStack) disarm() { c.disarmed = true }

func (c *closeStack) release() error {
	if c.disarmed {
		return nil
	}
	var errs []error
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.fns = nil
	return errors.Join(errs...)
}
