package keeper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"campaignkeeper/alert"
	"campaignkeeper/cache"
	"campaignkeeper/health"
	"campaignkeeper/journal"
	"campaignkeeper/ledger"
	"campaignkeeper/observability"
)

// Schedule holds the cadence of the independent loops.
type Schedule struct {
	PollInterval   time.Duration
	SweepInterval  time.Duration
	HealthInterval time.Duration
	ShutdownGrace  time.Duration
	// JournalRetention prunes journal entries older than this on every sweep.
	JournalRetention time.Duration
}

// Service owns the poll, sweep and health loops and their ordered shutdown.
type Service struct {
	engine   *Engine
	ledger   ledger.Client
	cache    *cache.Cache
	health   *health.Aggregator
	journal  *journal.Store
	webhook  *alert.WebhookSink
	admin    *http.Server
	schedule Schedule
	metrics  *observability.KeeperMetrics
	logger   *slog.Logger
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithJournalStore closes and prunes store as part of the service lifecycle.
func WithJournalStore(store *journal.Store) ServiceOption {
	return func(s *Service) { s.journal = store }
}

// WithWebhook runs the webhook delivery loop alongside the others.
func WithWebhook(sink *alert.WebhookSink) ServiceOption {
	return func(s *Service) { s.webhook = sink }
}

// WithAdminServer serves the admin API until shutdown.
func WithAdminServer(srv *http.Server) ServiceOption {
	return func(s *Service) { s.admin = srv }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServiceMetrics sets the metrics registry.
func WithServiceMetrics(m *observability.KeeperMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService assembles the service around an engine.
func NewService(engine *Engine, client ledger.Client, merchants *cache.Cache, agg *health.Aggregator, schedule Schedule, opts ...ServiceOption) *Service {
	if schedule.PollInterval <= 0 {
		schedule.PollInterval = 30 * time.Second
	}
	if schedule.SweepInterval <= 0 {
		schedule.SweepInterval = 5 * time.Minute
	}
	if schedule.HealthInterval <= 0 {
		schedule.HealthInterval = 5 * time.Minute
	}
	s := &Service{
		engine:   engine,
		ledger:   client,
		cache:    merchants,
		health:   agg,
		schedule: schedule,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled, then shuts down in order: ticks stop,
// in-flight actions drain or are cancelled, the cache writes its final
// snapshot, and the ledger connection is released.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pollLoop(gctx) })
	g.Go(func() error { return s.sweepLoop(gctx) })
	g.Go(func() error { return s.health.Run(gctx, s.schedule.HealthInterval) })
	g.Go(func() error {
		<-gctx.Done()
		s.engine.Drain(s.schedule.ShutdownGrace)
		return nil
	})
	if s.admin != nil {
		g.Go(func() error { return s.serveAdmin(gctx) })
	}
	// The webhook outlives the drain so alerts raised by cancelled actions
	// are still delivered.
	stopWebhook, webhookDone := s.startWebhook(ctx)
	err := g.Wait()
	stopWebhook()
	<-webhookDone
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, s.shutdown())
}

func (s *Service) startWebhook(ctx context.Context) (context.CancelFunc, <-chan struct{}) {
	done := make(chan struct{})
	if s.webhook == nil {
		close(done)
		return func() {}, done
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer close(done)
		_ = s.webhook.Run(wctx)
	}()
	return cancel, done
}

func (s *Service) pollLoop(ctx context.Context) error {
	s.logger.Info("keeper started", "poll_interval", s.schedule.PollInterval.String())
	s.engine.Tick(ctx)
	ticker := time.NewTicker(s.schedule.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("poll loop stopped")
			return nil
		case <-ticker.C:
			s.engine.Tick(ctx)
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.schedule.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	result, err := s.cache.Sweep()
	if err != nil {
		s.logger.Error("persist cache after sweep", "error", err)
	}
	if result.Expired > 0 || result.Evicted > 0 {
		s.logger.Info("cache swept", "expired", result.Expired, "evicted", result.Evicted)
	}
	stats := s.cache.Stats()
	s.metrics.SetCache(stats.Entries, stats.Bytes)

	if s.journal != nil && s.schedule.JournalRetention > 0 {
		cutoff := time.Now().Add(-s.schedule.JournalRetention)
		if n, err := s.journal.Prune(ctx, cutoff); err != nil {
			s.logger.Warn("prune failure journal", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned failure journal", "removed", n)
		}
	}
}

func (s *Service) serveAdmin(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", "addr", s.admin.Addr)
		errs <- s.admin.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.admin.Shutdown(shutdownCtx); err != nil {
			_ = s.admin.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Service) shutdown() error {
	var errs []error
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
		s.logger.Error("final cache snapshot", "error", err)
	} else {
		s.logger.Info("final cache snapshot written", "entries", s.cache.Len())
	}
	if err := s.ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("keeper stopped")
	return errors.Join(errs...)
}
