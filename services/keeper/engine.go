package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"campaignkeeper/alert"
	"campaignkeeper/cache"
	"campaignkeeper/faults"
	"campaignkeeper/journal"
	"campaignkeeper/ledger"
	"campaignkeeper/metadata"
	"campaignkeeper/observability"
	"campaignkeeper/purchase"
	"campaignkeeper/resilience"
)

// ErrEngineStopped is returned once Drain has begun.
var ErrEngineStopped = errors.New("keeper: engine stopped")

// MetadataFetcher resolves a campaign's metadata URI.
type MetadataFetcher interface {
	Fetch(ctx context.Context, uri string) (metadata.Document, error)
}

// Journal records action failures.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) (int64, error)
}

// TickSummary describes the outcome of one tick.
type TickSummary struct {
	ID              string         `json:"id"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration_ns"`
	Paused          bool           `json:"paused,omitempty"`
	Error           string         `json:"error,omitempty"`
	Campaigns       int            `json:"campaigns"`
	Invalid         int            `json:"invalid,omitempty"`
	Actions         map[string]int `json:"actions,omitempty"`
	Dispatched      int            `json:"dispatched"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	SkippedInFlight int            `json:"skipped_inflight"`
}

// InFlight is an action still running.
type InFlight struct {
	Campaign string    `json:"campaign"`
	Action   string    `json:"action"`
	Since    time.Time `json:"since"`
}

// Status is the operator view of the engine.
type Status struct {
	Paused   bool                    `json:"paused"`
	LastTick *TickSummary            `json:"last_tick,omitempty"`
	InFlight []InFlight              `json:"in_flight"`
	Breakers []resilience.KeyedState `json:"breakers"`
	Cache    cache.Stats             `json:"cache"`
}

type flight struct {
	action Action
	since  time.Time
}

// Engine drives campaigns through their lifecycle, one action per campaign
// per tick.
type Engine struct {
	ledger   ledger.Client
	purchase purchase.Service
	fetcher  MetadataFetcher
	cache    *cache.Cache
	guard    *resilience.Guard

	alerts        *alert.Dispatcher
	journal       Journal
	metrics       *observability.KeeperMetrics
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
	concurrency   int
	actionTimeout time.Duration
	webBaseURL    string

	// work bounds every action; Drain cancels it once the grace period ends.
	work       context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	paused   bool
	stopped  bool
	inFlight map[ledger.AccountID]flight
	lastTick *TickSummary
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithAlerts routes failure alerts to d.
func WithAlerts(d *alert.Dispatcher) EngineOption {
	return func(e *Engine) { e.alerts = d }
}

// WithJournal records failures in j.
func WithJournal(j Journal) EngineOption {
	return func(e *Engine) { e.journal = j }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.KeeperMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithConcurrency bounds how many campaigns are processed at once in a tick.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithActionTimeout bounds a single action including its retries.
func WithActionTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// WithWebBaseURL sets the front-end URL used in finalize announcements.
func WithWebBaseURL(u string) EngineOption {
	return func(e *Engine) { e.webBaseURL = u }
}

// Deps are the collaborators every engine needs.
type Deps struct {
	Ledger   ledger.Client
	Purchase purchase.Service
	Fetcher  MetadataFetcher
	Cache    *cache.Cache
	Retrier  *resilience.Retrier
	Breaker  *resilience.Breaker
}

// NewEngine wires the engine. The breaker table is shared with the admin
// surface; the engine observes it to alert when a circuit opens.
func NewEngine(deps Deps, opts ...EngineOption) (*Engine, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("keeper: ledger client required")
	case deps.Purchase == nil:
		return nil, errors.New("keeper: purchase service required")
	case deps.Fetcher == nil:
		return nil, errors.New("keeper: metadata fetcher required")
	case deps.Cache == nil:
		return nil, errors.New("keeper: merchant cache required")
	case deps.Retrier == nil || deps.Breaker == nil:
		return nil, errors.New("keeper: retry and breaker policies required")
	}
	work, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ledger:        deps.Ledger,
		purchase:      deps.Purchase,
		fetcher:       deps.Fetcher,
		cache:         deps.Cache,
		logger:        slog.Default(),
		tracer:        otel.Tracer("campaignkeeper/services/keeper"),
		now:           time.Now,
		concurrency:   4,
		actionTimeout: 3 * time.Minute,
		webBaseURL:    "http://localhost:3000",
		work:          work,
		cancelWork:    cancel,
		inFlight:      make(map[ledger.AccountID]flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.guard = resilience.NewGuard(deps.Retrier, deps.Breaker, e)
	return e, nil
}

// Pause stops subsequent ticks from dispatching work.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.metrics.SetPaused(true)
	e.logger.Warn("keeper paused")
}

// Resume re-enables ticks.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.metrics.SetPaused(false)
	e.logger.Info("keeper resumed")
}

// Paused reports whether ticks are paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Status returns a point-in-time view of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{Paused: e.paused, InFlight: make([]InFlight, 0, len(e.inFlight))}
	for id, f := range e.inFlight {
		st.InFlight = append(st.InFlight, InFlight{Campaign: id.String(), Action: f.action.String(), Since: f.since})
	}
	if e.lastTick != nil {
		last := *e.lastTick
		st.LastTick = &last
	}
	e.mu.Unlock()
	sort.Slice(st.InFlight, func(i, j int) bool { return st.InFlight[i].Campaign < st.InFlight[j].Campaign })
	st.Breakers = e.guard.Breaker().Snapshot()
	st.Cache = e.cache.Stats()
	return st
}

// Tick lists campaigns, classifies each and dispatches at most one action per
// campaign. A failing action never aborts the others. A campaign whose action
// from an earlier tick is still running is skipped.
func (e *Engine) Tick(ctx context.Context) TickSummary {
	summary := TickSummary{ID: uuid.NewString(), StartedAt: e.now()}
	if e.Paused() {
		summary.Paused = true
		e.metrics.RecordTick("paused", 0)
		e.logger.Debug("tick skipped while paused")
		return summary
	}
	if e.stopping() {
		summary.Error = ErrEngineStopped.Error()
		return summary
	}

	ctx, span := e.tracer.Start(ctx, "keeper.tick", trace.WithAttributes(attribute.String("tick", summary.ID)))
	defer span.End()
	start := time.Now()

	var (
		campaigns []ledger.Campaign
		invalid   []ledger.InvalidAccount
	)
	err := e.guard.Do(ctx, resilience.NewKey(opFetchCampaigns, ""), func(ctx context.Context) error {
		var err error
		campaigns, err = e.ledger.FetchAllCampaigns(ctx)
		var partial *ledger.PartialListError
		if errors.As(err, &partial) {
			invalid = partial.Accounts
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch campaigns")
		summary.Error = err.Error()
		summary.Duration = time.Since(start)
		e.logger.Error("tick failed to list campaigns", "tick", summary.ID, "error", err)
		e.metrics.RecordTick("error", summary.Duration)
		e.finishTick(summary)
		return summary
	}

	// An unreadable account is that campaign's failure alone.
	summary.Invalid = len(invalid)
	for _, acct := range invalid {
		id := acct.ID
		if id == "" {
			id = fmt.Sprintf("#%d", acct.Index)
		}
		e.reportFailure(ctx, opDecodeCampaign, id, acct.Err)
		e.metrics.RecordAction(opDecodeCampaign, "failure", faults.ClassOf(acct.Err).String(), 0)
	}

	now := e.now()
	summary.Campaigns = len(campaigns)
	summary.Actions = make(map[string]int)
	var succeeded, failed atomic.Int32

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, c := range campaigns {
		decision := Classify(c, now)
		summary.Actions[decision.Action.String()]++
		if decision.Action == ActionNone {
			continue
		}
		if !e.acquire(c.ID, decision.Action) {
			summary.SkippedInFlight++
			e.metrics.RecordAction(decision.Action.String(), "skipped_inflight", "", 0)
			e.logger.Debug("campaign action still in flight", "campaign", c.ID.String(), "action", decision.Action.String())
			continue
		}
		summary.Dispatched++
		g.Go(func() error {
			defer e.release(c.ID)
			if err := e.run(ctx, c, decision); err != nil {
				failed.Add(1)
			} else {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Succeeded = int(succeeded.Load())
	summary.Failed = int(failed.Load())
	summary.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("campaigns", summary.Campaigns),
		attribute.Int("dispatched", summary.Dispatched),
		attribute.Int("failed", summary.Failed),
	)
	e.metrics.SetCampaigns(summary.Actions)
	e.metrics.RecordTick("ok", summary.Duration)
	e.metrics.SetOpenCircuits(e.guard.Breaker().OpenCount())
	e.publishCache()
	e.logger.Info("tick complete",
		"tick", summary.ID,
		"campaigns", summary.Campaigns,
		"dispatched", summary.Dispatched,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"invalid", summary.Invalid,
		"skipped_inflight", summary.SkippedInFlight,
	)
	e.finishTick(summary)
	return summary
}

func (e *Engine) finishTick(summary TickSummary) {
	e.mu.Lock()
	e.lastTick = &summary
	e.mu.Unlock()
}

func (e *Engine) stopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) acquire(id ledger.AccountID, action Action) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = flight{action: action, since: e.now()}
	e.wg.Add(1)
	return true
}

func (e *Engine) release(id ledger.AccountID) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
	e.wg.Done()
}

// actionContext detaches the action from the caller's cancellation so that a
// shutdown signal does not abort it mid-request; Drain cancels it instead.
func (e *Engine) actionContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.actionTimeout)
	stop := context.AfterFunc(e.work, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) run(parent context.Context, c ledger.Campaign, d Decision) error {
	ctx, cancel := e.actionContext(parent)
	defer cancel()
	action := d.Action.String()
	ctx, span := e.tracer.Start(ctx, "keeper.action", trace.WithAttributes(
		attribute.String("action", action),
		attribute.String("campaign", c.ID.String()),
	))
	defer span.End()

	start := time.Now()
	var err error
	switch d.Action {
	case ActionFinalize:
		err = e.finalize(ctx, c, d.Path)
	case ActionPurchase:
		err = e.executePurchase(ctx, c)
	case ActionPayout:
		err = e.executePayout(ctx, c)
	}
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, action)
		class := e.reportFailure(ctx, action, c.ID.String(), err)
		e.metrics.RecordAction(action, outcomeOf(err), class, elapsed)
		return err
	}
	e.metrics.RecordAction(action, "success", "", elapsed)
	return nil
}

// Drain stops new dispatches, gives in-flight actions grace to finish and
// then cancels them. It returns once every action has returned.
func (e *Engine) Drain(grace time.Duration) {
	e.mu.Lock()
	e.stopped = true
	pending := len(e.inFlight)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	if pending > 0 {
		e.logger.Info("waiting for in-flight actions", "pending", pending, "grace", grace.String())
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("grace period elapsed, cancelling in-flight actions")
		e.cancelWork()
		<-done
	}
	e.cancelWork()
}

func (e *Engine) publishCache() {
	stats := e.cache.Stats()
	e.metrics.SetCache(stats.Entries, stats.Bytes)
}
