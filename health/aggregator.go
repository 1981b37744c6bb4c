// Package health runs the keeper's dependency probes and reduces them to a
// single status.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"campaignkeeper/alert"
)

// Status is the aggregate health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of a single probe.
type Result string

const (
	ResultPass  Result = "pass"
	ResultFail  Result = "fail"
	ResultError Result = "error"
)

// CheckFunc reports whether a dependency is usable. Returning false with a
// nil error is a clean failure; a non-nil error means the probe itself could
// not complete.
type CheckFunc func(ctx context.Context) (bool, error)

// Probe is a named check.
type Probe struct {
	Name  string
	Check CheckFunc
}

// CheckResult records one probe execution.
type CheckResult struct {
	Name     string        `json:"name"`
	Result   Result        `json:"result"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the outcome of a full probe run.
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Failing   []string      `json:"failing,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Reduce maps probe results to an aggregate status: all pass is healthy,
// exactly one non-pass is degraded, anything more is unhealthy.
func Reduce(results []CheckResult) Status {
	bad := 0
	for _, r := range results {
		if r.Result != ResultPass {
			bad++
		}
	}
	switch bad {
	case 0:
		return StatusHealthy
	case 1:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAlerts routes non-healthy reports to d.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(a *Aggregator) { a.alerts = d }
}

// WithObserver receives every completed report, for metrics.
func WithObserver(fn func(Report)) Option {
	return func(a *Aggregator) { a.observer = fn }
}

// Aggregator owns the probe set and the last report.
type Aggregator struct {
	minInterval  time.Duration
	probeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	alerts       *alert.Dispatcher
	observer     func(Report)

	mu      sync.Mutex
	probes  []Probe
	last    Report
	hasLast bool
	lastRun time.Time
}

// New builds an aggregator. Probe runs closer together than minInterval are
// answered from the previous report.
func New(minInterval, probeTimeout time.Duration, opts ...Option) *Aggregator {
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	a := &Aggregator{
		minInterval:  minInterval,
		probeTimeout: probeTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Register adds a probe. Registering a name twice replaces the earlier probe.
func (a *Aggregator) Register(p Probe) {
	if p.Name == "" || p.Check == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.probes {
		if existing.Name == p.Name {
			a.probes[i] = p
			return
		}
	}
	a.probes = append(a.probes, p)
}

// Last returns the most recent report.
func (a *Aggregator) Last() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.hasLast
}

// Check runs every probe unless the previous run is younger than the minimum
// interval, in which case the cached report is returned and ran is false.
func (a *Aggregator) Check(ctx context.Context) (report Report, ran bool) {
	a.mu.Lock()
	now := a.now()
	if a.hasLast && now.Sub(a.lastRun) < a.minInterval {
		report = a.last
		a.mu.Unlock()
		return report, false
	}
	a.lastRun = now
	probes := append([]Probe(nil), a.probes...)
	a.mu.Unlock()

	results := make([]CheckResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			results[i] = a.runProbe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	report = Report{Status: Reduce(results), Checks: results, CheckedAt: now}
	for _, r := range results {
		if r.Result != ResultPass {
			report.Failing = append(report.Failing, r.Name)
		}
	}
	sort.Strings(report.Failing)

	a.mu.Lock()
	a.last = report
	a.hasLast = true
	a.mu.Unlock()

	a.publish(ctx, report)
	return report, true
}

func (a *Aggregator) runProbe(ctx context.Context, p Probe) (res CheckResult) {
	res.Name = p.Name
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Result = ResultError
			res.Error = fmt.Sprintf("probe panicked: %v", r)
		}
		res.Duration = time.Since(start)
	}()
	pctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()
	ok, err := p.Check(pctx)
	switch {
	case err != nil:
		res.Result = ResultError
		res.Error = err.Error()
	case !ok:
		res.Result = ResultFail
	default:
		res.Result = ResultPass
	}
	return res
}

func (a *Aggregator) publish(ctx context.Context, report Report) {
	if a.observer != nil {
		a.observer(report)
	}
	if report.Status == StatusHealthy {
		a.logger.Debug("health check passed", "probes", len(report.Checks))
		return
	}
	details := make(map[string]any, len(report.Checks))
	for _, c := range report.Checks {
		if c.Result == ResultPass {
			continue
		}
		if c.Error != "" {
			details[c.Name] = c.Error
		} else {
			details[c.Name] = string(c.Result)
		}
	}
	a.logger.Warn("health check not healthy", "status", string(report.Status), "failing", report.Failing)
	if a.alerts == nil {
		return
	}
	severity := alert.SeverityMedium
	if report.Status == StatusUnhealthy {
		severity = alert.SeverityHigh
	}
	a.alerts.Emit(ctx, alert.Alert{
		Severity:  severity,
		Message:   fmt.Sprintf("keeper %s: failing probes %s", report.Status, strings.Join(report.Failing, ", ")),
		Operation: "health_check",
		Details:   details,
	})
}

// Run checks on every tick of interval until ctx is done. The first check
// runs immediately.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	if interval < a.minInterval {
		interval = a.minInterval
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	a.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Check(ctx)
		}
	}
}
