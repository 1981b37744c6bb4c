package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	keeperMetricsOnce sync.Once
	keeperRegistry    *KeeperMetrics

	adminMetricsOnce sync.Once
	adminRegistry    *adminMetrics
)

// KeeperMetrics wraps collectors tracking the campaign lifecycle engine.
type KeeperMetrics struct {
	ticks             *prometheus.CounterVec
	tickDuration      prometheus.Histogram
	campaigns         *prometheus.GaugeVec
	actions           *prometheus.CounterVec
	actionLatency     *prometheus.HistogramVec
	breakerOpens      *prometheus.CounterVec
	breakerRejections *prometheus.CounterVec
	openCircuits      prometheus.Gauge
	cacheEntries      prometheus.Gauge
	cacheBytes        prometheus.Gauge
	cacheRemovals     *prometheus.CounterVec
	probeStatus       *prometheus.GaugeVec
	healthStatus      *prometheus.GaugeVec
	alerts            *prometheus.CounterVec
	pauseEngaged      prometheus.Gauge
}

// Keeper exposes the metrics registry for the keeper daemon.
func Keeper() *KeeperMetrics {
	keeperMetricsOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keeper",
				Subsystem: "engine",
				Name:      "ticks_total",
				Help:      "Count of poll ticks segmented by outcome.",
			}, []string{"outcome"}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "keeper",
				Subsystem: "engine",
				Name:      "tick_duration_seconds",
				Help:      "Wall time spent processing a poll tick.",
				Buckets:   prometheus.DefBuckets,
			}),
			campaigns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "keeper",
				Subsystem: "engine",
				Name:      "campaigns",
				Help:      "Campaigns observed in the last tick segmented by classified action.",
			}, []string{"action"}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keeper",
				Subsystem: "engine",
				Name:      "actions_total",
				Help:      "Count of dispatched actions segmented by action, outcome and failure class.",
			}, []string{"action", "outcome", "class"}),
			actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "keeper",
				Subsystem: "engine",
				Name:      "action_duration_seconds",
				Help:      "Latency distribution for guarded actions including retries.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"action"}),
			breakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keeper",
				Subsystem: "breaker",
				Name:      "opens_total",
				Help:      "Count of circuits that transitioned to open, by operation.",
			}, []string{"operation"}),
			breakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keeper",
				Subsystem: "breaker",
				Name:      "rejections_total",
				Help:      "Count of calls refused by an open circuit, by operation.",
			}, []string{"operation"}),
			openCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "keeper",
				Subsystem: "breaker",
				Name:      "open_circuits",
				Help:      "Number of keys currently open or half-open.",
			}),
			cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "keeper",
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Merchant purchase records held.",
			}),
			cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "keeper",
				Subsystem: "cache",
				Name:      "bytes",
				Help:      "Estimated merchant cache footprint in bytes.",
			}),
			cacheRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keeper",
				Subsystem: "cache",
				Name:      "removals_total",
				Help:      "Merchant records removed without a payout, by reason (expired, evicted).",
			}, []string{"reason"}),
			probeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "keeper",
				Subsystem: "health",
				Name:      "probe_pass",
				Help:      "Indicates whether a health probe passed (1) or not (0) in the last run.",
			}, []string{"probe"}),
			healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "keeper",
				Subsystem: "health",
				Name:      "status",
				Help:      "One-hot aggregate health status of the last run.",
			}, []string{"status"}),
			alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keeper",
				Subsystem: "alerts",
				Name:      "emitted_total",
				Help:      "Count of alerts emitted, by severity.",
			}, []string{"severity"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "keeper",
				Subsystem: "engine",
				Name:      "pause_engaged",
				Help:      "Indicates whether ticks are paused (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			keeperRegistry.ticks,
			keeperRegistry.tickDuration,
			keeperRegistry.campaigns,
			keeperRegistry.actions,
			keeperRegistry.actionLatency,
			keeperRegistry.breakerOpens,
			keeperRegistry.breakerRejections,
			keeperRegistry.openCircuits,
			keeperRegistry.cacheEntries,
			keeperRegistry.cacheBytes,
			keeperRegistry.cacheRemovals,
			keeperRegistry.probeStatus,
			keeperRegistry.healthStatus,
			keeperRegistry.alerts,
			keeperRegistry.pauseEngaged,
		)
	})
	return keeperRegistry
}

// RecordTick records a completed tick.
func (m *KeeperMetrics) RecordTick(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(label(outcome)).Inc()
	if d > 0 {
		m.tickDuration.Observe(d.Seconds())
	}
}

// SetCampaigns replaces the per-action campaign counts.
func (m *KeeperMetrics) SetCampaigns(counts map[string]int) {
	if m == nil {
		return
	}
	m.campaigns.Reset()
	for action, n := range counts {
		m.campaigns.WithLabelValues(label(action)).Set(float64(n))
	}
}

// RecordAction records the outcome of a dispatched action. class is empty on success.
func (m *KeeperMetrics) RecordAction(action, outcome, class string, d time.Duration) {
	if m == nil {
		return
	}
	if class == "" {
		class = "none"
	}
	m.actions.WithLabelValues(label(action), label(outcome), class).Inc()
	if d > 0 {
		m.actionLatency.WithLabelValues(label(action)).Observe(d.Seconds())
	}
}

// RecordBreakerOpen counts a circuit opening.
func (m *KeeperMetrics) RecordBreakerOpen(operation string) {
	if m == nil {
		return
	}
	m.breakerOpens.WithLabelValues(label(operation)).Inc()
}

// RecordBreakerRejection counts a call refused by an open circuit.
func (m *KeeperMetrics) RecordBreakerRejection(operation string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(label(operation)).Inc()
}

// SetOpenCircuits publishes the number of open keys.
func (m *KeeperMetrics) SetOpenCircuits(n int) {
	if m == nil {
		return
	}
	m.openCircuits.Set(float64(n))
}

// SetCache publishes cache occupancy.
func (m *KeeperMetrics) SetCache(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(entries))
	m.cacheBytes.Set(float64(bytes))
}

// RecordCacheRemoval counts records dropped by expiry or eviction.
func (m *KeeperMetrics) RecordCacheRemoval(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheRemovals.WithLabelValues(label(reason)).Add(float64(n))
}

// SetProbe publishes a probe result.
func (m *KeeperMetrics) SetProbe(probe string, pass bool) {
	if m == nil {
		return
	}
	value := 0.0
	if pass {
		value = 1
	}
	m.probeStatus.WithLabelValues(label(probe)).Set(value)
}

// SetHealth publishes the aggregate status as a one-hot gauge.
func (m *KeeperMetrics) SetHealth(status string) {
	if m == nil {
		return
	}
	for _, s := range []string{"healthy", "degraded", "unhealthy"} {
		value := 0.0
		if s == status {
			value = 1
		}
		m.healthStatus.WithLabelValues(s).Set(value)
	}
}

// RecordAlert counts an emitted alert.
func (m *KeeperMetrics) RecordAlert(severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(label(severity)).Inc()
}

// SetPaused toggles the pause gauge.
func (m *KeeperMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

type adminMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// AdminMetrics returns the registry recording admin API activity.
func AdminMetrics() *adminMetrics {
	adminMetricsOnce.Do(func() {
		adminRegistry = &adminMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keeper",
				Subsystem: "admin",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "keeper",
				Subsystem: "admin",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(adminRegistry.requests, adminRegistry.latency)
	})
	return adminRegistry
}

// Observe records the outcome of an admin request.
func (m *adminMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
