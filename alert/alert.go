// Package alert carries operator-facing notifications out of the keeper.
// Delivery is best effort: a sink failure is logged and never propagated to
// the action that raised the alert.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity orders alerts by urgency.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Level maps the severity onto a log level.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityLow:
		return slog.LevelInfo
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Alert is a single notification.
type Alert struct {
	ID         string         `json:"id"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Operation  string         `json:"operation,omitempty"`
	CampaignID string         `json:"campaignId,omitempty"`
	Class      string         `json:"class,omitempty"`
	Failures   int            `json:"consecutiveFailures,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"timestamp"`
}

// Sink delivers alerts somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Dispatcher fans alerts out to every configured sink.
type Dispatcher struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
	onEmit func(Alert)
}

// NewDispatcher builds a dispatcher. logger defaults to slog.Default.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger, now: time.Now}
	for _, s := range sinks {
		if s != nil {
			d.sinks = append(d.sinks, s)
		}
	}
	return d
}

// WithClock overrides the time source used to stamp alerts.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// OnEmit registers a callback invoked for every emitted alert, typically a
// metrics counter.
func (d *Dispatcher) OnEmit(fn func(Alert)) {
	d.mu.Lock()
	d.onEmit = fn
	d.mu.Unlock()
}

// AddSink registers another sink.
func (d *Dispatcher) AddSink(s Sink) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Emit stamps a and hands it to every sink.
func (d *Dispatcher) Emit(ctx context.Context, a Alert) Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = d.now().UTC()
	}
	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	onEmit := d.onEmit
	d.mu.RUnlock()
	if onEmit != nil {
		onEmit(a)
	}
	for _, sink := range sinks {
		if err := sink.Send(ctx, a); err != nil {
			d.logger.Warn("alert delivery failed", "sink", sink.Name(), "alert_id", a.ID, "error", err)
		}
	}
	return a
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(ctx context.Context, a Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"alert_id", a.ID,
		"severity", a.Severity.String(),
	}
	if a.Operation != "" {
		attrs = append(attrs, "operation", a.Operation)
	}
	if a.CampaignID != "" {
		attrs = append(attrs, "campaign", a.CampaignID)
	}
	if a.Class != "" {
		attrs = append(attrs, "class", a.Class)
	}
	if a.Failures > 0 {
		attrs = append(attrs, "consecutive_failures", a.Failures)
	}
	if len(a.Details) > 0 {
		attrs = append(attrs, "details", a.Details)
	}
	logger.Log(ctx, a.Severity.Level(), "ALERT: "+a.Message, attrs...)
	return nil
}
