package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
	SignatureHeader = "X-Keeper-Signature"

	maxWebhookAttempts  = 3
	webhookQueueSize    = 256
	webhookFlushTimeout = 10 * time.Second
)

var (
	// ErrRateLimited is returned when the token bucket refuses an alert.
	ErrRateLimited = errors.New("alert: webhook rate limited")
	// ErrQueueFull is returned when the delivery queue is saturated.
	ErrQueueFull = errors.New("alert: webhook queue full")
)

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL           string
	Secret        string
	RatePerMinute int
	Timeout       time.Duration
}

// WebhookSink posts alerts as JSON. Send only enqueues; Run delivers.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	queue   chan Alert
	logger  *slog.Logger
	backoff func(attempt int) time.Duration

	// flushTimeout bounds delivery of whatever is still queued once Run's
	// context is done.
	flushTimeout time.Duration
}

// NewWebhookSink validates cfg and prepares the sink.
func NewWebhookSink(cfg WebhookConfig, logger *slog.Logger) (*WebhookSink, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("alert: webhook url required")
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	perSecond := rate.Limit(float64(cfg.RatePerMinute) / 60)
	return &WebhookSink{
		url:    url,
		secret: cfg.Secret,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(perSecond, cfg.RatePerMinute),
		queue:   make(chan Alert, webhookQueueSize),
		logger:  logger,
		backoff: backoffDuration,

		flushTimeout: webhookFlushTimeout,
	}, nil
}

func (*WebhookSink) Name() string { return "webhook" }

// Send enqueues a for delivery. Critical alerts bypass the rate limit.
func (s *WebhookSink) Send(_ context.Context, a Alert) error {
	if a.Severity < SeverityCritical && !s.limiter.Allow() {
		return ErrRateLimited
	}
	select {
	case s.queue <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued alerts until ctx is done, then flushes the queue
// within the flush timeout before returning.
func (s *WebhookSink) Run(ctx context.Context) error {
	// An alert already dequeued is delivered in full even if ctx ends mid-way.
	deliverCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			s.flush()
			return nil
		}
		select {
		case <-ctx.Done():
		case a := <-s.queue:
			s.deliver(deliverCtx, a)
		}
	}
}

func (s *WebhookSink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()
	for {
		if ctx.Err() != nil {
			if n := len(s.queue); n > 0 {
				s.logger.Warn("alert webhook flush timed out", "dropped", n)
			}
			return
		}
		select {
		case a := <-s.queue:
			s.deliver(ctx, a)
		default:
			return
		}
	}
}

func (s *WebhookSink) deliver(ctx context.Context, a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		s.logger.Error("encode alert", "alert_id", a.ID, "error", err)
		return
	}
	for attempt := 1; attempt <= maxWebhookAttempts; attempt++ {
		err = s.post(ctx, payload)
		if err == nil {
			return
		}
		if attempt == maxWebhookAttempts {
			break
		}
		timer := time.NewTimer(s.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.logger.Warn("alert webhook delivery failed", "alert_id", a.ID, "attempts", maxWebhookAttempts, "error", err)
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, signPayload(s.secret, payload))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
