package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls atomic.Int32 }

func (*failingSink) Name() string { return "broken" }
func (s *failingSink) Send(context.Context, Alert) error {
	s.calls.Add(1)
	return errors.New("unreachable")
}

func TestDispatcherStampsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	broken := &failingSink{}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewDispatcher(logger, LogSink{Logger: logger}, broken).WithClock(func() time.Time { return fixed })

	var emitted []Alert
	d.OnEmit(func(a Alert) { emitted = append(emitted, a) })

	a := d.Emit(context.Background(), Alert{
		Severity:   SeverityHigh,
		Message:    "circuit opened",
		Operation:  "payout",
		CampaignID: "CAMP1234",
		Class:      "transient",
		Failures:   5,
	})
	require.NotEmpty(t, a.ID)
	require.Equal(t, fixed, a.At)
	require.Len(t, emitted, 1)
	require.Equal(t, int32(1), broken.calls.Load())

	out := buf.String()
	require.Contains(t, out, `"msg":"ALERT: circuit opened"`)
	require.Contains(t, out, `"level":"ERROR"`)
	require.Contains(t, out, `"campaign":"CAMP1234"`)
	require.Contains(t, out, `"consecutive_failures":5`)
	require.Contains(t, out, `"alert delivery failed"`)
}

func TestSeverityLevels(t *testing.T) {
	require.Equal(t, slog.LevelInfo, SeverityLow.Level())
	require.Equal(t, slog.LevelWarn, SeverityMedium.Level())
	require.Equal(t, slog.LevelError, SeverityHigh.Level())
	require.Equal(t, slog.LevelError, SeverityCritical.Level())
	require.Equal(t, "critical", SeverityCritical.String())
}

func TestWebhookSinkSignsPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Secret: "s3cret", RatePerMinute: 60}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sink.Run(ctx) }()

	a := Alert{ID: "a1", Severity: SeverityMedium, Message: "health degraded", At: time.Unix(0, 0).UTC()}
	require.NoError(t, sink.Send(context.Background(), a))

	select {
	case r := <-received:
		body := <-bodies
		require.Equal(t, signPayload("s3cret", body), r.Header.Get(SignatureHeader))
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(body, &decoded))
		require.Equal(t, "medium", decoded["severity"])
		require.Equal(t, "health degraded", decoded["message"])
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestWebhookSinkRateLimits(t *testing.T) {
	sink, err := NewWebhookSink(WebhookConfig{URL: "http://127.0.0.1:1", RatePerMinute: 2}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, Alert{Severity: SeverityLow}))
	require.NoError(t, sink.Send(ctx, Alert{Severity: SeverityLow}))
	require.ErrorIs(t, sink.Send(ctx, Alert{Severity: SeverityHigh}), ErrRateLimited)
	require.NoError(t, sink.Send(ctx, Alert{Severity: SeverityCritical}), "critical alerts bypass the limiter")
}

func TestWebhookSinkRetriesFailedDelivery(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		close(done)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL}, nil)
	require.NoError(t, err)
	sink.backoff = func(int) time.Duration { return time.Millisecond }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sink.Run(ctx) }()
	require.NoError(t, sink.Send(ctx, Alert{Severity: SeverityHigh, Message: "x"}))

	select {
	case <-done:
		require.Equal(t, int32(3), calls.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("delivery was not retried")
	}
}

func TestNewWebhookSinkRequiresURL(t *testing.T) {
	_, err := NewWebhookSink(WebhookConfig{URL: strings.Repeat(" ", 3)}, nil)
	require.Error(t, err)
}

func TestWebhookSinkFlushesQueueOnStop(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, RatePerMinute: 60}, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Send(context.Background(), Alert{Severity: SeverityHigh, Message: "drain failure"}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sink.Run(ctx))
	require.Equal(t, int32(3), delivered.Load())
	require.Zero(t, len(sink.queue))
}

func TestWebhookSinkFlushIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, RatePerMinute: 60}, nil)
	require.NoError(t, err)
	sink.flushTimeout = 50 * time.Millisecond
	sink.backoff = func(int) time.Duration { return time.Millisecond }
	require.NoError(t, sink.Send(context.Background(), Alert{Severity: SeverityHigh}))
	require.NoError(t, sink.Send(context.Background(), Alert{Severity: SeverityHigh}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.NoError(t, sink.Run(ctx))
	require.Less(t, time.Since(start), 5*time.Second)
}
