package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func clearTelemetryEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_INSECURE",
		"OTEL_EXPORTER_OTLP_HEADERS",
		"KEEPER_OTEL_SAMPLE_RATIO",
		"KEEPER_OTEL_METRIC_INTERVAL",
		"KEEPER_OTEL_DISABLE_METRICS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	clearTelemetryEnv(t)
	s, err := LoadSettings()
	require.NoError(t, err)
	require.False(t, s.Enabled())
	require.True(t, s.Insecure)
	require.Equal(t, 1.0, s.SampleRatio)
	require.Equal(t, 30*time.Second, s.MetricInterval)
}

func TestLoadSettingsReadsKeeperOverrides(t *testing.T) {
	clearTelemetryEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector.example.com:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "api-key=a%20b")
	t.Setenv("KEEPER_OTEL_SAMPLE_RATIO", "0.25")
	t.Setenv("KEEPER_OTEL_METRIC_INTERVAL", "1m")
	s, err := LoadSettings()
	require.NoError(t, err)
	require.True(t, s.Enabled())
	require.Equal(t, 0.25, s.SampleRatio)
	require.Equal(t, time.Minute, s.MetricInterval)
	require.Equal(t, "a b", exportHeaders(s.Headers)["api-key"])
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	for name, kv := range map[string][2]string{
		"ratio above one": {"KEEPER_OTEL_SAMPLE_RATIO", "1.5"},
		"zero interval":   {"KEEPER_OTEL_METRIC_INTERVAL", "0s"},
		"bad scheme":      {"OTEL_EXPORTER_OTLP_ENDPOINT", "grpc://collector:4317"},
		"bad insecure":    {"OTEL_EXPORTER_OTLP_INSECURE", "maybe"},
	} {
		t.Run(name, func(t *testing.T) {
			clearTelemetryEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := LoadSettings()
			require.Error(t, err)
		})
	}
}

func TestSettingsTarget(t *testing.T) {
	for _, tc := range []struct {
		endpoint string
		insecure bool
		wantHost string
		wantTLS  bool
	}{
		{"collector:4318", true, "collector:4318", false},
		{"collector:4318/", false, "collector:4318", true},
		{"http://collector:4318", false, "collector:4318", false},
		{"https://collector:4318/otlp", true, "collector:4318", true},
	} {
		host, insecure, err := Settings{Endpoint: tc.endpoint, Insecure: tc.insecure}.target()
		require.NoError(t, err, tc.endpoint)
		require.Equal(t, tc.wantHost, host, tc.endpoint)
		require.Equal(t, tc.wantTLS, !insecure, tc.endpoint)
	}
}

func TestExportHeaders(t *testing.T) {
	headers := exportHeaders(" authorization=Bearer%20abc , x-tenant=keeper,broken,=empty")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "keeper",
	}, headers)
}

func TestKeeperResourceCarriesIdentity(t *testing.T) {
	res, err := keeperResource(Identity{Service: "campaign-keeper", Environment: "production", Program: "Prog1", Operator: "Op1"})
	require.NoError(t, err)
	program, ok := res.Set().Value(attribute.Key("keeper.program"))
	require.True(t, ok)
	require.Equal(t, "Prog1", program.AsString())
	operator, ok := res.Set().Value(attribute.Key("keeper.operator"))
	require.True(t, ok)
	require.Equal(t, "Op1", operator.AsString())
}

func TestStartRequiresService(t *testing.T) {
	_, err := Start(context.Background(), Identity{}, Settings{})
	require.Error(t, err)
}

func TestStartWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Start(context.Background(), Identity{Service: "campaign-keeper"}, Settings{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestStartInstallsTracerProvider(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	shutdown, err := Start(context.Background(), Identity{Service: "campaign-keeper"}, Settings{
		Endpoint:       collector.URL,
		SampleRatio:    1,
		MetricInterval: time.Minute,
		DisableMetrics: true,
	})
	require.NoError(t, err)
	require.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	require.NoError(t, shutdown(context.Background()))
}
