package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Settings select the OTLP collector. Exporters stay off until Endpoint is set.
type Settings struct {
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// Insecure applies to bare host:port endpoints; an http or https scheme
	// decides on its own.
	Insecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	Headers  string `env:"OTEL_EXPORTER_OTLP_HEADERS"`

	SampleRatio    float64       `env:"KEEPER_OTEL_SAMPLE_RATIO" envDefault:"1"`
	MetricInterval time.Duration `env:"KEEPER_OTEL_METRIC_INTERVAL" envDefault:"30s"`
	DisableMetrics bool          `env:"KEEPER_OTEL_DISABLE_METRICS"`
}

// Identity labels everything a keeper instance exports.
type Identity struct {
	Service     string
	Environment string
	Program     string
	Operator    string
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("read telemetry env: %w", err)
	}
	if s.SampleRatio < 0 || s.SampleRatio > 1 {
		return Settings{}, fmt.Errorf("KEEPER_OTEL_SAMPLE_RATIO must be within [0,1], got %v", s.SampleRatio)
	}
	if s.MetricInterval <= 0 {
		return Settings{}, fmt.Errorf("KEEPER_OTEL_METRIC_INTERVAL must be positive, got %s", s.MetricInterval)
	}
	if s.Enabled() {
		if _, _, err := s.target(); err != nil {
			return Settings{}, err
		}
	}
	return s, nil
}

// Enabled reports whether a collector is configured.
func (s Settings) Enabled() bool { return strings.TrimSpace(s.Endpoint) != "" }

// target returns the host:port the exporters dial and whether they use
// plaintext HTTP.
func (s Settings) target() (string, bool, error) {
	raw := strings.TrimSpace(s.Endpoint)
	if !strings.Contains(raw, "://") {
		return strings.TrimSuffix(raw, "/"), s.Insecure, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("telemetry endpoint %q is not a valid url", raw)
	}
	switch u.Scheme {
	case "http":
		return u.Host, true, nil
	case "https":
		return u.Host, false, nil
	default:
		return "", false, fmt.Errorf("telemetry endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// exportHeaders parses the OTLP header list (k1=v1,k2=v2). Values are
// percent-decoded; malformed pairs are skipped.
func exportHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		headers[key] = value
	}
	return headers
}

func keeperResource(id Identity) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(id.Service)}
	if id.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(id.Environment))
	}
	if id.Program != "" {
		attrs = append(attrs, attribute.String("keeper.program", id.Program))
	}
	if id.Operator != "" {
		attrs = append(attrs, attribute.String("keeper.operator", id.Operator))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// Start installs the global propagator and, when a collector is configured,
// the tracer and meter providers. The returned function flushes and stops
// whatever was started.
func Start(ctx context.Context, id Identity, s Settings) (func(context.Context) error, error) {
	if strings.TrimSpace(id.Service) == "" {
		return nil, errors.New("telemetry: service name required")
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !s.Enabled() {
		return func(context.Context) error { return nil }, nil
	}

	endpoint, insecure, err := s.target()
	if err != nil {
		return nil, err
	}
	headers := exportHeaders(s.Headers)
	res, err := keeperResource(id)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithHeaders(headers)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	spans, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tracer := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRatio))),
		sdktrace.WithBatcher(spans),
	)
	otel.SetTracerProvider(tracer)
	stops := []func(context.Context) error{tracer.Shutdown}

	if !s.DisableMetrics {
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithHeaders(headers)}
		if insecure {
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("metric exporter: %w", err), tracer.Shutdown(ctx))
		}
		meter := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(s.MetricInterval))),
		)
		otel.SetMeterProvider(meter)
		stops = append(stops, meter.Shutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i](ctx))
		}
		return errors.Join(errs...)
	}, nil
}
