// Package telemetry configures OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
)

// Config selects the exporter
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
	Timeout     time.Duration
}

// Shutdown flushes and stops the tracer provider
type Shutdown func(context.Context) error

// Init installs a global tracer provider. Disabled telemetry leaves the
// no-op provider in place. An exporter that cannot be built is logged and
// spans are kept local.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "q402-gateway"
	}
	res, err := newResource(ctx, name)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg)...)
		if err != nil {
			logger.Warn("otel exporter disabled", "error", err)
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// newResource describes the service. Its attributes are schemaless so they
// merge with the SDK detectors.
func newResource(ctx context.Context, name string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(name)),
	)
}

func exporterOptions(cfg Config) []otlptracehttp.Option {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	endpoint := cfg.Endpoint
	insecure := cfg.Insecure
	if strings.HasPrefix(endpoint, "http://") {
		insecure = true
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	endpoint = strings.TrimSuffix(endpoint, "/")

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// HTTPMiddleware instruments inbound HTTP handlers
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(operation)
}

// InstrumentClient wraps client's transport so outbound calls carry the
// trace context.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}
