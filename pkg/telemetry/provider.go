package telemetry

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ProviderConfig configures the gateway's OTLP trace exporter.
type ProviderConfig struct {
	// Endpoint is the OTLP/HTTP collector URL, e.g. "http://localhost:4318".
	// An empty Endpoint means tracing stays disabled.
	Endpoint string
	ServiceName string
	Insecure    bool
}

// Provider owns the process-wide TracerProvider installed by InitProvider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// InitProvider builds an OTLP/HTTP exporter from cfg, installs it as the
// global TracerProvider, and returns a Provider the caller shuts down on
// exit. A zero-value cfg.Endpoint is not an error: it returns a Provider
// whose Shutdown is a no-op, leaving GetTracer's noop fallback in place.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.Endpoint == "" {
		return &Provider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "antigravity-gateway"
	}

	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: invalid endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = parsed.Path // bare "host:port" with no scheme
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes and stops the exporter. It is safe to call on a
// Provider returned for an empty endpoint.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
