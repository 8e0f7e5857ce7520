package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/tool-gateway/config"
)

const serviceVersion = "0.1.0"

// Provider owns the process tracer provider. With exporter "none" it hands out
// no-op tracers and Shutdown does nothing.
type Provider struct {
	tp     trace.TracerProvider
	sdk    *sdktrace.TracerProvider
	logger zerolog.Logger
}

func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans, waiting at most five seconds.
func (p *Provider) Shutdown() {
	if p.sdk == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sdk.Shutdown(ctx); err != nil {
		p.logger.Error().Err(err).Msg("failed to flush traces")
	}
}

func newExporter(ctx context.Context, cfg *config.Config) (sdktrace.SpanExporter, error) {
	switch cfg.OTELExporterType {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTELExporterEndpoint)}
		if cfg.OTELInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown OTEL_EXPORTER_TYPE %q", cfg.OTELExporterType)
	}
}

// Setup builds the tracer provider for the configured exporter and installs it
// as the global provider together with W3C propagation.
func Setup(serviceName string, cfg *config.Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.OTELExporterType == "" || cfg.OTELExporterType == "none" {
		return &Provider{tp: noop.NewTracerProvider(), logger: logger}, nil
	}

	exporter, err := newExporter(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.OTELSampleRatio))),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info().
		Str("exporter", cfg.OTELExporterType).
		Float64("sample_ratio", cfg.OTELSampleRatio).
		Msg("tracing enabled")
	return &Provider{tp: sdk, sdk: sdk, logger: logger}, nil
}
