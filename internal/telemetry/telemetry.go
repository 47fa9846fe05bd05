// Package telemetry configures OpenTelemetry tracing for the service.
//
// Outbound webhook and parser calls are wrapped with otelhttp, and Pub/Sub
// messages carry the propagated trace context, so the provider installed
// here is the one those spans end up in.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config describes the resource and the sampling policy.
type Config struct {
	ServiceName string
	Version     string
	// SampleRatio is the fraction of root spans recorded, within [0, 1].
	SampleRatio float64
}

// InitTracing installs a global tracer provider and W3C propagators. Spans
// are batched to every exporter given; with none, spans are sampled for
// propagation but never exported. Call Shutdown on the result at exit.
func InitTracing(
	ctx context.Context,
	cfg Config,
	exporters ...sdktrace.SpanExporter,
) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "scrapeq"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	for _, exp := range exporters {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp, nil
}
