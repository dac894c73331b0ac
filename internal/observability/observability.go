// Package observability sets up process level logging and tracing.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/getyourguide/extproc-basicauth/internal/config"
	"github.com/go-logr/logr"
	"github.com/rodaine/protoslog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const ServiceName = "extproc-basicauth"

// InitSlog returns a logger writing to w in the configured format and level. Proto messages passed as
// attributes are rendered as structured values.
func InitSlog(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		AddSource: level < slog.LevelInfo,
		Level:     level,
	}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(protoslog.NewHandler(handler)), nil
}

// Logr bridges logger to the logr API used by the library packages. logr verbosity V(n) maps to slog level -n,
// so V(1) lines show up at debug level.
func Logr(logger *slog.Logger) logr.Logger {
	return logr.FromSlogHandler(logger.Handler())
}

// ShutdownFunc flushes and stops what Init* started.
type ShutdownFunc func(context.Context) error

// InitTracing returns a tracer provider exporting spans over OTLP gRPC to cfg.Endpoint. Without an endpoint it
// returns a noop provider.
func InitTracing(ctx context.Context, cfg config.TracingConfig) (trace.TracerProvider, ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
	)
	return tp, tp.Shutdown, nil
}
