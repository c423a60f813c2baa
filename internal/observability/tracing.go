// Package observability builds the tracer provider handed to the workflow
// engine. Nothing here is global: each engine owns its Tracing and flushes it
// at the end of a run.
package observability

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hackgods/appointment-reassignment/internal/logger"
)

type TracingConfig struct {
	ServiceName string
	Environment string
	Enabled     bool
	// SampleRatio in 0..1; zero means sample everything.
	SampleRatio float64
	// Writer receives exported spans; stdout when nil.
	Writer io.Writer
}

type Tracing struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}

// Noop returns tracing that records nothing.
func Noop() *Tracing {
	return &Tracing{provider: noop.NewTracerProvider()}
}

// NewTracing builds an SDK tracer provider exporting to a stdout-style writer
// when enabled, and a noop provider otherwise.
func NewTracing(ctx context.Context, log *logger.Logger, cfg TracingConfig) (*Tracing, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "appointment-reassignment"
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
	))
	if err != nil && log != nil {
		log.Warn("otel resource init failed (continuing)", "error", err)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	if log != nil {
		log.Info("otel tracing initialized", "service", serviceName, "sample_ratio", ratio)
	}
	return &Tracing{provider: tp, sdk: tp}, nil
}

func (t *Tracing) Tracer(name string) trace.Tracer {
	return t.provider.Tracer(name)
}

// Flush exports every finished span.
func (t *Tracing) Flush(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.ForceFlush(ctx)
}

func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return errors.Join(t.sdk.ForceFlush(ctx), t.sdk.Shutdown(ctx))
}
