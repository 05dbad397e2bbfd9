// Package telemetry records prometheus metrics and OpenTelemetry spans for
// composite invocations and service activations. A *Telemetry is both an
// invoke.Observer and a structure.Monitor.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sghaida/cop/constraint"
	"github.com/sghaida/cop/internal/config"
	"github.com/sghaida/cop/invoke"
	"github.com/sghaida/cop/structure"
)

// Span and attribute names.
const (
	SpanInvoke   = "cop.invoke"
	SpanActivate = "cop.activate"

	AttrComposite = "cop.composite"
	AttrMethod    = "cop.method"
	AttrService   = "cop.service"

	EventSideEffectFailed = "side_effect_failed"
)

// Outcome labels.
const (
	resultOK        = "ok"
	resultError     = "error"
	resultViolation = "violation"
)

var (
	_ invoke.Observer   = (*Telemetry)(nil)
	_ structure.Monitor = (*Telemetry)(nil)
)

// Telemetry holds the collectors and the tracer.
type Telemetry struct {
	registry *prometheus.Registry
	tracer   trace.Tracer

	invocations        *prometheus.CounterVec
	invocationLatency  *prometheus.HistogramVec
	violations         *prometheus.CounterVec
	sideEffectFailures *prometheus.CounterVec
	activations        *prometheus.CounterVec
	activationLatency  *prometheus.HistogramVec
}

// New registers the collectors in a fresh registry. A nil tracer disables
// spans.
func New(namespace string, tracer trace.Tracer) *Telemetry {
	if namespace == "" {
		namespace = "cop"
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("cop")
	}

	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		tracer:   tracer,
	}

	t.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "composite",
			Name:      "invocations_total",
			Help:      "Composite method invocations by outcome",
		},
		[]string{"composite", "method", "result"},
	)
	t.invocationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "composite",
			Name:      "invocation_duration_seconds",
			Help:      "Time spent in the invocation pipeline",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		},
		[]string{"composite", "method"},
	)
	t.violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "composite",
			Name:      "constraint_violations_total",
			Help:      "Invocations rejected by parameter or return constraints",
		},
		[]string{"composite", "method"},
	)
	t.sideEffectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "composite",
			Name:      "side_effect_failures_total",
			Help:      "Side effect errors and panics contained by the pipeline",
		},
		[]string{"composite", "method"},
	)
	t.activations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "activations_total",
			Help:      "Service activations by outcome",
		},
		[]string{"service", "result"},
	)
	t.activationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "activation_duration_seconds",
			Help:      "Time taken to instantiate and activate a service",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"service"},
	)

	t.registry.MustRegister(
		t.invocations,
		t.invocationLatency,
		t.violations,
		t.sideEffectFailures,
		t.activations,
		t.activationLatency,
	)
	return t
}

// Registry returns the prometheus registry holding the collectors.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Invocation implements invoke.Observer.
func (t *Telemetry) Invocation(ctx context.Context, composite, method string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, SpanInvoke,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrComposite, composite),
			attribute.String(AttrMethod, method),
		),
	)

	return ctx, func(err error) {
		defer span.End()
		t.invocationLatency.WithLabelValues(composite, method).Observe(time.Since(start).Seconds())

		result := resultOK
		switch {
		case errors.Is(err, constraint.ErrConstraintViolation):
			result = resultViolation
			t.violations.WithLabelValues(composite, method).Inc()
		case err != nil:
			result = resultError
		}
		t.invocations.WithLabelValues(composite, method, result).Inc()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// SideEffectFailed implements invoke.Observer.
func (t *Telemetry) SideEffectFailed(ctx context.Context, composite, method string, err error) {
	t.sideEffectFailures.WithLabelValues(composite, method).Inc()
	trace.SpanFromContext(ctx).AddEvent(EventSideEffectFailed, trace.WithAttributes(
		attribute.String("error", err.Error()),
	))
}

// ServiceActivation implements structure.Monitor.
func (t *Telemetry) ServiceActivation(ctx context.Context, service string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, SpanActivate,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrService, service)),
	)

	return ctx, func(err error) {
		defer span.End()
		t.activationLatency.WithLabelValues(service).Observe(time.Since(start).Seconds())
		if err != nil {
			t.activations.WithLabelValues(service, resultError).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		t.activations.WithLabelValues(service, resultOK).Inc()
		span.SetStatus(codes.Ok, "")
	}
}

// Provider owns the tracer provider built from configuration.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider returns a no-op provider unless tracing is enabled. The stdout
// exporter writes to w; the otlp exporter sends to cfg.OTLPEndpoint over
// insecure gRPC.
func NewProvider(cfg config.TelemetryConfig, w io.Writer) (*Provider, error) {
	if !cfg.Tracing {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("cop")}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "cop"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}

	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case "none", "":
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{provider: tp, tracer: tp.Tracer(name)}, nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
