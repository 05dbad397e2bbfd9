package telemetry

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sghaida/cop/constraint"
	"github.com/sghaida/cop/internal/config"
	"github.com/sghaida/cop/invoke"
	"github.com/sghaida/cop/model"
	"github.com/sghaida/cop/structure"
)

var errRefused = errors.New("refused")

type Echo interface {
	Echo(ctx context.Context, s string) (string, error)
}

type echoMixin struct{}

func (m *echoMixin) Echo(_ context.Context, s string) (string, error) {
	if s == "bad" {
		return "", errRefused
	}
	return s, nil
}

type loudSideEffect struct{}

func (s *loudSideEffect) Dispatch(context.Context, *model.Invocation) (any, error) {
	return nil, errors.New("side effect")
}

func echoDecl() model.Declaration {
	return model.Declaration{
		Name:        "echo",
		Contracts:   []reflect.Type{model.TypeOf[Echo]()},
		Mixins:      []model.Fragment{model.FragmentOf(func() *echoMixin { return &echoMixin{} })},
		SideEffects: []model.Fragment{model.FragmentOf(func() *loudSideEffect { return &loudSideEffect{} })},
		Params:      []model.ParamSpec{{Method: "Echo", Index: 0, Annotations: []any{constraint.NotEmpty{}}}},
	}
}

func recorder() (*Telemetry, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return New("test", tp.Tracer("test")), rec
}

func TestTelemetry_Invocations(t *testing.T) {
	t.Parallel()

	tel, rec := recorder()
	f, err := invoke.Compile(model.Build(echoDecl(), nil), invoke.WithObserver(tel))
	require.NoError(t, err)
	in, err := f.New(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = in.Invoke(ctx, "Echo", "hi")
	require.NoError(t, err)
	_, err = in.Invoke(ctx, "Echo", "bad")
	require.ErrorIs(t, err, errRefused)
	_, err = in.Invoke(ctx, "Echo", "")
	require.ErrorIs(t, err, constraint.ErrConstraintViolation)

	assert.InDelta(t, 1, testutil.ToFloat64(tel.invocations.WithLabelValues("echo", "Echo", resultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(tel.invocations.WithLabelValues("echo", "Echo", resultError)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(tel.invocations.WithLabelValues("echo", "Echo", resultViolation)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(tel.violations.WithLabelValues("echo", "Echo")), 0)
	// side effects only run once the parameters pass
	assert.InDelta(t, 2, testutil.ToFloat64(tel.sideEffectFailures.WithLabelValues("echo", "Echo")), 0)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, SpanInvoke, spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, EventSideEffectFailed, spans[0].Events()[0].Name)
}

type Store interface {
	Load(ctx context.Context, key string) (string, error)
}

type storeMixin struct{}

func (m *storeMixin) Load(_ context.Context, key string) (string, error) { return key, nil }

func TestTelemetry_ServiceActivation(t *testing.T) {
	t.Parallel()

	tel, rec := recorder()
	a := structure.NewAssembler("app", structure.WithMonitor(tel), structure.WithObserver(tel))
	a.Layer("core").Module("m").Services(structure.ModuleVisible, model.Declaration{
		Name:      "store",
		Contracts: []reflect.Type{model.TypeOf[Store]()},
		Mixins:    []model.Fragment{model.FragmentOf(func() *storeMixin { return &storeMixin{} })},
	})
	app, err := a.Compile(context.Background())
	require.NoError(t, err)
	require.NoError(t, app.Activate(context.Background()))

	assert.InDelta(t, 1, testutil.ToFloat64(tel.activations.WithLabelValues("store", resultOK)), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(tel.activationLatency))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanActivate, spans[0].Name())
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	var buf bytes.Buffer
	p, err = NewProvider(config.TelemetryConfig{Tracing: true, Exporter: "stdout", ServiceName: "svc"}, &buf)
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "ping")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "ping")

	// the exporter connects lazily, so no collector is needed
	p, err = NewProvider(config.TelemetryConfig{Tracing: true, Exporter: "otlp", OTLPEndpoint: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)

	_, err = NewProvider(config.TelemetryConfig{Tracing: true, Exporter: "zipkin"}, nil)
	assert.Error(t, err)
}
