// Package observability exports a span and RED counters (rate, errors,
// duration) per handled command over OTLP/gRPC.
//
// A nil or disabled Provider still hands out spans from the global no-op
// tracer, so the service never branches on whether telemetry is on.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
)

const scope = "grantledger"

// Config selects where and how much telemetry is exported.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
	SampleRate     float64
	ExportInterval time.Duration
}

// DefaultConfig is off; enabling it targets a collector on localhost.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "grantledger",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
	}
}

// instruments are the RED counters recorded per operation.
type instruments struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	seconds  metric.Float64Histogram
}

// Provider owns the exporters and the command instruments.
type Provider struct {
	tracer trace.Tracer
	inst   *instruments
	stop   []func(context.Context) error
	logger *slog.Logger
}

// New starts exporting when config.Enabled. A nil config is DefaultConfig.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{logger: slog.Default().With("component", "telemetry")}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp, err := tracing(ctx, config, res)
	if err != nil {
		return nil, err
	}
	p.stop = append(p.stop, tp.Shutdown)
	mp, err := metering(ctx, config, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	p.stop = append(p.stop, mp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	p.tracer = tp.Tracer(scope)
	if p.inst, err = newInstruments(mp.Meter(scope)); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: instruments: %w", err)
	}
	p.logger.InfoContext(ctx, "exporting telemetry", "endpoint", config.OTLPEndpoint, "sample_rate", config.SampleRate)
	return p, nil
}

func tracing(ctx context.Context, config *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	// TraceIDRatioBased treats rates outside (0,1) as never or always.
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	), nil
}

func metering(ctx context.Context, config *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	interval := config.ExportInterval
	if interval <= 0 {
		interval = DefaultConfig().ExportInterval
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	), nil
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in   instruments
		errs []error
		err  error
	)
	in.started, err = m.Int64Counter("grantledger.commands", metric.WithDescription("Commands handled"))
	errs = append(errs, err)
	in.failed, err = m.Int64Counter("grantledger.command.failures", metric.WithDescription("Commands that returned an error, by error kind"))
	errs = append(errs, err)
	in.inFlight, err = m.Int64UpDownCounter("grantledger.commands.in_flight")
	errs = append(errs, err)
	in.seconds, err = m.Float64Histogram("grantledger.command.duration", metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 2.5, 10))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, stop := range p.stop {
		errs = append(errs, stop(ctx))
	}
	p.stop = nil
	return errors.Join(errs...)
}

// Tracer falls back to the global tracer when telemetry is off.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// TrackOperation opens a span and counts one operation. Call the returned
// func once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	var in *instruments
	if p != nil {
		in = p.inst
	}
	set := metric.WithAttributes(attrs...)
	if in != nil {
		in.started.Add(ctx, 1, set)
		in.inFlight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if in != nil {
			in.inFlight.Add(ctx, -1, set)
			in.seconds.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err == nil {
			return
		}
		kind := string(faults.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		if in != nil {
			in.failed.Add(ctx, 1, metric.WithAttributes(append(attrs[:len(attrs):len(attrs)], attribute.String("error.kind", kind))...))
		}
	}
}
