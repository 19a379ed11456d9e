package tracing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName 订单流水线的 tracer/meter 名称
const InstrumentationName = "eshop-orders"

// Telemetry 显式注入到服务、发布者、消费者的遥测对象
type Telemetry struct {
	Tracer     trace.Tracer
	Propagator *Propagator

	// 供存储与broker适配器创建各自的 tracer/meter
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	OrdersPlaced       metric.Int64Counter
	OrdersDeleted      metric.Int64Counter
	MessagesConsumed   metric.Int64Counter
	ProcessingErrors   metric.Int64Counter
	ProcessingDuration metric.Float64Histogram
}

// NewTelemetry 基于给定的 provider 创建 tracer 与指标
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	t := &Telemetry{
		Tracer:         tp.Tracer(InstrumentationName),
		Propagator:     NewPropagator(),
		TracerProvider: tp,
		MeterProvider:  mp,
	}

	var err error
	if t.OrdersPlaced, err = meter.Int64Counter("orders.placed",
		metric.WithDescription("Number of orders placed")); err != nil {
		return nil, fmt.Errorf("create orders.placed counter: %w", err)
	}
	if t.OrdersDeleted, err = meter.Int64Counter("orders.deleted",
		metric.WithDescription("Number of orders deleted")); err != nil {
		return nil, fmt.Errorf("create orders.deleted counter: %w", err)
	}
	if t.MessagesConsumed, err = meter.Int64Counter("orders.messages.consumed",
		metric.WithDescription("Number of order messages consumed")); err != nil {
		return nil, fmt.Errorf("create orders.messages.consumed counter: %w", err)
	}
	if t.ProcessingErrors, err = meter.Int64Counter("orders.processing.errors",
		metric.WithDescription("Number of order processing errors")); err != nil {
		return nil, fmt.Errorf("create orders.processing.errors counter: %w", err)
	}
	if t.ProcessingDuration, err = meter.Float64Histogram("orders.processing.duration",
		metric.WithDescription("Order processing duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create orders.processing.duration histogram: %w", err)
	}
	return t, nil
}

// NopTelemetry 不产生任何输出的遥测对象
func NopTelemetry() *Telemetry {
	t, _ := NewTelemetry(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	return t
}

// ProviderConfig 导出器配置
type ProviderConfig struct {
	ServiceName     string
	TraceEndpoint   string // OTLP gRPC，空则不导出trace
	MetricsEndpoint string // OTLP HTTP，空则不导出指标
	Insecure        bool
	SampleRatio     float64
	MetricInterval  time.Duration
}

// Providers 导出器句柄，Shutdown 负责刷新并关闭
type Providers struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	shutdowns      []func(context.Context) error
}

// Shutdown 依次关闭 trace 与 metric provider，返回第一个错误
func (p *Providers) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewProviders 根据配置创建 trace 与 metric provider，并注册为全局 provider
func NewProviders(ctx context.Context, cfg ProviderConfig) (*Providers, error) {
	p := &Providers{
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = InstrumentationName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	if cfg.TraceEndpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(stripScheme(cfg.TraceEndpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		ratio := cfg.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		)
		p.TracerProvider = tp
		p.shutdowns = append(p.shutdowns, tp.Shutdown)
	}

	if cfg.MetricsEndpoint != "" {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.MetricsEndpoint))}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		)
		p.MeterProvider = mp
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	}

	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
	return p, nil
}

func stripScheme(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return endpoint
	}
	return parsed.Host
}
