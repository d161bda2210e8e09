// Package telemetry wires the OpenTelemetry meter used by the detector and
// the websocket fan-out.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const InstrumentationName = "survey-realtime-service"

type Config struct {
	ServiceName  string
	OTLPEndpoint string // 为空则不导出，使用全局 noop provider
	Insecure     bool
	Interval     time.Duration
}

// Setup 安装全局 MeterProvider，返回的 shutdown 负责 flush
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Default().InfoContext(ctx, "metrics export disabled")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := NewResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	slog.Default().InfoContext(ctx, "metrics export enabled", "endpoint", cfg.OTLPEndpoint, "interval", interval)
	return provider.Shutdown, nil
}

// NewResource 只让 SDK 自带的 detector 携带 schema URL，
// 自定义属性不带 schema，避免和 SDK 版本的 semconv 冲突
func NewResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("realtime.component", "core"),
		),
	)
}

// Meter 返回当前全局 provider 下的 meter
func Meter() metric.Meter {
	return otel.Meter(InstrumentationName)
}

// Counter 创建失败时退化成 noop，指标问题不影响业务路径
func Counter(m metric.Meter, name, desc string) metric.Int64Counter {
	if m == nil {
		m = Meter()
	}
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		slog.Default().Warn("create counter failed", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}
