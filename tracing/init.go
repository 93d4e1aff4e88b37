// Package tracing wraps OpenTelemetry for the frame and connection spans
// emitted by the net package.
package tracing

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lcx/kin/config"
)

const instrumentationName = "github.com/lcx/kin"

// TracerConfig 链路追踪配置.
type TracerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"serviceName"`
}

// GetName ...
func (c *TracerConfig) GetName() string {
	return "tracing"
}

// Validate ...
func (c *TracerConfig) Validate() error {
	if c.Enabled && c.ServiceName == "" {
		return fmt.Errorf("serviceName cannot be empty when tracing is enabled")
	}
	return nil
}

// DefaultTracerConfig 默认关闭追踪.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: false, ServiceName: "kin"}
}

// 全局Tracer实例
var globalTracer atomic.Pointer[trace.Tracer]

func init() {
	setGlobalTracer(buildTracer(&TracerConfig{}))
}

// InitTracing 初始化链路追踪系统, 配置缺失时使用默认配置.
func InitTracing() (trace.Tracer, error) {
	return InitTracingWithConfigManager(config.GetInstance())
}

// InitTracingWithConfigManager loads the "tracing" config from configMgr and
// follows later changes.
func InitTracingWithConfigManager(configMgr config.ConfigManager) (trace.Tracer, error) {
	cfg := DefaultTracerConfig()
	if configMgr != nil {
		if err := configMgr.LoadConfig("tracing", &cfg); err != nil {
			cfg = DefaultTracerConfig()
		}
		configMgr.AddChangeListener(&tracingConfigListener{})
	}

	tracer := buildTracer(&cfg)
	setGlobalTracer(tracer)
	return tracer, nil
}

// 配置变更监听器
type tracingConfigListener struct{}

// OnConfigChanged 处理配置变更
func (l *tracingConfigListener) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "tracing" {
		return nil
	}
	newCfg, ok := newConfig.(*TracerConfig)
	if !ok {
		return nil
	}
	setGlobalTracer(buildTracer(newCfg))
	return nil
}

// buildTracer uses the globally installed OpenTelemetry provider when enabled.
// Exporter setup belongs to the application.
func buildTracer(cfg *TracerConfig) trace.Tracer {
	if !cfg.Enabled {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return otel.GetTracerProvider().Tracer(instrumentationName,
		trace.WithInstrumentationAttributes(attribute.String("service.name", cfg.ServiceName)))
}

func setGlobalTracer(tracer trace.Tracer) {
	globalTracer.Store(&tracer)
}

// SetTracer installs tracer directly, mostly for tests.
func SetTracer(tracer trace.Tracer) {
	setGlobalTracer(tracer)
}

// GlobalTracer 获取全局tracer.
func GlobalTracer() trace.Tracer {
	return *globalTracer.Load()
}

// StartSpanFromContext 从上下文中创建子span.
func StartSpanFromContext(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return GlobalTracer().Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed. A nil err leaves the span untouched.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
