package observability

import (
	"github.com/smallbiznis/entitlements/internal/observability/logger"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideGormLoggerConfig,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(announce),
)

// announce forces the tracer provider to be built and records the effective
// export setup once at startup.
func announce(cfg Config, _ *sdktrace.TracerProvider, log *zap.Logger) {
	log.Named("observability").Info("telemetry configured",
		zap.String("service", cfg.ServiceName),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.String("otlp_protocol", cfg.OtelExporterProtocol),
		zap.Float64("sampling_ratio", cfg.OtelSamplingRatio),
		zap.Bool("debug", cfg.Debug()),
	)
}

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: !cfg.production,
	}
}

// provideGormLoggerConfig applies the configured slow query threshold.
func provideGormLoggerConfig(cfg Config) logger.GormLoggerConfig {
	gcfg := logger.DefaultGormLoggerConfig()
	if cfg.SlowQueryThreshold > 0 {
		gcfg.SlowThreshold = cfg.SlowQueryThreshold
	}
	return gcfg
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}
