package observability

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"github.com/smallbiznis/carebill/internal/observability/logger"
	"github.com/smallbiznis/carebill/internal/observability/metrics"
	"github.com/smallbiznis/carebill/internal/observability/tracing"
)

// Module provides the zap logger, the OTel tracer and meter providers, the
// billing instruments and the Prometheus scheduler registry.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(cfg Config) logger.Config {
			return logger.Config{
				ServiceName:         cfg.ServiceName,
				Environment:         cfg.Environment,
				Version:             cfg.Version,
				Level:               cfg.LogLevel,
				Format:              cfg.LogFormat,
				IncludeCaller:       true,
				IncludeStackOnError: cfg.verbose(),
			}
		},
		logger.New,
		func(cfg Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.OtelEnabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   cfg.Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				SamplingRatio:    cfg.OtelSamplingRatio,
			}
		},
		tracing.NewProvider,
		func(cfg Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.OtelEnabled,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				ServiceName:      cfg.ServiceName,
				Environment:      cfg.Environment,
			}
		},
		metrics.NewProvider,
		metrics.New,
	),
	// Force construction: nothing else depends on the tracer provider, and the
	// scheduler registry must carry the service labels before first use.
	fx.Invoke(func(_ *sdktrace.TracerProvider, cfg metrics.Config) {
		metrics.SchedulerWithConfig(cfg)
	}),
)
