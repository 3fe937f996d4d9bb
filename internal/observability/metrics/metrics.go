package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing instruments. A nil *Metrics records nothing.
type Metrics struct {
	payments          metric.Int64Counter
	reversals         metric.Int64Counter
	conflictRetries   metric.Int64Counter
	conflictsExceeded metric.Int64Counter
	escalations       metric.Int64Counter
	reminders         metric.Int64Counter
	deliveryFailures  metric.Int64Counter
	reconcileDrift    metric.Int64Counter
	sweepDuration     metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New creates the billing instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "carebill"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.payments, "carebill_payments_applied_total", "Payments applied to invoices."},
		{&m.reversals, "carebill_payments_reversed_total", "Payment reversals appended to the ledger."},
		{&m.conflictRetries, "carebill_ledger_conflict_retries_total", "Invoice mutations replayed after contention."},
		{&m.conflictsExceeded, "carebill_ledger_conflicts_exhausted_total", "Invoice mutations that ran out of retries."},
		{&m.escalations, "carebill_escalation_transitions_total", "Escalation level changes."},
		{&m.reminders, "carebill_reminders_generated_total", "Reminders persisted."},
		{&m.deliveryFailures, "carebill_reminder_delivery_failures_total", "Reminder deliveries that failed."},
		{&m.reconcileDrift, "carebill_ledger_reconcile_drift_total", "Invoices whose cached paid amount drifted from the ledger."},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.sweepDuration, err = meter.Float64Histogram("carebill_escalation_sweep_duration_seconds",
		metric.WithDescription("Wall time of one escalation sweep."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordPayment(ctx context.Context, method, kind string) {
	if m == nil {
		return
	}
	m.payments.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("method", strings.TrimSpace(method)),
		attribute.String("kind", strings.TrimSpace(kind)),
	)...))
}

func (m *Metrics) RecordReversal(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.reversals.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
	)...))
}

// RecordConflictRetry counts one replay of operation after contention.
func (m *Metrics) RecordConflictRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.conflictRetries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
	)...))
}

func (m *Metrics) RecordConflictExhausted(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.conflictsExceeded.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
	)...))
}

func (m *Metrics) RecordEscalation(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("from_level", from),
		attribute.String("to_level", to),
	)...))
}

func (m *Metrics) RecordReminder(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.reminders.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("kind", kind),
	)...))
}

func (m *Metrics) RecordDeliveryFailure(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	)...))
}

func (m *Metrics) RecordReconcileDrift(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reconcileDrift.Add(ctx, int64(count))
}

func (m *Metrics) ObserveSweep(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Record(ctx, d.Seconds())
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"method":     {},
	"kind":       {},
	"operation":  {},
	"from_level": {},
	"to_level":   {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
