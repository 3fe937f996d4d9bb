package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("kind", "TENANT_SUBSCRIPTION"),
		attribute.String("invoice_id", "456"),
		attribute.String("method", "PIX"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "invoice_id" {
			t.Fatal("invoice_id must be dropped")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordPayment(context.Background(), "PIX", "PATIENT_SERVICE")
	m.RecordDeliveryFailure(context.Background(), "FULL_LOCKOUT", "timeout")
}

func TestRecordPaymentExports(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(Config{ServiceName: "carebill-test"}, provider)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPayment(context.Background(), "PIX", "PATIENT_SERVICE")
	m.RecordPayment(context.Background(), "PIX", "PATIENT_SERVICE")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "carebill_payments_applied_total" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("expected 2 payments recorded, got %d", total)
	}
}
