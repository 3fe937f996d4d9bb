// Package exporter serves Prometheus metrics and keeps receivable gauges
// fresh from the invoice table.
package exporter

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
)

// Receivables publishes open invoice counts and outstanding amounts grouped
// by stored status and escalation level.
type Receivables struct {
	db  *gorm.DB
	log *zap.Logger

	open        *prometheus.GaugeVec
	outstanding *prometheus.GaugeVec
	refreshed   prometheus.Gauge
}

type receivableRow struct {
	Status          string
	EscalationLevel string
	Total           int64
	Outstanding     decimal.Decimal
}

func NewReceivables(registerer prometheus.Registerer, db *gorm.DB, log *zap.Logger) *Receivables {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Receivables{
		db:  db,
		log: log.Named("metrics.receivables"),
		open: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carebill_open_invoices",
			Help: "Unsettled, non-cancelled invoices by status and escalation level.",
		}, []string{"status", "escalation_level"}),
		outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carebill_outstanding_amount",
			Help: "Outstanding receivables by status and escalation level.",
		}, []string{"status", "escalation_level"}),
		refreshed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carebill_receivables_refreshed_timestamp_seconds",
			Help: "Unix time of the last successful receivables refresh.",
		}),
	}
	registerer.MustRegister(r.open, r.outstanding, r.refreshed)
	return r
}

// Refresh recomputes every gauge. Label sets that disappeared since the last
// refresh are dropped.
func (r *Receivables) Refresh(ctx context.Context) error {
	var rows []receivableRow
	err := r.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Select("status, escalation_level, COUNT(*) AS total, SUM(net_amount - paid_amount) AS outstanding").
		Where("cancelled = ? AND paid_amount < net_amount", false).
		Group("status, escalation_level").
		Scan(&rows).Error
	if err != nil {
		return err
	}

	r.open.Reset()
	r.outstanding.Reset()
	for _, row := range rows {
		r.open.WithLabelValues(row.Status, row.EscalationLevel).Set(float64(row.Total))
		r.outstanding.WithLabelValues(row.Status, row.EscalationLevel).Set(row.Outstanding.InexactFloat64())
	}
	r.refreshed.SetToCurrentTime()
	return nil
}

// Run refreshes on every tick until ctx is done.
func (r *Receivables) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("receivables refresh failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
