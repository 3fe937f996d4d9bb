package exporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/carebill/internal/config"
)

var Module = fx.Module("metrics.exporter",
	fx.Provide(func(db *gorm.DB, log *zap.Logger) *Receivables {
		return NewReceivables(prometheus.DefaultRegisterer, db, log)
	}),
	fx.Invoke(Register),
)

// Register starts the receivables refresher and the /metrics listener.
func Register(lc fx.Lifecycle, cfg config.Config, r *Receivables, log *zap.Logger) {
	if cfg.Metrics.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go r.Run(ctx, cfg.Metrics.RefreshInterval)
			go func() {
				log.Info("metrics endpoint listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics endpoint stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return srv.Shutdown(stopCtx)
		},
	})
}
