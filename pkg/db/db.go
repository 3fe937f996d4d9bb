package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormprometheus "gorm.io/plugin/prometheus"

	"github.com/smallbiznis/carebill/internal/config"
	"github.com/smallbiznis/carebill/internal/observability/logger"
)

var Module = fx.Module("db",
	fx.Provide(NewDB),
	fx.Provide(NewRetryConfig),
)

// NewDB opens the configured database, attaches tracing and optional pool
// metrics, and closes the pool on shutdown.
func NewDB(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	gormCfg := logger.DefaultGormLoggerConfig()
	if strings.EqualFold(cfg.Environment, "development") {
		gormCfg.Level = gormlogger.Info
	}
	gormCfg.IgnoreRecordNotFound = true

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.NewGormLogger(gormCfg),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName(cfg.DBName),
		otelgorm.WithoutQueryVariables(),
	)); err != nil {
		return nil, fmt.Errorf("register otelgorm: %w", err)
	}

	if cfg.DBMetricsEnabled {
		if err := conn.Use(gormprometheus.New(gormprometheus.Config{
			DBName:          cfg.DBName,
			RefreshInterval: 15,
			StartServer:     false,
		})); err != nil {
			return nil, fmt.Errorf("register gorm prometheus: %w", err)
		}
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTime) * time.Second)
	if conn.Dialector.Name() == "sqlite" {
		// A single writer connection serializes SQLite transactions.
		sqlDB.SetMaxOpenConns(1)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sqlDB.PingContext(ctx)
		},
		OnStop: func(context.Context) error {
			log.Info("closing database pool")
			return sqlDB.Close()
		},
	})

	log.Info("database connected",
		zap.String("type", conn.Dialector.Name()),
		zap.String("name", cfg.DBName),
		zap.Bool("metrics", cfg.DBMetricsEnabled),
	)
	return conn, nil
}
