package scheduler

import (
	"time"

	"github.com/smallbiznis/carebill/internal/config"
)

const (
	JobEscalationSweep    = "escalation_sweep"
	JobReminderRedelivery = "reminder_redelivery"
	JobLedgerReconcile    = "ledger_reconcile"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval        time.Duration
	LeaseTTL           time.Duration
	RedeliveryLimit    int
	ReconcileBatchSize int
	SweepTimeout       time.Duration
	RedeliveryTimeout  time.Duration
	ReconcileTimeout   time.Duration
	EnabledJobs        []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:        time.Hour,
		LeaseTTL:           10 * time.Minute,
		RedeliveryLimit:    100,
		ReconcileBatchSize: 100,
		SweepTimeout:       5 * time.Minute,
		RedeliveryTimeout:  time.Minute,
		ReconcileTimeout:   10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:        cfg.Scheduler.RunInterval,
		LeaseTTL:           cfg.Scheduler.SweepLockTTL,
		RedeliveryLimit:    cfg.Scheduler.RedeliveryLimit,
		ReconcileBatchSize: cfg.Scheduler.SweepBatchSize,
		EnabledJobs:        cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.RedeliveryLimit <= 0 {
		c.RedeliveryLimit = defaults.RedeliveryLimit
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = defaults.ReconcileBatchSize
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaults.SweepTimeout
	}
	if c.RedeliveryTimeout <= 0 {
		c.RedeliveryTimeout = defaults.RedeliveryTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	return c
}
