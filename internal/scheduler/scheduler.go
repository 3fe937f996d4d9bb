package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/carebill/internal/clock"
	ledgerdomain "github.com/smallbiznis/carebill/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/carebill/internal/observability/metrics"
	reminderdomain "github.com/smallbiznis/carebill/internal/reminder/domain"
	"github.com/smallbiznis/carebill/pkg/telemetry/correlation"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const leaseReleaseTimeout = 2 * time.Second

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	ReminderSvc reminderdomain.Service
	LedgerSvc   ledgerdomain.Service
	Config      Config `optional:"true"`
	Leaser      Leaser `optional:"true"`
}

// Scheduler drives the periodic escalation sweep, reminder redelivery and
// ledger reconciliation jobs.
type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	reminderSvc reminderdomain.Service
	ledgerSvc   ledgerdomain.Service
	leaser      Leaser
	metrics     *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.ReminderSvc == nil || p.LedgerSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		reminderSvc: p.ReminderSvc,
		ledgerSvc:   p.LedgerSvc,
		leaser:      p.Leaser,
		metrics:     obsmetrics.Scheduler(),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	token, acquired, err := s.acquireLease(parent, name)
	if err != nil {
		return fmt.Errorf("%s: lease: %w", name, err)
	}
	if !acquired {
		s.logger(parent).Info("scheduler.job.skipped",
			zap.String("job", name),
			zap.String("reason", "lease_held_elsewhere"),
		)
		return nil
	}
	defer s.releaseLease(parent, name, token)

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startRun(ctx, name, batchSize)
	s.metrics.IncJobRun(name)

	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.finishRun(ctx, run, err)
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next tick resumes where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	s.logJobError(ctx, name, err)

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) acquireLease(ctx context.Context, job string) (string, bool, error) {
	if s.leaser == nil {
		return "", true, nil
	}
	token, ok, err := s.leaser.TryAcquire(ctx, job, s.cfg.LeaseTTL)
	switch {
	case err != nil:
		s.metrics.IncLease(job, obsmetrics.LeaseOutcomeError)
		return "", false, err
	case !ok:
		s.metrics.IncLease(job, obsmetrics.LeaseOutcomeHeld)
		return "", false, nil
	}
	s.metrics.IncLease(job, obsmetrics.LeaseOutcomeAcquired)
	return token, true, nil
}

func (s *Scheduler) releaseLease(ctx context.Context, job, token string) {
	if s.leaser == nil || token == "" {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()
	if err := s.leaser.Release(releaseCtx, job, token); err != nil {
		s.logger(ctx).Warn("scheduler.lease.release_failed",
			zap.String("job", job),
			zap.Error(err),
		)
	}
}

// RunOnce runs every enabled job a single time. Job errors are joined so one
// failing job does not starve the others.
// All jobs of one run share a correlation ID.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	parent, _ = correlation.EnsureCorrelationID(parent)

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobEscalationSweep, func(ctx context.Context) error {
			return s.runJob(ctx, JobEscalationSweep, 0, s.cfg.SweepTimeout, s.EscalationSweepJob)
		}},
		{JobReminderRedelivery, func(ctx context.Context) error {
			return s.runJob(ctx, JobReminderRedelivery, s.cfg.RedeliveryLimit, s.cfg.RedeliveryTimeout, s.ReminderRedeliveryJob)
		}},
		{JobLedgerReconcile, func(ctx context.Context) error {
			return s.runJob(ctx, JobLedgerReconcile, s.cfg.ReconcileBatchSize, s.cfg.ReconcileTimeout, s.LedgerReconcileJob)
		}},
	}

	for _, job := range jobs {
		if parent.Err() != nil {
			return errors.Join(err, parent.Err())
		}
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) EscalationSweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	result, err := s.reminderSvc.RunEscalationSweep(ctx, s.clock.Now())
	run.AddProcessed(result.Scanned)
	run.AddErrors(result.Failed)
	s.metrics.AddBatchProcessed(JobEscalationSweep, "invoices", result.Scanned)
	s.metrics.AddBatchProcessed(JobEscalationSweep, "reminders", result.RemindersCreated)
	if result.DeliveryFailures > 0 {
		s.logger(ctx).Warn("scheduler.sweep.delivery_failures",
			zap.Int("delivery_failures", result.DeliveryFailures),
		)
	}
	return err
}

func (s *Scheduler) ReminderRedeliveryJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	delivered, err := s.reminderSvc.RetryUndelivered(ctx, s.cfg.RedeliveryLimit)
	run.AddProcessed(delivered)
	s.metrics.AddBatchProcessed(JobReminderRedelivery, "reminders", delivered)
	return err
}

func (s *Scheduler) LedgerReconcileJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	summary, err := s.ledgerSvc.ReconcileAll(ctx, s.cfg.ReconcileBatchSize)
	run.AddProcessed(summary.Scanned)
	run.AddErrors(summary.Failed)
	s.metrics.AddBatchProcessed(JobLedgerReconcile, "invoices", summary.Scanned)
	s.metrics.AddBatchProcessed(JobLedgerReconcile, "repaired", summary.Repaired)
	return err
}
