package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	"github.com/smallbiznis/carebill/internal/auditcontext"
	obslogger "github.com/smallbiznis/carebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/carebill/internal/observability/metrics"
)

// jobRun accumulates counters for one execution of one job. Jobs reach it
// through the context to report what they processed.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	processed int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r != nil && count > 0 {
		r.processed += count
	}
}

func (r *jobRun) AddErrors(count int) {
	if r != nil && count > 0 {
		r.errors += count
	}
}

// startRun attaches a fresh jobRun to ctx. Work done under it is attributed to
// the system actor.
func (s *Scheduler) startRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")

	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", batchSize),
	)
	return ctx, run
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) finishRun(ctx context.Context, run *jobRun, err error) {
	if err != nil && run.errors == 0 {
		run.errors = 1
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Duration("elapsed", s.clock.Now().Sub(run.startedAt)),
		zap.Int("processed", run.processed),
		zap.Int("errors", run.errors),
	}
	if run.errors > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobError(ctx context.Context, job string, err error) {
	s.logger(ctx).Error("scheduler.job.error",
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}
