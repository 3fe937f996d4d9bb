package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/carebill/internal/auditcontext"
	"github.com/smallbiznis/carebill/internal/clock"
	ledgerdomain "github.com/smallbiznis/carebill/internal/ledger/domain"
	reminderdomain "github.com/smallbiznis/carebill/internal/reminder/domain"
	"github.com/smallbiznis/carebill/pkg/telemetry/correlation"
)

type fakeReminderService struct {
	reminderdomain.Service

	mu          sync.Mutex
	sweptAt     []time.Time
	retryLimits []int
	actors      []string
	cids        []string
	sweepResult reminderdomain.SweepResult
	sweepErr    error
}

func (f *fakeReminderService) RunEscalationSweep(ctx context.Context, today time.Time) (reminderdomain.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweptAt = append(f.sweptAt, today)
	_, actorID := auditcontext.ActorFromContext(ctx)
	f.actors = append(f.actors, actorID)
	f.cids = append(f.cids, correlation.ExtractCorrelationID(ctx))
	return f.sweepResult, f.sweepErr
}

func (f *fakeReminderService) RetryUndelivered(ctx context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryLimits = append(f.retryLimits, limit)
	f.cids = append(f.cids, correlation.ExtractCorrelationID(ctx))
	return 0, nil
}

type fakeLedgerService struct {
	ledgerdomain.Service

	mu         sync.Mutex
	batchSizes []int
	err        error
}

func (f *fakeLedgerService) ReconcileAll(_ context.Context, batchSize int) (ledgerdomain.ReconcileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchSizes = append(f.batchSizes, batchSize)
	return ledgerdomain.ReconcileSummary{Scanned: 3, Repaired: 1}, f.err
}

type mockLeaser struct {
	mock.Mock
}

func (m *mockLeaser) TryAcquire(ctx context.Context, job string, ttl time.Duration) (string, bool, error) {
	args := m.Called(ctx, job, ttl)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockLeaser) Release(ctx context.Context, job, token string) error {
	args := m.Called(ctx, job, token)
	return args.Error(0)
}

type harness struct {
	sched    *Scheduler
	clock    *clock.FakeClock
	reminder *fakeReminderService
	ledger   *fakeLedgerService
}

func newHarness(t *testing.T, cfg Config, leaser Leaser) *harness {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	h := &harness{
		clock:    clock.NewFakeClock(time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)),
		reminder: &fakeReminderService{},
		ledger:   &fakeLedgerService{},
	}
	sched, err := New(Params{
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       h.clock,
		ReminderSvc: h.reminder,
		LedgerSvc:   h.ledger,
		Config:      cfg,
		Leaser:      leaser,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	h.sched = sched
	return h
}

func TestRunOnceSharesCorrelationAcrossJobs(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	require.NoError(t, h.sched.RunOnce(context.Background()))
	require.NoError(t, h.sched.RunOnce(correlation.ContextWithCorrelationID(context.Background(), "tick-7")))

	require.Len(t, h.reminder.cids, 4)
	assert.NotEmpty(t, h.reminder.cids[0])
	assert.Equal(t, h.reminder.cids[0], h.reminder.cids[1])
	assert.Equal(t, []string{"tick-7", "tick-7"}, h.reminder.cids[2:])
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	h := newHarness(t, Config{RedeliveryLimit: 7, ReconcileBatchSize: 25}, nil)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	require.Len(t, h.reminder.sweptAt, 1)
	assert.True(t, h.reminder.sweptAt[0].Equal(h.clock.Now()))
	assert.Equal(t, []string{"scheduler"}, h.reminder.actors)
	assert.Equal(t, []int{7}, h.reminder.retryLimits)
	assert.Equal(t, []int{25}, h.ledger.batchSizes)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	h := newHarness(t, Config{EnabledJobs: []string{" LEDGER_RECONCILE "}}, nil)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Empty(t, h.reminder.sweptAt)
	assert.Empty(t, h.reminder.retryLimits)
	assert.Len(t, h.ledger.batchSizes, 1)
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.err = errors.New("boom")

	err := h.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobLedgerReconcile)
	// the failing job does not stop the others
	assert.Len(t, h.reminder.sweptAt, 1)
	assert.Len(t, h.reminder.retryLimits, 1)
}

func TestJobDeadlineIsSoft(t *testing.T) {
	h := newHarness(t, Config{EnabledJobs: []string{JobEscalationSweep}}, nil)
	h.reminder.sweepErr = context.DeadlineExceeded

	if err := h.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected timeout to be swallowed, got %v", err)
	}
}

func TestJobSkippedWhenLeaseHeldElsewhere(t *testing.T) {
	leaser := &mockLeaser{}
	leaser.On("TryAcquire", mock.Anything, JobEscalationSweep, 10*time.Minute).Return("", false, nil)

	h := newHarness(t, Config{EnabledJobs: []string{JobEscalationSweep}}, leaser)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Empty(t, h.reminder.sweptAt)
	leaser.AssertExpectations(t)
	leaser.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestJobReleasesAcquiredLease(t *testing.T) {
	leaser := &mockLeaser{}
	leaser.On("TryAcquire", mock.Anything, JobEscalationSweep, time.Minute).Return("token-1", true, nil)
	leaser.On("Release", mock.Anything, JobEscalationSweep, "token-1").Return(nil)

	h := newHarness(t, Config{EnabledJobs: []string{JobEscalationSweep}, LeaseTTL: time.Minute}, leaser)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Len(t, h.reminder.sweptAt, 1)
	leaser.AssertExpectations(t)
}

func TestLeaseErrorSkipsJob(t *testing.T) {
	leaser := &mockLeaser{}
	leaser.On("TryAcquire", mock.Anything, JobLedgerReconcile, mock.Anything).Return("", false, errors.New("redis down"))

	h := newHarness(t, Config{EnabledJobs: []string{JobLedgerReconcile}}, leaser)
	err := h.sched.RunOnce(context.Background())

	require.Error(t, err)
	assert.Empty(t, h.ledger.batchSizes)
}

func TestRunOnceStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.sched.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.reminder.sweptAt)
}

func TestRedisLeaserWithoutClient(t *testing.T) {
	if NewRedisLeaser(nil) != nil {
		t.Fatalf("expected nil leaser for nil client")
	}
	var leaser *RedisLeaser
	_, _, err := leaser.TryAcquire(context.Background(), JobEscalationSweep, time.Minute)
	require.ErrorIs(t, err, ErrLeaseNotConfigured)
	require.NoError(t, leaser.Release(context.Background(), JobEscalationSweep, "token"))
}

func TestProvideConfigAppliesDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Hour, cfg.RunInterval)
	assert.Equal(t, 10*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, 100, cfg.RedeliveryLimit)
}
