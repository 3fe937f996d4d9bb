package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	"github.com/smallbiznis/carebill/internal/clock"
	"github.com/smallbiznis/carebill/internal/config"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	"github.com/smallbiznis/carebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/carebill/internal/observability/metrics"
	"github.com/smallbiznis/carebill/internal/orgcontext"
	"github.com/smallbiznis/carebill/internal/reminder/domain"
	"github.com/smallbiznis/carebill/pkg/db"
	"github.com/smallbiznis/carebill/pkg/db/pagination"
)

var tracer = otel.Tracer("carebill/reminder")

const (
	defaultDeliveryTimeout  = 5 * time.Second
	defaultMaxAttempts      = 5
	defaultSweepBatchSize   = 100
	defaultSweepConcurrency = 4
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Retry       db.RetryConfig
	Escalation  *config.EscalationConfigHolder
	Repo        domain.Repository
	InvoiceRepo invoicedomain.Repository
	Notifier    domain.Notifier
	AuditSvc    auditdomain.Service
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	retry       db.RetryConfig
	escalation  *config.EscalationConfigHolder
	repo        domain.Repository
	invoiceRepo invoicedomain.Repository
	notifier    domain.Notifier
	auditSvc    auditdomain.Service
	obsMetrics  *obsmetrics.Metrics

	deliveryTimeout  time.Duration
	maxAttempts      int
	sweepBatchSize   int
	sweepConcurrency int
}

func NewService(p Params) domain.Service {
	s := &Service{
		db:          p.DB,
		log:         p.Log.Named("reminder.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		retry:       p.Retry,
		escalation:  p.Escalation,
		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		notifier:    p.Notifier,
		auditSvc:    p.AuditSvc,
		obsMetrics:  p.ObsMetrics,

		deliveryTimeout:  p.Cfg.Notifier.Timeout,
		maxAttempts:      p.Cfg.Notifier.MaxAttempts,
		sweepBatchSize:   p.Cfg.Scheduler.SweepBatchSize,
		sweepConcurrency: p.Cfg.Scheduler.SweepConcurrency,
	}
	if s.deliveryTimeout <= 0 {
		s.deliveryTimeout = defaultDeliveryTimeout
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.sweepBatchSize <= 0 {
		s.sweepBatchSize = defaultSweepBatchSize
	}
	if s.sweepConcurrency <= 0 {
		s.sweepConcurrency = defaultSweepConcurrency
	}
	return s
}

func (s *Service) GenerateReminder(ctx context.Context, req domain.GenerateRequest) (domain.Reminder, error) {
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.Reminder{}, domain.ErrInvalidOrganization
	}
	kind, err := domain.ParseKind(string(req.Kind))
	if err != nil {
		return domain.Reminder{}, err
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil || invoiceID <= 0 {
		return domain.Reminder{}, invoicedomain.ErrInvoiceNotFound
	}

	ctx, span := tracer.Start(ctx, "reminder.GenerateReminder")
	defer span.End()

	inv, err := s.invoiceRepo.FindByID(ctx, s.db, tenantID, invoiceID)
	if err != nil {
		return domain.Reminder{}, err
	}
	if inv == nil {
		return domain.Reminder{}, invoicedomain.ErrInvoiceNotFound
	}

	now := s.clock.Now()
	message := strings.TrimSpace(req.Message)
	if message == "" {
		message, err = render(s.escalation.Templates(), kind, inv, now)
		if err != nil {
			return domain.Reminder{}, err
		}
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		recipient = inv.Recipient
	}

	reminder := s.newReminder(inv, kind, message, recipient, now)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ScopeTenant(tx, tenantID); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, &reminder)
	})
	if err != nil {
		span.RecordError(err)
		return domain.Reminder{}, err
	}
	s.obsMetrics.RecordReminder(ctx, string(kind))

	// Failures are recorded on the row; the reminder itself exists.
	_ = s.deliver(ctx, &reminder)
	return reminder, nil
}

func (s *Service) MarkRead(ctx context.Context, id string) error {
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ErrInvalidOrganization
	}
	reminderID, err := parseID(id)
	if err != nil {
		return domain.ErrReminderNotFound
	}

	item, err := s.repo.FindByID(ctx, s.db, tenantID, reminderID)
	if err != nil {
		return err
	}
	if item == nil {
		return domain.ErrReminderNotFound
	}
	if item.Read {
		return nil
	}
	return s.repo.MarkRead(ctx, s.db, tenantID, reminderID, s.clock.Now())
}

func (s *Service) MarkAllReadForTenant(ctx context.Context) (int64, error) {
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return 0, domain.ErrInvalidOrganization
	}

	affected, err := s.repo.MarkAllRead(ctx, s.db, tenantID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if affected > 0 && s.auditSvc != nil {
		targetID := tenantID.String()
		if err := s.auditSvc.AuditLog(ctx, &tenantID, "", nil, auditdomain.ActionRemindersMarkRead, auditdomain.TargetTenant, &targetID, map[string]any{
			"affected": affected,
		}); err != nil {
			s.log.Warn("audit log failed", zap.String("action", auditdomain.ActionRemindersMarkRead), zap.Error(err))
		}
	}
	return affected, nil
}

func (s *Service) ListRemindersForTenant(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ListResponse{}, domain.ErrInvalidOrganization
	}

	var invoiceID snowflake.ID
	if raw := strings.TrimSpace(req.InvoiceID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil || parsed <= 0 {
			return domain.ListResponse{}, invoicedomain.ErrInvoiceNotFound
		}
		invoiceID = parsed
	}

	cursor, err := pagination.DecodeCursor(strings.TrimSpace(req.PageToken))
	if err != nil {
		return domain.ListResponse{}, err
	}
	var beforeID snowflake.ID
	if cursor != nil {
		beforeID, err = parseID(cursor.ID)
		if err != nil {
			return domain.ListResponse{}, pagination.ErrInvalidPageToken
		}
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		TenantID:   tenantID,
		InvoiceID:  invoiceID,
		UnreadOnly: req.UnreadOnly,
		BeforeID:   beforeID,
		Limit:      limit + 1,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}
	page, info, err := pagination.BuildCursorPage(items, limit, func(r domain.Reminder) string {
		return r.ID.String()
	})
	if err != nil {
		return domain.ListResponse{}, err
	}
	return domain.ListResponse{PageInfo: info, Reminders: page}, nil
}

// Redeliver retries delivery of a persisted reminder. Without a tenant in ctx
// any reminder may be redelivered. Already delivered reminders are returned
// unchanged.
func (s *Service) Redeliver(ctx context.Context, id string) (domain.Reminder, error) {
	reminderID, err := parseID(id)
	if err != nil {
		return domain.Reminder{}, domain.ErrReminderNotFound
	}

	var item *domain.Reminder
	if tenantID, ok := orgcontext.OrgIDFromContext(ctx); ok {
		item, err = s.repo.FindByID(ctx, s.db, tenantID, reminderID)
	} else {
		item, err = s.repo.FindByIDAny(ctx, s.db, reminderID)
	}
	if err != nil {
		return domain.Reminder{}, err
	}
	if item == nil {
		return domain.Reminder{}, domain.ErrReminderNotFound
	}
	if item.Delivered() {
		return *item, nil
	}
	if err := s.deliver(ctx, item); err != nil {
		return *item, err
	}
	return *item, nil
}

// RetryUndelivered redelivers up to limit reminders that have never been
// delivered and have attempts left. It returns how many succeeded.
func (s *Service) RetryUndelivered(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepBatchSize
	}
	items, err := s.repo.ListUndelivered(ctx, s.db, s.maxAttempts, limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range items {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := s.deliver(ctx, &items[i]); err == nil {
			delivered++
		}
	}
	if len(items) > 0 {
		s.log.Info("reminder redelivery finished",
			zap.Int("attempted", len(items)),
			zap.Int("delivered", delivered),
		)
	}
	return delivered, nil
}

func (s *Service) newReminder(inv *invoicedomain.Invoice, kind domain.Kind, message, recipient string, now time.Time) domain.Reminder {
	return domain.Reminder{
		ID:        s.genID.Generate(),
		TenantID:  inv.TenantID,
		InvoiceID: inv.ID,
		Kind:      kind,
		Message:   message,
		Recipient: recipient,
		CreatedAt: now,
	}
}

// deliver hands the reminder to the notifier under a bounded timeout and
// records the outcome. The returned error wraps ErrDeliveryFailed.
func (s *Service) deliver(ctx context.Context, reminder *domain.Reminder) error {
	// The outcome is recorded even if the caller has gone away.
	base := context.WithoutCancel(ctx)
	dctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()

	deliverErr := s.notifier.Deliver(dctx, *reminder)
	now := s.clock.Now()
	reminder.DeliveryAttempts++

	var sentAt *time.Time
	if deliverErr == nil {
		sentAt = &now
		reminder.SentAt = sentAt
		reminder.LastDeliveryError = ""
	} else {
		reminder.LastDeliveryError = deliverErr.Error()
	}
	if err := s.repo.RecordDelivery(base, s.db, reminder.ID, sentAt, reminder.LastDeliveryError); err != nil {
		s.log.Error("failed to record reminder delivery",
			zap.String("reminder_id", reminder.ID.String()),
			zap.Error(err),
		)
	}

	if deliverErr != nil {
		s.obsMetrics.RecordDeliveryFailure(base, string(reminder.Kind), deliveryFailureReason(dctx))
		logger.WithContext(ctx, s.log).Warn("reminder delivery failed",
			zap.String("reminder_id", reminder.ID.String()),
			zap.String("invoice_id", reminder.InvoiceID.String()),
			zap.String("kind", string(reminder.Kind)),
			zap.Int("attempts", reminder.DeliveryAttempts),
			zap.Error(deliverErr),
		)
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, deliverErr)
	}
	return nil
}

func deliveryFailureReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return "timeout"
	}
	return "notifier_error"
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}
