package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	"github.com/smallbiznis/carebill/internal/auditcontext"
	"github.com/smallbiznis/carebill/internal/clock"
	"github.com/smallbiznis/carebill/internal/config"
	"github.com/smallbiznis/carebill/internal/escalation/domain"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	"github.com/smallbiznis/carebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/carebill/internal/observability/metrics"
	"github.com/smallbiznis/carebill/internal/orgcontext"
	"github.com/smallbiznis/carebill/pkg/db"
)

var tracer = otel.Tracer("carebill/escalation")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Retry       db.RetryConfig
	Escalation  *config.EscalationConfigHolder
	Repo        domain.Repository
	InvoiceRepo invoicedomain.Repository
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
	auditSvc    auditdomain.Service
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("escalation.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		retry:       p.Retry,
		escalation:  p.Escalation,
		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		auditSvc:    p.AuditSvc,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) GetEscalationLevel(ctx context.Context, invoiceID string) (domain.View, error) {
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.View{}, invoicedomain.ErrInvalidOrganization
	}
	id, err := parseID(invoiceID)
	if err != nil {
		return domain.View{}, invoicedomain.ErrInvoiceNotFound
	}
	inv, err := s.invoiceRepo.FindByID(ctx, s.db, tenantID, id)
	if err != nil {
		return domain.View{}, err
	}
	if inv == nil {
		return domain.View{}, invoicedomain.ErrInvoiceNotFound
	}

	// Recompute on a copy so reads reflect today without writing.
	fresh := *inv
	fresh.Recompute(s.escalation.Policy(), s.clock.Now())
	return s.view(&fresh), nil
}

func (s *Service) OverrideLevel(ctx context.Context, req domain.OverrideRequest) (domain.View, error) {
	level, err := domain.ParseLevel(string(req.Level))
	if err != nil {
		return domain.View{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.View{}, domain.ErrInvalidReason
	}

	return s.change(ctx, req.InvoiceID, domain.OverrideSet, reason, func(inv *invoicedomain.Invoice) error {
		if inv.Status.IsTerminal() || inv.Cancelled {
			return invoicedomain.ErrInvalidStatus
		}
		inv.EscalationLevel = level
		inv.EscalationPinned = true
		return nil
	})
}

func (s *Service) ClearOverride(ctx context.Context, invoiceID string, reason string) (domain.View, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.View{}, domain.ErrInvalidReason
	}

	return s.change(ctx, invoiceID, domain.OverrideClear, reason, func(inv *invoicedomain.Invoice) error {
		if !inv.EscalationPinned {
			return domain.ErrNotOverridden
		}
		// Resume from what the policy yields today, not from the pinned value.
		now := s.clock.Now()
		inv.EscalationPinned = false
		inv.EscalationLevel = s.escalation.Policy().Compute(inv.DaysOverdue(now), inv.Derive(now))
		return nil
	})
}

func (s *Service) change(ctx context.Context, invoiceRef string, action domain.OverrideAction, reason string, apply func(*invoicedomain.Invoice) error) (domain.View, error) {
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.View{}, invoicedomain.ErrInvalidOrganization
	}
	id, err := parseID(invoiceRef)
	if err != nil {
		return domain.View{}, invoicedomain.ErrInvoiceNotFound
	}

	ctx, span := tracer.Start(ctx, "escalation."+strings.ToLower(string(action)))
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", id.String()))

	actorType, actorID := auditcontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = auditcontext.ActorTypeSystem
	}

	var (
		invoice  invoicedomain.Invoice
		override domain.Override
	)
	err = db.RetryOrConflict(ctx, s.retry, invoicedomain.ErrConflict,
		func(err error, _ time.Duration) {
			s.obsMetrics.RecordConflictRetry(ctx, "escalation_override")
		},
		func(ctx context.Context) error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := db.ScopeTenant(tx, tenantID); err != nil {
					return err
				}
				inv, err := s.invoiceRepo.LockByID(ctx, tx, tenantID, id)
				if err != nil {
					return err
				}
				if inv == nil {
					return invoicedomain.ErrInvoiceNotFound
				}
				if !inv.IsSubscription() {
					return domain.ErrNotSubscription
				}

				from := inv.EscalationLevel
				if from == "" {
					from = domain.LevelNoRestriction
				}
				if err := apply(inv); err != nil {
					return err
				}
				inv.Recompute(s.escalation.Policy(), s.clock.Now())
				if err := s.invoiceRepo.SaveDerived(ctx, tx, inv); err != nil {
					return err
				}

				override = domain.Override{
					ID:        s.genID.Generate(),
					TenantID:  inv.TenantID,
					InvoiceID: inv.ID,
					Action:    action,
					FromLevel: from,
					ToLevel:   inv.EscalationLevel,
					Reason:    reason,
					ActorType: actorType,
					ActorID:   actorID,
					CreatedAt: s.clock.Now(),
				}
				if err := s.repo.Insert(ctx, tx, &override); err != nil {
					return err
				}
				invoice = *inv
				return nil
			})
		})
	if err != nil {
		span.RecordError(err)
		return domain.View{}, err
	}

	if override.FromLevel != override.ToLevel {
		s.obsMetrics.RecordEscalation(ctx, string(override.FromLevel), string(override.ToLevel))
	}
	logger.WithContext(ctx, s.log).Info("escalation override recorded",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("action", string(action)),
		zap.String("from", string(override.FromLevel)),
		zap.String("to", string(override.ToLevel)),
	)

	auditAction := auditdomain.ActionEscalationSet
	if action == domain.OverrideClear {
		auditAction = auditdomain.ActionEscalationClear
	}
	if s.auditSvc != nil {
		targetID := invoice.ID.String()
		if err := s.auditSvc.AuditLog(ctx, &invoice.TenantID, "", nil, auditAction, auditdomain.TargetInvoice, &targetID, map[string]any{
			"override_id": override.ID.String(),
			"from_level":  string(override.FromLevel),
			"to_level":    string(override.ToLevel),
			"reason":      reason,
		}); err != nil {
			s.log.Warn("audit log failed", zap.String("action", auditAction), zap.Error(err))
		}
	}
	return s.view(&invoice), nil
}

func (s *Service) ListOverrides(ctx context.Context, invoiceID string) ([]domain.Override, error) {
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	id, err := parseID(invoiceID)
	if err != nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	inv, err := s.invoiceRepo.FindByID(ctx, s.db, tenantID, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return s.repo.ListByInvoice(ctx, s.db, id)
}

func (s *Service) view(inv *invoicedomain.Invoice) domain.View {
	now := s.clock.Now()
	status := inv.Derive(now)
	days := inv.DaysOverdue(now)
	computed := domain.LevelNoRestriction
	if inv.IsSubscription() {
		computed = s.escalation.Policy().Compute(days, status)
	}
	if days < 0 || status.IsTerminal() {
		days = 0
	}
	level := inv.EscalationLevel
	if level == "" {
		level = domain.LevelNoRestriction
	}
	return domain.View{
		InvoiceID:    inv.ID,
		Level:        level,
		Computed:     computed,
		DaysOverdue:  days,
		Pinned:       inv.EscalationPinned,
		Restrictions: level.Restrictions(),
	}
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, invoicedomain.ErrInvalidID
	}
	return id, nil
}
