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
	"github.com/smallbiznis/carebill/internal/billingstatus"
	"github.com/smallbiznis/carebill/internal/clock"
	"github.com/smallbiznis/carebill/internal/config"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	"github.com/smallbiznis/carebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/carebill/internal/observability/metrics"
	"github.com/smallbiznis/carebill/internal/orgcontext"
	"github.com/smallbiznis/carebill/pkg/db"
	"github.com/smallbiznis/carebill/pkg/db/pagination"
)

var tracer = otel.Tracer("carebill/invoice")

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Retry      db.RetryConfig
	Escalation *config.EscalationConfigHolder
	Repo       invoicedomain.Repository
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	retry      db.RetryConfig
	escalation *config.EscalationConfigHolder
	repo       invoicedomain.Repository
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		retry:      p.Retry,
		escalation: p.Escalation,
		repo:       p.Repo,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateInvoice(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	tenantID, ok := orgcontext.ResolveOrgID(ctx, req.TenantID)
	if !ok {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidOrganization
	}
	kind, err := invoicedomain.ParseKind(string(req.Kind))
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	counterparty := strings.TrimSpace(req.CounterpartyID)
	if counterparty == "" {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidID
	}
	if req.GrossAmount.IsNegative() || req.Discount.IsNegative() || req.Discount.GreaterThan(req.GrossAmount) {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidAmount
	}
	if req.DueDate.IsZero() {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidDueDate
	}

	ctx, span := tracer.Start(ctx, "invoice.CreateInvoice")
	defer span.End()

	now := s.clock.Now()
	invoice := invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		Kind:           kind,
		CounterpartyID: counterparty,
		Description:    strings.TrimSpace(req.Description),
		Recipient:      strings.TrimSpace(req.Recipient),
		GrossAmount:    req.GrossAmount,
		Discount:       req.Discount,
		NetAmount:      req.GrossAmount.Sub(req.Discount),
		DueDate:        billingstatus.DateOf(req.DueDate),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	invoice.Recompute(s.escalation.Policy(), now)
	span.SetAttributes(
		attribute.String("invoice.id", invoice.ID.String()),
		attribute.String("invoice.kind", string(kind)),
	)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ScopeTenant(tx, tenantID); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, &invoice)
	})
	if err != nil {
		span.RecordError(err)
		return invoicedomain.Invoice{}, err
	}

	logger.WithContext(ctx, s.log).Info("invoice created",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("kind", string(invoice.Kind)),
		zap.String("net_amount", invoice.NetAmount.String()),
		zap.String("status", string(invoice.Status)),
	)
	s.emitAudit(ctx, auditdomain.ActionInvoiceCreate, &invoice, nil)
	return invoice, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoice, err := s.load(ctx, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	// Reads reflect today's derivation even if no sweep has run yet.
	invoice.Recompute(s.escalation.Policy(), s.clock.Now())
	return *invoice, nil
}

func (s *Service) GetInvoiceStatus(ctx context.Context, id string) (invoicedomain.StatusView, error) {
	invoice, err := s.load(ctx, id)
	if err != nil {
		return invoicedomain.StatusView{}, err
	}
	return invoice.View(s.clock.Now()), nil
}

func (s *Service) ListInvoices(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	tenantID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	if req.Status != nil && !req.Status.Valid() {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidStatus
	}
	if req.Kind != nil {
		if _, err := invoicedomain.ParseKind(string(*req.Kind)); err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
	}

	cursor, err := pagination.DecodeCursor(strings.TrimSpace(req.PageToken))
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	var afterID snowflake.ID
	if cursor != nil {
		afterID, err = parseID(cursor.ID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, pagination.ErrInvalidPageToken
		}
	}

	now := s.clock.Now()
	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, invoicedomain.ListFilter{
		TenantID:       tenantID,
		Kind:           req.Kind,
		Status:         req.Status,
		CounterpartyID: strings.TrimSpace(req.CounterpartyID),
		AfterID:        afterID,
		Limit:          limit + 1,
		Today:          now,
	})
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	policy := s.escalation.Policy()
	for i := range items {
		items[i].Recompute(policy, now)
	}
	page, info, err := pagination.BuildCursorPage(items, limit, func(inv invoicedomain.Invoice) string {
		return inv.ID.String()
	})
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	return invoicedomain.ListInvoiceResponse{PageInfo: info, Invoices: page}, nil
}

// CancelInvoice sets the cancellation flag. Cancelling twice returns the
// already-cancelled invoice unchanged.
func (s *Service) CancelInvoice(ctx context.Context, id string, reason string) (invoicedomain.Invoice, error) {
	tenantID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	reason = strings.TrimSpace(reason)

	ctx, span := tracer.Start(ctx, "invoice.CancelInvoice")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", invoiceID.String()))

	var (
		cancelled  invoicedomain.Invoice
		transition invoicedomain.Transition
		changed    bool
	)
	err = db.RetryOrConflict(ctx, s.retry, invoicedomain.ErrConflict,
		func(err error, _ time.Duration) {
			s.obsMetrics.RecordConflictRetry(ctx, "cancel_invoice")
		},
		func(ctx context.Context) error {
			changed = false
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := db.ScopeTenant(tx, tenantID); err != nil {
					return err
				}
				invoice, err := s.repo.LockByID(ctx, tx, tenantID, invoiceID)
				if err != nil {
					return err
				}
				if invoice == nil {
					return invoicedomain.ErrInvoiceNotFound
				}
				if invoice.Cancelled {
					cancelled = *invoice
					return nil
				}

				now := s.clock.Now()
				invoice.Cancelled = true
				invoice.CancelledAt = &now
				invoice.CancelReason = reason
				transition = invoice.Recompute(s.escalation.Policy(), now)
				if err := s.repo.SaveDerived(ctx, tx, invoice); err != nil {
					return err
				}
				cancelled = *invoice
				changed = true
				return nil
			})
		})
	if err != nil {
		span.RecordError(err)
		return invoicedomain.Invoice{}, err
	}
	if !changed {
		return cancelled, nil
	}

	if transition.LevelChanged() {
		s.obsMetrics.RecordEscalation(ctx, string(transition.FromLevel), string(transition.ToLevel))
	}
	logger.WithContext(ctx, s.log).Info("invoice cancelled",
		zap.String("invoice_id", cancelled.ID.String()),
		zap.String("previous_status", string(transition.FromStatus)),
	)
	metadata := map[string]any{
		"previous_status": string(transition.FromStatus),
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.emitAudit(ctx, auditdomain.ActionInvoiceCancel, &cancelled, metadata)
	return cancelled, nil
}

func (s *Service) load(ctx context.Context, id string) (*invoicedomain.Invoice, error) {
	tenantID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	invoice, err := s.repo.FindByID(ctx, s.db, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, extra map[string]any) {
	if s.auditSvc == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"kind":            string(invoice.Kind),
		"counterparty_id": invoice.CounterpartyID,
		"net_amount":      invoice.NetAmount.String(),
		"due_date":        invoice.DueDate.Format(time.DateOnly),
		"recipient":       invoice.Recipient,
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	targetID := invoice.ID.String()
	tenantID := invoice.TenantID
	if err := s.auditSvc.AuditLog(ctx, &tenantID, "", nil, action, auditdomain.TargetInvoice, &targetID, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, invoicedomain.ErrInvalidOrganization
	}
	return orgID, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, invoicedomain.ErrInvalidID
	}
	return id, nil
}
