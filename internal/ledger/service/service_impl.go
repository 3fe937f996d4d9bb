package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	"github.com/smallbiznis/carebill/internal/auditcontext"
	"github.com/smallbiznis/carebill/internal/clock"
	"github.com/smallbiznis/carebill/internal/config"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/carebill/internal/ledger/domain"
	"github.com/smallbiznis/carebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/carebill/internal/observability/metrics"
	"github.com/smallbiznis/carebill/internal/orgcontext"
	"github.com/smallbiznis/carebill/pkg/db"
)

var tracer = otel.Tracer("carebill/ledger")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Retry       db.RetryConfig
	Escalation  *config.EscalationConfigHolder
	Repo        ledgerdomain.Repository
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
	repo        ledgerdomain.Repository
	invoiceRepo invoicedomain.Repository
	auditSvc    auditdomain.Service
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
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

func (s *Service) ApplyPayment(ctx context.Context, req ledgerdomain.ApplyPaymentRequest) (ledgerdomain.PaymentEntry, error) {
	if !req.Amount.IsPositive() {
		return ledgerdomain.PaymentEntry{}, ledgerdomain.ErrInvalidAmount
	}
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return ledgerdomain.PaymentEntry{}, ledgerdomain.ErrInvalidOrganization
	}
	invoiceID, err := parseID(req.InvoiceID)
	if err != nil {
		return ledgerdomain.PaymentEntry{}, ledgerdomain.ErrInvoiceNotFound
	}

	ctx, span := tracer.Start(ctx, "ledger.ApplyPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("invoice.id", invoiceID.String()),
		attribute.String("payment.amount", req.Amount.String()),
	)

	method := ledgerdomain.NormalizeMethod(req.Method)
	var (
		entry      ledgerdomain.PaymentEntry
		invoice    invoicedomain.Invoice
		transition invoicedomain.Transition
	)
	err = s.mutate(ctx, "apply_payment", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := db.ScopeTenant(tx, tenantID); err != nil {
				return err
			}
			inv, err := s.invoiceRepo.LockByID(ctx, tx, tenantID, invoiceID)
			if err != nil {
				return err
			}
			if inv == nil {
				return ledgerdomain.ErrInvoiceNotFound
			}
			if inv.Cancelled {
				return ledgerdomain.ErrInvoiceCancelled
			}

			now := s.clock.Now()
			occurredAt := now
			if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
				occurredAt = req.OccurredAt.UTC()
			}
			entry = ledgerdomain.PaymentEntry{
				ID:         s.genID.Generate(),
				InvoiceID:  inv.ID,
				TenantID:   inv.TenantID,
				Amount:     req.Amount,
				Method:     method,
				OccurredAt: occurredAt,
				Notes:      strings.TrimSpace(req.Notes),
				RecordedBy: recordedBy(ctx),
				CreatedAt:  now,
			}
			if err := s.repo.Insert(ctx, tx, &entry); err != nil {
				return err
			}

			inv.PaidAmount = inv.PaidAmount.Add(req.Amount)
			transition = inv.Recompute(s.escalation.Policy(), now)
			if err := s.invoiceRepo.SaveDerived(ctx, tx, inv); err != nil {
				return err
			}
			invoice = *inv
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ledgerdomain.PaymentEntry{}, err
	}

	s.obsMetrics.RecordPayment(ctx, string(method), string(invoice.Kind))
	s.afterMutation(ctx, invoice, transition)
	logger.WithContext(ctx, s.log).Info("payment applied",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("entry_id", entry.ID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.String("paid_amount", invoice.PaidAmount.String()),
		zap.String("status", string(invoice.Status)),
	)

	entryID := entry.ID.String()
	s.audit(ctx, invoice.TenantID, auditdomain.ActionPaymentApply, &entryID, map[string]any{
		"invoice_id":  invoice.ID.String(),
		"amount":      entry.Amount.String(),
		"method":      string(entry.Method),
		"status_from": string(transition.FromStatus),
		"status_to":   string(transition.ToStatus),
	})
	return entry, nil
}

func (s *Service) ReversePayment(ctx context.Context, req ledgerdomain.ReversePaymentRequest) (ledgerdomain.PaymentEntry, error) {
	entryRef := strings.TrimSpace(req.EntryID)
	if req.Amount.IsNegative() || (entryRef == "" && !req.Amount.IsPositive()) {
		return ledgerdomain.PaymentEntry{}, ledgerdomain.ErrInvalidAmount
	}
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return ledgerdomain.PaymentEntry{}, ledgerdomain.ErrInvalidOrganization
	}
	invoiceID, err := parseID(req.InvoiceID)
	if err != nil {
		return ledgerdomain.PaymentEntry{}, ledgerdomain.ErrReversalInvoiceNotFound
	}
	var reversesID snowflake.ID
	if entryRef != "" {
		reversesID, err = parseID(entryRef)
		if err != nil {
			return ledgerdomain.PaymentEntry{}, ledgerdomain.ErrPaymentNotFound
		}
	}

	ctx, span := tracer.Start(ctx, "ledger.ReversePayment")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", invoiceID.String()))

	reason := strings.TrimSpace(req.Reason)
	var (
		entry      ledgerdomain.PaymentEntry
		invoice    invoicedomain.Invoice
		transition invoicedomain.Transition
	)
	err = s.mutate(ctx, "reverse_payment", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := db.ScopeTenant(tx, tenantID); err != nil {
				return err
			}
			inv, err := s.invoiceRepo.LockByID(ctx, tx, tenantID, invoiceID)
			if err != nil {
				return err
			}
			if inv == nil {
				return ledgerdomain.ErrReversalInvoiceNotFound
			}

			requested := req.Amount
			var reverses *snowflake.ID
			if reversesID != 0 {
				requested, err = s.reversibleAmount(ctx, tx, inv.ID, reversesID, req.Amount)
				if err != nil {
					return err
				}
				id := reversesID
				reverses = &id
			}

			// The entry carries the delta actually applied, so paid stays
			// equal to the sum of entries even when the request is clamped.
			applied := decimal.Min(requested, inv.PaidAmount)
			if applied.IsNegative() {
				applied = decimal.Zero
			}

			now := s.clock.Now()
			requestedCopy := requested
			entry = ledgerdomain.PaymentEntry{
				ID:              s.genID.Generate(),
				InvoiceID:       inv.ID,
				TenantID:        inv.TenantID,
				Amount:          applied.Neg(),
				RequestedAmount: &requestedCopy,
				Method:          ledgerdomain.MethodReversal,
				OccurredAt:      now,
				Notes:           ledgerdomain.ReversalNotePrefix + reason,
				ReversesEntryID: reverses,
				RecordedBy:      recordedBy(ctx),
				CreatedAt:       now,
			}
			if err := s.repo.Insert(ctx, tx, &entry); err != nil {
				return err
			}

			inv.PaidAmount = inv.PaidAmount.Sub(applied)
			transition = inv.Recompute(s.escalation.Policy(), now)
			if err := s.invoiceRepo.SaveDerived(ctx, tx, inv); err != nil {
				return err
			}
			invoice = *inv
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ledgerdomain.PaymentEntry{}, err
	}

	s.obsMetrics.RecordReversal(ctx, string(invoice.Kind))
	s.afterMutation(ctx, invoice, transition)
	log := logger.WithContext(ctx, s.log)
	if entry.RequestedAmount != nil && !entry.Amount.Abs().Equal(*entry.RequestedAmount) {
		log.Warn("reversal clamped to paid amount",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("requested", entry.RequestedAmount.String()),
			zap.String("applied", entry.Amount.Abs().String()),
		)
	}
	log.Info("payment reversed",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("entry_id", entry.ID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.String("status", string(invoice.Status)),
	)

	entryID := entry.ID.String()
	meta := map[string]any{
		"invoice_id":  invoice.ID.String(),
		"amount":      entry.Amount.String(),
		"requested":   entry.RequestedAmount.String(),
		"reason":      reason,
		"status_from": string(transition.FromStatus),
		"status_to":   string(transition.ToStatus),
	}
	if entry.ReversesEntryID != nil {
		meta["reverses_entry_id"] = entry.ReversesEntryID.String()
	}
	s.audit(ctx, invoice.TenantID, auditdomain.ActionPaymentReverse, &entryID, meta)
	return entry, nil
}

// reversibleAmount validates a reversal of entryID and returns how much of
// it is reversed. An amount of zero means whatever is left of the entry.
func (s *Service) reversibleAmount(ctx context.Context, tx *gorm.DB, invoiceID, entryID snowflake.ID, amount decimal.Decimal) (decimal.Decimal, error) {
	original, err := s.repo.FindByID(ctx, tx, invoiceID, entryID)
	if err != nil {
		return decimal.Zero, err
	}
	if original == nil || !original.Amount.IsPositive() {
		return decimal.Zero, ledgerdomain.ErrPaymentNotFound
	}
	already, err := s.repo.SumReversed(ctx, tx, entryID)
	if err != nil {
		return decimal.Zero, err
	}
	remaining := original.Amount.Sub(already)
	if !remaining.IsPositive() {
		return decimal.Zero, ledgerdomain.ErrAlreadyReversed
	}
	if amount.IsZero() {
		return remaining, nil
	}
	if amount.GreaterThan(remaining) {
		return decimal.Zero, ledgerdomain.ErrAlreadyReversed
	}
	return amount, nil
}

func (s *Service) ListEntries(ctx context.Context, invoiceID string) ([]ledgerdomain.PaymentEntry, error) {
	tenantID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	id, err := parseID(invoiceID)
	if err != nil {
		return nil, ledgerdomain.ErrInvoiceNotFound
	}
	inv, err := s.invoiceRepo.FindByID(ctx, s.db, tenantID, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ledgerdomain.ErrInvoiceNotFound
	}
	return s.repo.ListByInvoice(ctx, s.db, id)
}

// Reconcile rebuilds the cached paid amount of one invoice from its ledger
// entries. Without a tenant in ctx it acts as a system repair on any tenant.
func (s *Service) Reconcile(ctx context.Context, invoiceID string) (ledgerdomain.ReconcileResult, error) {
	id, err := parseID(invoiceID)
	if err != nil {
		return ledgerdomain.ReconcileResult{}, ledgerdomain.ErrInvoiceNotFound
	}
	tenantID, _ := orgcontext.OrgIDFromContext(ctx)

	ctx, span := tracer.Start(ctx, "ledger.Reconcile")
	defer span.End()

	result, err := s.reconcileOne(ctx, tenantID, id)
	if err != nil {
		span.RecordError(err)
		return ledgerdomain.ReconcileResult{}, err
	}
	return result, nil
}

func (s *Service) ReconcileAll(ctx context.Context, batchSize int) (ledgerdomain.ReconcileSummary, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	ctx, span := tracer.Start(ctx, "ledger.ReconcileAll")
	defer span.End()

	var (
		summary ledgerdomain.ReconcileSummary
		errs    []error
		afterID snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ids, err := s.invoiceRepo.ListIDs(ctx, s.db, afterID, batchSize)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			summary.Scanned++
			result, err := s.reconcileOne(ctx, 0, id)
			if err != nil {
				summary.Failed++
				errs = append(errs, fmt.Errorf("invoice %s: %w", id, err))
				continue
			}
			if result.PaidDrift || result.DerivedDrift {
				summary.Repaired++
				summary.Drifted = append(summary.Drifted, result)
			}
		}
		afterID = ids[len(ids)-1]
		if len(ids) < batchSize {
			break
		}
	}

	s.log.Info("ledger reconcile finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("repaired", summary.Repaired),
		zap.Int("failed", summary.Failed),
	)
	return summary, errors.Join(errs...)
}

func (s *Service) reconcileOne(ctx context.Context, tenantID, invoiceID snowflake.ID) (ledgerdomain.ReconcileResult, error) {
	var (
		result     ledgerdomain.ReconcileResult
		invoice    invoicedomain.Invoice
		transition invoicedomain.Transition
	)
	err := s.mutate(ctx, "reconcile", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			inv, err := s.invoiceRepo.LockByID(ctx, tx, tenantID, invoiceID)
			if err != nil {
				return err
			}
			if inv == nil {
				return ledgerdomain.ErrInvoiceNotFound
			}
			if err := db.ScopeTenant(tx, inv.TenantID); err != nil {
				return err
			}
			entries, err := s.repo.ListByInvoice(ctx, tx, inv.ID)
			if err != nil {
				return err
			}

			ledgerPaid := ledgerdomain.SumEntries(entries)
			if ledgerPaid.IsNegative() {
				ledgerPaid = decimal.Zero
			}
			paymentDateBefore := inv.PaymentDate != nil

			result = ledgerdomain.ReconcileResult{
				InvoiceID:  inv.ID,
				CachedPaid: inv.PaidAmount,
				LedgerPaid: ledgerPaid,
				PaidDrift:  !inv.PaidAmount.Equal(ledgerPaid),
			}
			inv.PaidAmount = ledgerPaid
			transition = inv.Recompute(s.escalation.Policy(), s.clock.Now())
			result.DerivedDrift = transition.StatusChanged() ||
				transition.LevelChanged() ||
				paymentDateBefore != (inv.PaymentDate != nil)
			result.StatusAfter = string(inv.Status)
			result.EscalationDrop = transition.ToLevel.Rank() < transition.FromLevel.Rank()

			if !result.PaidDrift && !result.DerivedDrift {
				return nil
			}
			if err := s.invoiceRepo.SaveDerived(ctx, tx, inv); err != nil {
				return err
			}
			invoice = *inv
			return nil
		})
	})
	if err != nil {
		return ledgerdomain.ReconcileResult{}, err
	}

	if result.PaidDrift {
		s.obsMetrics.RecordReconcileDrift(ctx, 1)
		s.log.Warn("ledger drift repaired",
			zap.String("invoice_id", result.InvoiceID.String()),
			zap.String("cached_paid", result.CachedPaid.String()),
			zap.String("ledger_paid", result.LedgerPaid.String()),
		)
		invoiceRef := result.InvoiceID.String()
		s.auditWithTarget(ctx, invoice.TenantID, auditdomain.ActionLedgerReconcile, auditdomain.TargetInvoice, &invoiceRef, map[string]any{
			"cached_paid": result.CachedPaid.String(),
			"ledger_paid": result.LedgerPaid.String(),
			"status":      result.StatusAfter,
		})
	}
	if result.DerivedDrift {
		s.afterMutation(ctx, invoice, transition)
	}
	return result, nil
}

// mutate runs fn under the optimistic retry policy.
func (s *Service) mutate(ctx context.Context, operation string, fn func(context.Context) error) error {
	err := db.RetryOrConflict(ctx, s.retry, ledgerdomain.ErrConflict,
		func(err error, wait time.Duration) {
			s.obsMetrics.RecordConflictRetry(ctx, operation)
			s.log.Debug("retrying contended invoice mutation",
				zap.String("operation", operation),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}, fn)
	if errors.Is(err, ledgerdomain.ErrConflict) {
		s.obsMetrics.RecordConflictExhausted(ctx, operation)
	}
	return err
}

func (s *Service) afterMutation(ctx context.Context, inv invoicedomain.Invoice, t invoicedomain.Transition) {
	if t.LevelChanged() {
		s.obsMetrics.RecordEscalation(ctx, string(t.FromLevel), string(t.ToLevel))
		logger.WithContext(ctx, s.log).Info("escalation level changed",
			zap.String("invoice_id", inv.ID.String()),
			zap.String("from", string(t.FromLevel)),
			zap.String("to", string(t.ToLevel)),
		)
	}
}

func (s *Service) audit(ctx context.Context, tenantID snowflake.ID, action string, entryID *string, metadata map[string]any) {
	s.auditWithTarget(ctx, tenantID, action, auditdomain.TargetPayment, entryID, metadata)
}

func (s *Service) auditWithTarget(ctx context.Context, tenantID snowflake.ID, action, targetType string, targetID *string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, &tenantID, "", nil, action, targetType, targetID, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func recordedBy(ctx context.Context) string {
	if actorType, actorID := auditcontext.ActorFromContext(ctx); actorID != "" {
		return actorID
	} else if actorType != "" {
		return actorType
	}
	return auditcontext.ActorTypeSystem
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, invoicedomain.ErrInvalidID
	}
	return id, nil
}
