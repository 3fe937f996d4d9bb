package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/smallbiznis/carebill/internal/billingstatus"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	"github.com/smallbiznis/carebill/internal/reminder/domain"
	"github.com/smallbiznis/carebill/pkg/db"
)

type sweepOutcome struct {
	transition invoicedomain.Transition
	created    []domain.Reminder
}

// RunEscalationSweep walks every open subscription invoice in id order and
// sweeps them batch by batch.
func (s *Service) RunEscalationSweep(ctx context.Context, today time.Time) (domain.SweepResult, error) {
	if today.IsZero() {
		today = s.clock.Now()
	}
	ctx, span := tracer.Start(ctx, "reminder.RunEscalationSweep")
	defer span.End()
	started := time.Now()

	var (
		total   domain.SweepResult
		errs    []error
		afterID snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ids, err := s.invoiceRepo.ListOpenSubscriptionIDs(ctx, s.db, afterID, s.sweepBatchSize)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if len(ids) == 0 {
			break
		}
		result, err := s.SweepInvoices(ctx, ids, today)
		total = mergeSweep(total, result)
		if err != nil {
			errs = append(errs, err)
		}
		afterID = ids[len(ids)-1]
		if len(ids) < s.sweepBatchSize {
			break
		}
	}

	s.obsMetrics.ObserveSweep(ctx, time.Since(started))
	span.SetAttributes(
		attribute.Int("sweep.scanned", total.Scanned),
		attribute.Int("sweep.reminders", total.RemindersCreated),
		attribute.Int("sweep.failed", total.Failed),
	)
	s.log.Info("escalation sweep finished",
		zap.Time("today", billingstatus.DateOf(today)),
		zap.Int("scanned", total.Scanned),
		zap.Int("escalated", total.Escalated),
		zap.Int("reminders", total.RemindersCreated),
		zap.Int("delivery_failures", total.DeliveryFailures),
		zap.Int("failed", total.Failed),
	)
	return total, errors.Join(errs...)
}

// SweepInvoices recomputes each invoice in its own transaction and emits at
// most one reminder per invoice. Invoices are processed in parallel up to the
// configured concurrency; a failure on one does not stop the others.
func (s *Service) SweepInvoices(ctx context.Context, ids []snowflake.ID, today time.Time) (domain.SweepResult, error) {
	if today.IsZero() {
		today = s.clock.Now()
	}

	var (
		mu     sync.Mutex
		result domain.SweepResult
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcome, err := s.sweepOne(gctx, id, today)
			delivered := 0
			if err == nil {
				for i := range outcome.created {
					if s.deliver(gctx, &outcome.created[i]) == nil {
						delivered++
					}
				}
			}

			mu.Lock()
			defer mu.Unlock()
			result.Scanned++
			if err != nil {
				result.Failed++
				result.FailedInvoiceIDs = append(result.FailedInvoiceIDs, id)
				errs = append(errs, fmt.Errorf("invoice %s: %w", id, err))
				return nil
			}
			if outcome.transition.LevelChanged() {
				result.Escalated++
			}
			result.RemindersCreated += len(outcome.created)
			result.DeliveryFailures += len(outcome.created) - delivered
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return result, errors.Join(errs...)
}

func (s *Service) sweepOne(ctx context.Context, id snowflake.ID, today time.Time) (sweepOutcome, error) {
	var outcome sweepOutcome
	err := db.RetryOrConflict(ctx, s.retry, invoicedomain.ErrConflict,
		func(err error, _ time.Duration) {
			s.obsMetrics.RecordConflictRetry(ctx, "escalation_sweep")
		},
		func(ctx context.Context) error {
			outcome = sweepOutcome{}
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				inv, err := s.invoiceRepo.LockByID(ctx, tx, 0, id)
				if err != nil {
					return err
				}
				if inv == nil {
					return nil
				}
				if err := db.ScopeTenant(tx, inv.TenantID); err != nil {
					return err
				}

				paymentDate := inv.PaymentDate
				outcome.transition = inv.Recompute(s.escalation.Policy(), today)
				t := outcome.transition
				if t.StatusChanged() || t.LevelChanged() || t.EpisodeReset || (paymentDate == nil) != (inv.PaymentDate == nil) {
					if err := s.invoiceRepo.SaveDerived(ctx, tx, inv); err != nil {
						return err
					}
				}

				kind, ok, err := s.reminderDue(ctx, tx, inv, today)
				if err != nil || !ok {
					return err
				}
				message, err := render(s.escalation.Templates(), kind, inv, today)
				if err != nil {
					return err
				}
				reminder := s.newReminder(inv, kind, message, inv.Recipient, s.clock.Now())
				if err := s.repo.Insert(ctx, tx, &reminder); err != nil {
					return err
				}
				outcome.created = append(outcome.created, reminder)
				return nil
			})
		})
	if err != nil {
		return sweepOutcome{}, err
	}

	if t := outcome.transition; t.LevelChanged() {
		s.obsMetrics.RecordEscalation(ctx, string(t.FromLevel), string(t.ToLevel))
		s.log.Info("escalation level changed",
			zap.String("invoice_id", id.String()),
			zap.String("from", string(t.FromLevel)),
			zap.String("to", string(t.ToLevel)),
		)
	}
	for _, r := range outcome.created {
		s.obsMetrics.RecordReminder(ctx, string(r.Kind))
	}
	return outcome, nil
}

// reminderDue decides which reminder, if any, the invoice needs now. An
// escalation reminder is due when the current level differs from the last
// escalation reminder of this episode. A due-soon reminder is sent once per
// episode while the invoice is inside the due-soon window.
func (s *Service) reminderDue(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, today time.Time) (domain.Kind, bool, error) {
	if !inv.IsSubscription() || inv.Status.IsTerminal() {
		return "", false, nil
	}

	if kind, ok := domain.KindForLevel(inv.EscalationLevel); ok {
		last, err := s.repo.LastEscalationKind(ctx, tx, inv.ID, inv.EscalationResetAt)
		if err != nil {
			return "", false, err
		}
		return kind, last != kind, nil
	}

	daysUntilDue := -inv.DaysOverdue(today)
	if !s.escalation.Policy().InDueSoonWindow(daysUntilDue) {
		return "", false, nil
	}
	sent, err := s.repo.HasKindSince(ctx, tx, inv.ID, domain.KindDueSoon, inv.EscalationResetAt)
	if err != nil {
		return "", false, err
	}
	return domain.KindDueSoon, !sent, nil
}

func mergeSweep(a, b domain.SweepResult) domain.SweepResult {
	a.Scanned += b.Scanned
	a.Escalated += b.Escalated
	a.RemindersCreated += b.RemindersCreated
	a.DeliveryFailures += b.DeliveryFailures
	a.Failed += b.Failed
	a.FailedInvoiceIDs = append(a.FailedInvoiceIDs, b.FailedInvoiceIDs...)
	return a
}
