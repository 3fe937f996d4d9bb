package service_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	"github.com/smallbiznis/carebill/internal/billingtest"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/carebill/internal/ledger/domain"
	"github.com/smallbiznis/carebill/internal/reminder/domain"
	"github.com/smallbiznis/carebill/pkg/db/pagination"
)

var errSMTPDown = errors.New("smtp: connection refused")

func generate(t *testing.T, f *billingtest.Fixture, inv invoicedomain.Invoice, kind domain.Kind, message string) domain.Reminder {
	t.Helper()
	r, err := f.Reminders.GenerateReminder(f.Ctx(), domain.GenerateRequest{
		InvoiceID: inv.ID.String(),
		Kind:      kind,
		Message:   message,
	})
	if err != nil {
		t.Fatalf("generate reminder: %v", err)
	}
	return r
}

func kinds(items []domain.Reminder) []domain.Kind {
	out := make([]domain.Kind, 0, len(items))
	for _, r := range items {
		out = append(out, r.Kind)
	}
	return out
}

func TestGenerateReminderPersistsAndDelivers(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "250", "0", -1)

	r := generate(t, f, inv, domain.KindNotification, "")
	assert.Contains(t, r.Message, inv.ID.String())
	assert.Contains(t, r.Message, "250.00")
	assert.Equal(t, "billing@clinic.test", r.Recipient)
	assert.False(t, r.Read)
	require.NotNil(t, r.SentAt)
	assert.Equal(t, 1, r.DeliveryAttempts)

	stored := f.RemindersFor(t, inv.ID)
	require.Len(t, stored, 1)
	assert.NotNil(t, stored[0].SentAt)
	assert.Equal(t, 1, stored[0].DeliveryAttempts)
	assert.Len(t, f.Notifier.Delivered(), 1)
}

func TestGenerateReminderSurvivesDeliveryFailure(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "80", "0", 3)
	f.Notifier.FailWith(errSMTPDown)

	r, err := f.Reminders.GenerateReminder(f.Ctx(), domain.GenerateRequest{
		InvoiceID: inv.ID.String(),
		Kind:      domain.KindCustom,
		Message:   "Please bring your receipt.",
	})
	require.NoError(t, err)
	assert.Nil(t, r.SentAt)

	stored := f.RemindersFor(t, inv.ID)
	require.Len(t, stored, 1)
	assert.Nil(t, stored[0].SentAt)
	assert.Equal(t, 1, stored[0].DeliveryAttempts)
	assert.Contains(t, stored[0].LastDeliveryError, "connection refused")
	assert.False(t, stored[0].Read)
}

func TestGenerateReminderValidation(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "80", "0", 3)

	_, err := f.Reminders.GenerateReminder(f.Ctx(), domain.GenerateRequest{InvoiceID: inv.ID.String(), Kind: domain.KindCustom})
	require.ErrorIs(t, err, domain.ErrEmptyMessage)

	_, err = f.Reminders.GenerateReminder(f.Ctx(), domain.GenerateRequest{InvoiceID: inv.ID.String(), Kind: "SMOKE_SIGNAL"})
	require.ErrorIs(t, err, domain.ErrInvalidKind)

	_, err = f.Reminders.GenerateReminder(f.Ctx(), domain.GenerateRequest{InvoiceID: f.Node.Generate().String(), Kind: domain.KindNotification})
	require.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	_, err = f.Reminders.GenerateReminder(f.SystemCtx(), domain.GenerateRequest{InvoiceID: inv.ID.String(), Kind: domain.KindNotification})
	require.ErrorIs(t, err, domain.ErrInvalidOrganization)

	assert.Empty(t, f.RemindersFor(t, inv.ID))
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "80", "0", 3)
	r := generate(t, f, inv, domain.KindCustom, "hello")

	require.NoError(t, f.Reminders.MarkRead(f.Ctx(), r.ID.String()))
	first := f.RemindersFor(t, inv.ID)[0]
	require.True(t, first.Read)
	require.NotNil(t, first.ReadAt)

	f.Clock.AdvanceDays(1)
	require.NoError(t, f.Reminders.MarkRead(f.Ctx(), r.ID.String()))
	second := f.RemindersFor(t, inv.ID)[0]
	assert.True(t, second.ReadAt.Equal(*first.ReadAt))

	err := f.Reminders.MarkRead(f.Ctx(), f.Node.Generate().String())
	require.ErrorIs(t, err, domain.ErrReminderNotFound)

	err = f.Reminders.MarkRead(f.CtxFor(f.Node.Generate()), r.ID.String())
	require.ErrorIs(t, err, domain.ErrReminderNotFound)
}

func TestMarkAllReadForTenant(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "80", "0", 3)
	for i := 0; i < 3; i++ {
		generate(t, f, inv, domain.KindCustom, "note")
	}

	affected, err := f.Reminders.MarkAllReadForTenant(f.Ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)

	affected, err = f.Reminders.MarkAllReadForTenant(f.Ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)

	count := 0
	for _, a := range f.AuditActions(t) {
		if a == auditdomain.ActionRemindersMarkRead {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestListRemindersForTenant(t *testing.T) {
	f := billingtest.New(t)
	a := f.CreateInvoice(t, invoicedomain.KindPatientService, "80", "0", 3)
	b := f.CreateInvoice(t, invoicedomain.KindPatientService, "90", "0", 3)
	first := generate(t, f, a, domain.KindCustom, "a1")
	generate(t, f, a, domain.KindCustom, "a2")
	generate(t, f, b, domain.KindCustom, "b1")
	require.NoError(t, f.Reminders.MarkRead(f.Ctx(), first.ID.String()))

	resp, err := f.Reminders.ListRemindersForTenant(f.Ctx(), domain.ListRequest{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, resp.Reminders, 2)

	resp, err = f.Reminders.ListRemindersForTenant(f.Ctx(), domain.ListRequest{InvoiceID: a.ID.String()})
	require.NoError(t, err)
	require.Len(t, resp.Reminders, 2)
	// newest first
	assert.Equal(t, "a2", resp.Reminders[0].Message)

	resp, err = f.Reminders.ListRemindersForTenant(f.Ctx(), domain.ListRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, resp.Reminders, 2)
	require.True(t, resp.HasMore)
	next, err := f.Reminders.ListRemindersForTenant(f.Ctx(), domain.ListRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: resp.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, next.Reminders, 1)
	assert.False(t, next.HasMore)
	assert.Equal(t, first.ID, next.Reminders[0].ID)

	other, err := f.Reminders.ListRemindersForTenant(f.CtxFor(f.Node.Generate()), domain.ListRequest{})
	require.NoError(t, err)
	assert.Empty(t, other.Reminders)
}

func TestRedeliver(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "80", "0", 3)
	f.Notifier.FailWith(errSMTPDown)
	r := generate(t, f, inv, domain.KindCustom, "hello")

	_, err := f.Reminders.Redeliver(f.Ctx(), r.ID.String())
	require.ErrorIs(t, err, domain.ErrDeliveryFailed)

	f.Notifier.FailWith(nil)
	delivered, err := f.Reminders.Redeliver(f.Ctx(), r.ID.String())
	require.NoError(t, err)
	require.NotNil(t, delivered.SentAt)
	assert.Equal(t, 3, delivered.DeliveryAttempts)
	assert.Empty(t, delivered.LastDeliveryError)

	// delivered reminders are not sent twice
	again, err := f.Reminders.Redeliver(f.SystemCtx(), r.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 3, again.DeliveryAttempts)
	assert.Len(t, f.Notifier.Delivered(), 1)

	_, err = f.Reminders.Redeliver(f.Ctx(), "nope")
	require.ErrorIs(t, err, domain.ErrReminderNotFound)
}

func TestRetryUndeliveredRespectsAttemptBudget(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "80", "0", 3)
	f.Notifier.FailWith(errSMTPDown)
	fresh := generate(t, f, inv, domain.KindCustom, "fresh")
	exhausted := generate(t, f, inv, domain.KindCustom, "exhausted")

	// burn the remaining attempts of one reminder (max 3)
	for i := 0; i < 2; i++ {
		_, err := f.Reminders.Redeliver(f.Ctx(), exhausted.ID.String())
		require.ErrorIs(t, err, domain.ErrDeliveryFailed)
	}

	f.Notifier.FailWith(nil)
	delivered, err := f.Reminders.RetryUndelivered(f.SystemCtx(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	stored := f.RemindersFor(t, inv.ID)
	require.Len(t, stored, 2)
	assert.Equal(t, fresh.ID, stored[0].ID)
	assert.NotNil(t, stored[0].SentAt)
	assert.Nil(t, stored[1].SentAt)
	assert.Equal(t, 3, stored[1].DeliveryAttempts)
}

func TestSweepGeneratesSingleReminderForDeepDelinquency(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "300", "0", -12)

	result, err := f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.RemindersCreated)
	assert.Equal(t, []domain.Kind{domain.KindFullLockout}, kinds(f.RemindersFor(t, inv.ID)))

	result, err = f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
	require.NoError(t, err)
	assert.Equal(t, 0, result.RemindersCreated)
	assert.Len(t, f.RemindersFor(t, inv.ID), 1)
	assert.Len(t, f.Notifier.Delivered(), 1)
}

func TestSweepFollowsEscalationProgression(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "300", "0", 0)

	sweep := func() {
		t.Helper()
		_, err := f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
		require.NoError(t, err)
	}

	sweep()
	f.Clock.AdvanceDays(5)
	sweep()
	f.Clock.AdvanceDays(1)
	sweep()
	f.Clock.AdvanceDays(1)
	sweep()
	f.Clock.AdvanceDays(3)
	sweep()
	sweep()

	assert.Equal(t, []domain.Kind{
		domain.KindNotification,
		domain.KindBannerWarning,
		domain.KindFeatureRestriction,
		domain.KindFullLockout,
	}, kinds(f.RemindersFor(t, inv.ID)))
	assert.Equal(t, string(domain.KindFullLockout), f.Reload(t, inv.ID).EscalationLevel.String())
}

func TestSweepSendsDueSoonOnce(t *testing.T) {
	f := billingtest.New(t)
	soon := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "300", "0", 2)
	later := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "300", "0", 10)

	_, err := f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
	require.NoError(t, err)
	f.Clock.AdvanceDays(1)
	_, err = f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
	require.NoError(t, err)

	assert.Equal(t, []domain.Kind{domain.KindDueSoon}, kinds(f.RemindersFor(t, soon.ID)))
	assert.Empty(t, f.RemindersFor(t, later.ID))
}

func TestSweepSkipsSettledAndPatientInvoices(t *testing.T) {
	f := billingtest.New(t)
	patient := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", -20)
	paid := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "100", "0", -20)
	cancelled := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "100", "0", -20)
	_, err := f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
		InvoiceID: paid.ID.String(),
		Amount:    decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	_, err = f.Invoices.CancelInvoice(f.Ctx(), cancelled.ID.String(), "waived")
	require.NoError(t, err)

	result, err := f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
	assert.Empty(t, f.RemindersFor(t, patient.ID))
	assert.Empty(t, f.RemindersFor(t, paid.ID))
	assert.Empty(t, f.RemindersFor(t, cancelled.ID))
}

func TestSweepStartsNewEpisodeAfterReversal(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "300", "0", -12)
	_, err := f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
	require.NoError(t, err)

	f.Clock.AdvanceDays(1)
	_, err = f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    decimal.NewFromInt(300),
	})
	require.NoError(t, err)

	f.Clock.AdvanceDays(1)
	_, err = f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    decimal.NewFromInt(300),
		Reason:    "chargeback",
	})
	require.NoError(t, err)

	_, err = f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
	require.NoError(t, err)
	assert.Equal(t, []domain.Kind{domain.KindFullLockout, domain.KindFullLockout}, kinds(f.RemindersFor(t, inv.ID)))
}

func TestSweepBatchesAcrossTenantsAndCountsDeliveryFailures(t *testing.T) {
	f := billingtest.New(t)
	for i := 0; i < 5; i++ {
		f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "100", "0", -6)
	}
	otherTenant := f.Node.Generate()
	_, err := f.Invoices.CreateInvoice(f.CtxFor(otherTenant), invoicedomain.CreateInvoiceRequest{
		Kind:           invoicedomain.KindTenantSubscription,
		CounterpartyID: "clinic-other",
		GrossAmount:    decimal.NewFromInt(100),
		DueDate:        f.Today().AddDate(0, 0, -6),
	})
	require.NoError(t, err)
	f.Notifier.FailWith(errSMTPDown)

	result, err := f.Reminders.RunEscalationSweep(f.SystemCtx(), f.Today())
	require.NoError(t, err)
	assert.Equal(t, 6, result.Scanned)
	assert.Equal(t, 6, result.RemindersCreated)
	assert.Equal(t, 6, result.DeliveryFailures)
	assert.Equal(t, 0, result.Failed)

	f.Notifier.FailWith(nil)
	delivered, err := f.Reminders.RetryUndelivered(f.SystemCtx(), 100)
	require.NoError(t, err)
	assert.Equal(t, 6, delivered)
}
