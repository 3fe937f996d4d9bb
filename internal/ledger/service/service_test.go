package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	"github.com/smallbiznis/carebill/internal/billingstatus"
	"github.com/smallbiznis/carebill/internal/billingtest"
	escalationdomain "github.com/smallbiznis/carebill/internal/escalation/domain"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/carebill/internal/ledger/domain"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func pay(t *testing.T, f *billingtest.Fixture, inv invoicedomain.Invoice, amount string) ledgerdomain.PaymentEntry {
	t.Helper()
	entry, err := f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec(amount),
		Method:    "pix",
	})
	if err != nil {
		t.Fatalf("apply payment %s: %v", amount, err)
	}
	return entry
}

// assertLedgerConsistent checks that the cached paid amount matches the
// entries and that the payment date is set exactly when the invoice is paid.
func assertLedgerConsistent(t *testing.T, f *billingtest.Fixture, inv invoicedomain.Invoice) invoicedomain.Invoice {
	t.Helper()
	stored := f.Reload(t, inv.ID)
	entries, err := f.Ledger.ListEntries(f.Ctx(), inv.ID.String())
	require.NoError(t, err)

	sum := ledgerdomain.SumEntries(entries)
	if sum.IsNegative() {
		sum = decimal.Zero
	}
	if !stored.PaidAmount.Equal(sum) {
		t.Fatalf("paid %s does not match ledger sum %s", stored.PaidAmount, sum)
	}
	if stored.PaidAmount.IsNegative() {
		t.Fatalf("paid amount went negative: %s", stored.PaidAmount)
	}
	if (stored.PaymentDate != nil) != (stored.Status == billingstatus.StatusPaid) {
		t.Fatalf("payment date %v inconsistent with status %s", stored.PaymentDate, stored.Status)
	}
	return stored
}

func TestPartialThenFullPayment(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)

	pay(t, f, inv, "60")
	stored := assertLedgerConsistent(t, f, inv)
	assert.Equal(t, billingstatus.StatusPartial, stored.Status)
	assert.Nil(t, stored.PaymentDate)

	pay(t, f, inv, "40")
	stored = assertLedgerConsistent(t, f, inv)
	assert.Equal(t, billingstatus.StatusPaid, stored.Status)
	require.NotNil(t, stored.PaymentDate)
	assert.True(t, stored.PaymentDate.Equal(f.Today()))
	assert.True(t, stored.Outstanding().IsZero())
}

func TestFullReversalReopensInvoice(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	pay(t, f, inv, "100")

	entry, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("100"),
		Reason:    "chargeback",
	})
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(dec("-100")))
	assert.Equal(t, ledgerdomain.MethodReversal, entry.Method)
	assert.Equal(t, "Reversal: chargeback", entry.Notes)

	stored := assertLedgerConsistent(t, f, inv)
	assert.Equal(t, billingstatus.StatusPending, stored.Status)
	assert.True(t, stored.PaidAmount.IsZero())
	assert.Nil(t, stored.PaymentDate)
}

func TestFullReversalAfterDueDateIsOverdue(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	pay(t, f, inv, "100")

	f.Clock.AdvanceDays(15)
	_, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("100"),
		Reason:    "bounced",
	})
	require.NoError(t, err)

	stored := assertLedgerConsistent(t, f, inv)
	assert.Equal(t, billingstatus.StatusOverdue, stored.Status)
}

func TestConcurrentPaymentsAreNotLost(t *testing.T) {
	const workers = 8
	f := billingtest.New(t, billingtest.WithMaxOpenConns(workers), billingtest.WithMaxRetries(50))
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
				InvoiceID: inv.ID.String(),
				Amount:    dec("10"),
				Method:    "cash",
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	applied := 0
	for err := range errs {
		if err == nil {
			applied++
			continue
		}
		require.ErrorIs(t, err, ledgerdomain.ErrConflict)
	}
	require.Positive(t, applied)

	stored := assertLedgerConsistent(t, f, inv)
	want := dec("10").Mul(decimal.NewFromInt(int64(applied)))
	assert.True(t, stored.PaidAmount.Equal(want), "paid = %s, want %s", stored.PaidAmount, want)

	entries, err := f.Ledger.ListEntries(f.Ctx(), inv.ID.String())
	require.NoError(t, err)
	assert.Len(t, entries, applied)
}

func TestTwoConcurrentHalfPaymentsSettleInvoice(t *testing.T) {
	f := billingtest.New(t, billingtest.WithMaxOpenConns(4), billingtest.WithMaxRetries(50))
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
				InvoiceID: inv.ID.String(),
				Amount:    dec("50"),
				Method:    "cash",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored := assertLedgerConsistent(t, f, inv)
	assert.True(t, stored.PaidAmount.Equal(dec("100")), "paid = %s", stored.PaidAmount)
	assert.Equal(t, billingstatus.StatusPaid, stored.Status)
}

func TestReversalClampsAtZero(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	pay(t, f, inv, "30")

	entry, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("50"),
		Reason:    "manual correction",
	})
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(dec("-30")))
	require.NotNil(t, entry.RequestedAmount)
	assert.True(t, entry.RequestedAmount.Equal(dec("50")))

	stored := assertLedgerConsistent(t, f, inv)
	assert.True(t, stored.PaidAmount.IsZero())
	assert.Equal(t, billingstatus.StatusPending, stored.Status)
}

func TestApplyPaymentRejectsNonPositiveAmount(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	pay(t, f, inv, "10")

	for _, amount := range []string{"0", "-5"} {
		_, err := f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
			InvoiceID: inv.ID.String(),
			Amount:    dec(amount),
		})
		assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount, "amount %s", amount)
	}

	entries, err := f.Ledger.ListEntries(f.Ctx(), inv.ID.String())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.True(t, f.Reload(t, inv.ID).PaidAmount.Equal(dec("10")))
}

func TestReversePaymentRejectsInvalidAmount(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)

	_, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    decimal.Zero,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("-1"),
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestPaymentOnUnknownInvoice(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)

	_, err := f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
		InvoiceID: f.Node.Generate().String(),
		Amount:    dec("10"),
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvoiceNotFound)

	_, err = f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
		InvoiceID: "not-an-id",
		Amount:    dec("10"),
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvoiceNotFound)

	// another tenant cannot see the invoice
	_, err = f.Ledger.ApplyPayment(f.CtxFor(f.Node.Generate()), ledgerdomain.ApplyPaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("10"),
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvoiceNotFound)

	_, err = f.Ledger.ApplyPayment(context.Background(), ledgerdomain.ApplyPaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("10"),
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidOrganization)
}

func TestReversalOnUnknownInvoice(t *testing.T) {
	f := billingtest.New(t)

	for _, id := range []string{f.Node.Generate().String(), "not-an-id"} {
		_, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
			InvoiceID: id,
			Amount:    dec("10"),
			Reason:    "refund",
		})
		require.ErrorIs(t, err, ledgerdomain.ErrPaymentNotFound, "invoice %s", id)
		require.ErrorIs(t, err, ledgerdomain.ErrInvoiceNotFound, "invoice %s", id)
	}
}

func TestPaymentOnCancelledInvoice(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	_, err := f.Invoices.CancelInvoice(f.Ctx(), inv.ID.String(), "duplicate")
	require.NoError(t, err)

	_, err = f.Ledger.ApplyPayment(f.Ctx(), ledgerdomain.ApplyPaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("10"),
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvoiceCancelled)
}

func TestOverpaymentIsAccepted(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	pay(t, f, inv, "150")

	stored := assertLedgerConsistent(t, f, inv)
	assert.Equal(t, billingstatus.StatusPaid, stored.Status)
	assert.True(t, stored.PaidAmount.Equal(dec("150")))
	assert.True(t, stored.Outstanding().IsZero())
}

func TestReverseSpecificEntry(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	first := pay(t, f, inv, "60")
	second := pay(t, f, inv, "40")

	reversal, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		EntryID:   first.ID.String(),
		Reason:    "refund",
	})
	require.NoError(t, err)
	require.NotNil(t, reversal.ReversesEntryID)
	assert.Equal(t, first.ID, *reversal.ReversesEntryID)
	assert.True(t, reversal.Amount.Equal(dec("-60")))

	stored := assertLedgerConsistent(t, f, inv)
	assert.Equal(t, billingstatus.StatusPartial, stored.Status)

	_, err = f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		EntryID:   first.ID.String(),
		Reason:    "again",
	})
	require.ErrorIs(t, err, ledgerdomain.ErrAlreadyReversed)

	// partial reversal narrows what is left of the entry
	_, err = f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		EntryID:   second.ID.String(),
		Amount:    dec("10"),
		Reason:    "partial refund",
	})
	require.NoError(t, err)
	_, err = f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		EntryID:   second.ID.String(),
		Amount:    dec("40"),
		Reason:    "too much",
	})
	require.ErrorIs(t, err, ledgerdomain.ErrAlreadyReversed)

	stored = assertLedgerConsistent(t, f, inv)
	assert.True(t, stored.PaidAmount.Equal(dec("30")))
}

func TestReverseUnknownEntry(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	pay(t, f, inv, "50")
	reversal, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("5"),
	})
	require.NoError(t, err)

	_, err = f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		EntryID:   f.Node.Generate().String(),
	})
	require.ErrorIs(t, err, ledgerdomain.ErrPaymentNotFound)

	// a reversal entry is not itself reversible
	_, err = f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		EntryID:   reversal.ID.String(),
	})
	require.ErrorIs(t, err, ledgerdomain.ErrPaymentNotFound)
}

func TestPaymentDateFollowsCoverage(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)

	pay(t, f, inv, "100")
	firstPaidAt := assertLedgerConsistent(t, f, inv).PaymentDate
	require.NotNil(t, firstPaidAt)

	f.Clock.AdvanceDays(1)
	pay(t, f, inv, "5")
	stored := assertLedgerConsistent(t, f, inv)
	require.NotNil(t, stored.PaymentDate)
	assert.True(t, stored.PaymentDate.Equal(*firstPaidAt), "payment date must keep its first value")

	_, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("20"),
		Reason:    "partial chargeback",
	})
	require.NoError(t, err)
	stored = assertLedgerConsistent(t, f, inv)
	assert.Equal(t, billingstatus.StatusPartial, stored.Status)
	assert.Nil(t, stored.PaymentDate)
}

func TestPaymentResetsSubscriptionEscalation(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindTenantSubscription, "200", "0", -12)
	require.Equal(t, escalationdomain.LevelFullLockout, inv.EscalationLevel)

	pay(t, f, inv, "200")
	stored := assertLedgerConsistent(t, f, inv)
	assert.Equal(t, escalationdomain.LevelNoRestriction, stored.EscalationLevel)
	assert.NotNil(t, stored.EscalationResetAt)
}

func TestLedgerMutationsAreAudited(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	pay(t, f, inv, "100")
	_, err := f.Ledger.ReversePayment(f.Ctx(), ledgerdomain.ReversePaymentRequest{
		InvoiceID: inv.ID.String(),
		Amount:    dec("100"),
		Reason:    "refund",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		auditdomain.ActionInvoiceCreate,
		auditdomain.ActionPaymentApply,
		auditdomain.ActionPaymentReverse,
	}, f.AuditActions(t))

	entries, err := f.Ledger.ListEntries(f.Ctx(), inv.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "staff-1", entries[0].RecordedBy)
	assert.Equal(t, ledgerdomain.MethodPix, entries[0].Method)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := billingtest.New(t)
	inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
	pay(t, f, inv, "100")

	// simulate a cache written outside the ledger
	require.NoError(t, f.DB.Exec(
		"UPDATE invoices SET paid_amount = ?, status = ? WHERE id = ?",
		"40", string(billingstatus.StatusPartial), inv.ID,
	).Error)

	result, err := f.Ledger.Reconcile(f.SystemCtx(), inv.ID.String())
	require.NoError(t, err)
	assert.True(t, result.PaidDrift)
	assert.True(t, result.DerivedDrift)
	assert.True(t, result.CachedPaid.Equal(dec("40")))
	assert.True(t, result.LedgerPaid.Equal(dec("100")))
	assert.Equal(t, string(billingstatus.StatusPaid), result.StatusAfter)

	stored := assertLedgerConsistent(t, f, inv)
	assert.Equal(t, billingstatus.StatusPaid, stored.Status)
	assert.Contains(t, f.AuditActions(t), auditdomain.ActionLedgerReconcile)

	again, err := f.Ledger.Reconcile(f.SystemCtx(), inv.ID.String())
	require.NoError(t, err)
	assert.False(t, again.PaidDrift)
	assert.False(t, again.DerivedDrift)
}

func TestReconcileAllWalksEveryInvoice(t *testing.T) {
	f := billingtest.New(t)
	var drifted invoicedomain.Invoice
	for i := 0; i < 5; i++ {
		inv := f.CreateInvoice(t, invoicedomain.KindPatientService, "100", "0", 10)
		pay(t, f, inv, "25")
		if i == 3 {
			drifted = inv
		}
	}
	require.NoError(t, f.DB.Exec("UPDATE invoices SET paid_amount = ? WHERE id = ?", "0", drifted.ID).Error)

	summary, err := f.Ledger.ReconcileAll(f.SystemCtx(), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Scanned)
	assert.Equal(t, 1, summary.Repaired)
	assert.Equal(t, 0, summary.Failed)
	require.Len(t, summary.Drifted, 1)
	assert.Equal(t, drifted.ID, summary.Drifted[0].InvoiceID)
	assert.True(t, f.Reload(t, drifted.ID).PaidAmount.Equal(dec("25")))
}
