package domain

// Audit actions recorded by the billing core.
const (
	ActionInvoiceCreate     = "invoice.create"
	ActionInvoiceCancel     = "invoice.cancel"
	ActionPaymentApply      = "payment.apply"
	ActionPaymentReverse    = "payment.reverse"
	ActionLedgerReconcile   = "ledger.reconcile"
	ActionEscalationSet     = "escalation.override.set"
	ActionEscalationClear   = "escalation.override.clear"
	ActionRemindersMarkRead = "reminder.mark_all_read"

	TargetInvoice = "invoice"
	TargetPayment = "payment_entry"
	TargetTenant  = "tenant"
)
