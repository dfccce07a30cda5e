// Package events records notification events for downstream delivery
// (email/webhook workers). The billing core only emits; it never blocks on
// or fails because of delivery.
package events

// Notification event types emitted by the billing core.
const (
	EventInvoiceIssued            = "invoice.issued"
	EventInvoiceOverdue           = "invoice.overdue"
	EventPaymentFailed            = "payment.failed"
	EventPaymentSettled           = "payment.settled"
	EventSubscriptionPastDue      = "subscription.past_due"
	EventSubscriptionCancelled    = "subscription.cancelled"
	EventRefundProcessed          = "refund.processed"
	EventRefundRequiresApproval   = "refund.requires_approval"
	EventExchangeRateStale        = "exchange_rate.stale"
	EventVendorPayoutScheduled    = "vendor_payout.scheduled"
	EventCreditBalanceAdjusted    = "credit.balance_adjusted"
	EventSubscriptionTrialExpired = "subscription.trial_expired"
)
