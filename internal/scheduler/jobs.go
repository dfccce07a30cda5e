package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/config"
	creditdomain "github.com/smallbiznis/revara/internal/credit/domain"
	"github.com/smallbiznis/revara/internal/events"
	invoicedomain "github.com/smallbiznis/revara/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/revara/internal/invoice/repository"
	obsmetrics "github.com/smallbiznis/revara/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/revara/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/revara/internal/payment/repository"
	subscriptiondomain "github.com/smallbiznis/revara/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/revara/internal/subscription/repository"
	vendordomain "github.com/smallbiznis/revara/internal/vendorcost/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const applyCreditMaxRetries = 3

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Billing     *config.BillingConfigHolder
	SubRepo     *subscriptionrepo.Repository
	InvoiceRepo *invoicerepo.Repository
	PaymentRepo *paymentrepo.Repository
	Invoices    invoicedomain.Service
	Payments    paymentdomain.Allocator
	Credit      creditdomain.Ledger
	Vendor      vendordomain.Tracker
	Outbox      *events.Outbox

	Config Config `optional:"true"`
}

// Worker implements the billing sweep jobs.
type Worker struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	subRepo     *subscriptionrepo.Repository
	invoiceRepo *invoicerepo.Repository
	paymentRepo *paymentrepo.Repository
	invoices    invoicedomain.Service
	payments    paymentdomain.Allocator
	credit      creditdomain.Ledger
	vendor      vendordomain.Tracker
	outbox      *events.Outbox
	batchSize   int
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:          p.DB,
		log:         p.Log.Named("scheduler.worker"),
		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		subRepo:     p.SubRepo,
		invoiceRepo: p.InvoiceRepo,
		paymentRepo: p.PaymentRepo,
		invoices:    p.Invoices,
		payments:    p.Payments,
		credit:      p.Credit,
		vendor:      p.Vendor,
		outbox:      p.Outbox,
		batchSize:   p.Config.withDefaults().BatchSize,
	}
}

// NewScheduler assembles the worker's jobs into the run loop. Order matters:
// trials convert before the billing sweep so a trial ending today is charged
// in the same tick.
func NewScheduler(p Params) *Scheduler {
	w := NewWorker(p)
	return newScheduler(p.Config, p.Log, p.Clock, []job{
		{name: "trial_expiry", run: w.ExpireTrials},
		{name: "subscription_billing", run: w.BillDueSubscriptions},
		{name: "invoice_overdue", run: w.MarkOverdueInvoices},
		{name: "payment_reconcile", run: w.ReconcilePendingPayments},
		{name: "vendor_payouts", run: w.ScheduleVendorPayouts},
	})
}

// ExpireTrials converts run-out trials to active subscriptions due for their
// first charge now.
func (w *Worker) ExpireTrials(ctx context.Context, now time.Time) error {
	var converted []subscriptiondomain.Subscription
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subs, err := w.subRepo.ClaimExpiredTrials(ctx, tx, now, w.batchSize)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			err := w.subRepo.Update(ctx, tx, sub.ID, map[string]any{
				"status":               subscriptiondomain.StatusActive,
				"current_period_start": now,
				"current_period_end":   sub.Interval.Advance(now),
				"next_billing_at":      now,
				"updated_at":           now,
			})
			if err != nil {
				return err
			}
			converted = append(converted, sub)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, sub := range converted {
		w.outbox.Emit(ctx, events.Event{
			CustomerID: sub.CustomerID,
			Type:       events.EventSubscriptionTrialExpired,
			DedupeKey:  "subscription.trial_expired:" + sub.ID.String(),
			Payload:    map[string]any{"subscription_id": sub.ID.String()},
		})
	}
	obsmetrics.Billing().AddBatchProcessed("trial_expiry", "subscription", len(converted))
	return nil
}

// BillDueSubscriptions runs one billing cycle for every due subscription.
// One subscription failing never stops the sweep.
func (w *Worker) BillDueSubscriptions(ctx context.Context, now time.Time) error {
	var subs []subscriptiondomain.Subscription
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := w.subRepo.ClaimDue(ctx, tx, now, w.batchSize)
		if err != nil {
			return err
		}
		// Park the claims so a crashed run is retried next tick rather
		// than re-claimed mid-flight by a peer.
		for _, sub := range claimed {
			err := w.subRepo.Update(ctx, tx, sub.ID, map[string]any{
				"next_billing_at": now.Add(w.billing.Current().PendingReconcileAfter()),
				"updated_at":      now,
			})
			if err != nil {
				return err
			}
		}
		subs = claimed
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	billed := 0
	for i := range subs {
		if err := w.billSubscription(ctx, now, &subs[i]); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", subs[i].ID, err))
			continue
		}
		billed++
	}
	obsmetrics.Billing().AddBatchProcessed("subscription_billing", "subscription", billed)
	return errors.Join(errs...)
}

func (w *Worker) billSubscription(ctx context.Context, now time.Time, sub *subscriptiondomain.Subscription) error {
	if sub.CancelAtPeriodEnd {
		// Periods bill in advance, so a tick with no invoice for the
		// current period is the renewal boundary. A dunning retry on an
		// already issued period still collects before the cancel lands.
		existing, err := w.invoiceRepo.FindBySubscriptionPeriod(ctx, nil, sub.ID, sub.CurrentPeriodStart)
		if err != nil {
			return err
		}
		if existing == nil {
			return w.cancelSubscription(ctx, now, sub, "end_of_period")
		}
	}

	periodStart := sub.CurrentPeriodStart
	periodEnd := sub.CurrentPeriodEnd
	invoice, err := w.invoices.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: sub.CustomerID,
		Lines: []invoicedomain.LineInput{{
			Description: sub.Description,
			LineType:    invoicedomain.LineTypeService,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   sub.Amount,
		}},
		SubscriptionID:  &sub.ID,
		PeriodStart:     &periodStart,
		PeriodEnd:       &periodEnd,
		DisplayCurrency: sub.Currency,
		IssueDate:       now,
	})
	if err != nil {
		return err
	}

	creditApplied := decimal.Zero
	if invoice.AmountDue.IsPositive() {
		if invoice, creditApplied, err = w.applyCredit(ctx, sub, invoice); err != nil {
			return err
		}
	}
	if !invoice.AmountDue.IsPositive() {
		// Settled without touching the gateway: either credit covered it
		// in this run or an earlier charge already landed.
		outcome := subscriptiondomain.CycleOutcomePaid
		if creditApplied.IsPositive() {
			outcome = subscriptiondomain.CycleOutcomeCoveredCredit
		}
		return w.settleCycle(ctx, now, sub, invoice, outcome, "")
	}

	failed, err := w.paymentRepo.CountFailedAttempts(ctx, nil, invoice.ID)
	if err != nil {
		return err
	}
	attempt := failed + 1

	payment, err := w.payments.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID:    sub.CustomerID,
		InvoiceID:     invoice.ID,
		AttemptNumber: attempt,
	})
	if err != nil {
		// Undecided gateway outcome; the reconcile sweep will settle
		// it. Keep the subscription parked until then.
		w.recordHistory(ctx, sub, invoice, subscriptiondomain.CycleOutcomeBilled, "gateway_undecided")
		return err
	}

	switch payment.Status {
	case paymentdomain.PaymentStatusCaptured:
		return w.settleCycle(ctx, now, sub, invoice, subscriptiondomain.CycleOutcomePaid, "")
	case paymentdomain.PaymentStatusFailed:
		return w.handleFailedCharge(ctx, now, sub, invoice, attempt, payment)
	default:
		w.recordHistory(ctx, sub, invoice, subscriptiondomain.CycleOutcomeBilled, "awaiting_settlement")
		return nil
	}
}

// applyCredit draws down the customer's credit balance against the invoice
// before any gateway charge.
func (w *Worker) applyCredit(ctx context.Context, sub *subscriptiondomain.Subscription, invoice *invoicedomain.Invoice) (*invoicedomain.Invoice, decimal.Decimal, error) {
	applied := decimal.Zero
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for try := 0; try < applyCreditMaxRetries; try++ {
			current, err := w.invoiceRepo.FindByID(ctx, tx, invoice.ID)
			if err != nil {
				return err
			}
			if !current.Status.Open() || !current.AmountDue.IsPositive() {
				return nil
			}

			consumed, err := w.credit.Consume(ctx, tx, creditdomain.Movement{
				CustomerID: sub.CustomerID,
				Currency:   current.CurrencyCode,
				Amount:     current.AmountDue,
				Type:       creditdomain.CreditTxConsume,
				Reference:  "invoice:" + invoice.ID.String(),
				InvoiceID:  &invoice.ID,
			})
			if err != nil {
				return err
			}
			if !consumed.IsPositive() {
				return nil
			}
			applied = consumed

			newPaid := current.AmountPaid.Add(consumed)
			newDue := current.AmountDue.Sub(consumed)
			status := invoicedomain.InvoiceStatusPartiallyPaid
			var paidAt *time.Time
			if newDue.IsZero() {
				status = invoicedomain.InvoiceStatusPaid
				paid := w.clock.Now()
				paidAt = &paid
			}
			ok, err := w.invoiceRepo.ApplyBalanceVersioned(ctx, tx, current.ID, current.Version, newPaid, newDue, status, paidAt)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
		return paymentdomain.ErrAllocationConflict
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	current, err := w.invoiceRepo.FindByID(ctx, nil, invoice.ID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return current, applied, nil
}

// settleCycle records the outcome and rolls the subscription into its next
// period.
func (w *Worker) settleCycle(ctx context.Context, now time.Time, sub *subscriptiondomain.Subscription, invoice *invoicedomain.Invoice, outcome subscriptiondomain.CycleOutcome, detail string) error {
	nextStart := sub.CurrentPeriodEnd
	nextEnd := sub.Interval.Advance(nextStart)
	err := w.subRepo.Update(ctx, nil, sub.ID, map[string]any{
		"status":               subscriptiondomain.StatusActive,
		"current_period_start": nextStart,
		"current_period_end":   nextEnd,
		"next_billing_at":      nextStart,
		"past_due_since":       nil,
		"updated_at":           now,
	})
	if err != nil {
		return err
	}
	w.recordHistory(ctx, sub, invoice, outcome, detail)
	return nil
}

func (w *Worker) handleFailedCharge(ctx context.Context, now time.Time, sub *subscriptiondomain.Subscription, invoice *invoicedomain.Invoice, attempt int, payment *paymentdomain.PaymentTransaction) error {
	detail := "charge_failed"
	if payment.FailureCode != nil {
		detail = *payment.FailureCode
	}
	w.recordHistory(ctx, sub, invoice, subscriptiondomain.CycleOutcomeFailed, detail)

	cfg := w.billing.Current()
	if attempt >= cfg.MaxRetryAttempts {
		return w.cancelSubscription(ctx, now, sub, "payment_retries_exhausted")
	}

	fields := map[string]any{
		"status":          subscriptiondomain.StatusPastDue,
		"next_billing_at": now.Add(cfg.Backoff(attempt)),
		"updated_at":      now,
	}
	if sub.PastDueSince == nil {
		fields["past_due_since"] = now
	}
	if err := w.subRepo.Update(ctx, nil, sub.ID, fields); err != nil {
		return err
	}

	if sub.Status != subscriptiondomain.StatusPastDue {
		w.outbox.Emit(ctx, events.Event{
			CustomerID: sub.CustomerID,
			Type:       events.EventSubscriptionPastDue,
			DedupeKey:  "subscription.past_due:" + sub.ID.String(),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"invoice_id":      invoice.ID.String(),
				"attempt":         attempt,
			},
		})
	}
	return nil
}

func (w *Worker) cancelSubscription(ctx context.Context, now time.Time, sub *subscriptiondomain.Subscription, reason string) error {
	err := w.subRepo.Update(ctx, nil, sub.ID, map[string]any{
		"status":          subscriptiondomain.StatusCancelled,
		"cancelled_at":    now,
		"next_billing_at": nil,
		"updated_at":      now,
	})
	if err != nil {
		return err
	}
	w.outbox.Emit(ctx, events.Event{
		CustomerID: sub.CustomerID,
		Type:       events.EventSubscriptionCancelled,
		DedupeKey:  "subscription.cancelled:" + sub.ID.String(),
		Payload: map[string]any{
			"subscription_id": sub.ID.String(),
			"reason":          reason,
		},
	})
	w.log.Info("subscription cancelled",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (w *Worker) recordHistory(ctx context.Context, sub *subscriptiondomain.Subscription, invoice *invoicedomain.Invoice, outcome subscriptiondomain.CycleOutcome, detail string) {
	row := subscriptiondomain.BillingHistory{
		ID:             w.genID.Generate(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Amount:         sub.Amount,
		Outcome:        outcome,
		CreatedAt:      w.clock.Now(),
	}
	if invoice != nil {
		row.InvoiceID = &invoice.ID
	}
	if detail != "" {
		row.Detail = &detail
	}
	if err := w.subRepo.InsertHistory(ctx, nil, &row); err != nil {
		w.log.Warn("billing history not recorded",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
	}
}

// MarkOverdueInvoices flags issued invoices past their due date.
func (w *Worker) MarkOverdueInvoices(ctx context.Context, now time.Time) error {
	count, err := w.invoices.MarkOverdue(ctx, now)
	if err != nil {
		return err
	}
	if count > 0 {
		w.log.Info("invoices marked overdue", zap.Int("count", count))
	}
	obsmetrics.Billing().AddBatchProcessed("invoice_overdue", "invoice", count)
	return nil
}

// ReconcilePendingPayments settles transactions the gateway left undecided.
func (w *Worker) ReconcilePendingPayments(ctx context.Context, now time.Time) error {
	settled, err := w.payments.ReconcilePending(ctx, now)
	if err != nil {
		return err
	}
	obsmetrics.Billing().AddBatchProcessed("payment_reconcile", "payment", settled)
	return nil
}

// ScheduleVendorPayouts batches unassigned vendor costs into payouts.
func (w *Worker) ScheduleVendorPayouts(ctx context.Context, now time.Time) error {
	payouts, err := w.vendor.SchedulePayouts(ctx, now)
	if err != nil {
		return err
	}
	obsmetrics.Billing().AddBatchProcessed("vendor_payouts", "payout", len(payouts))
	return nil
}
