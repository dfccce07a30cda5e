package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/config"
	creditdomain "github.com/smallbiznis/revara/internal/credit/domain"
	customerrepo "github.com/smallbiznis/revara/internal/customer/repository"
	"github.com/smallbiznis/revara/internal/events"
	invoicedomain "github.com/smallbiznis/revara/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/revara/internal/invoice/repository"
	obsmetrics "github.com/smallbiznis/revara/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/revara/internal/payment/domain"
	"github.com/smallbiznis/revara/internal/payment/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// chargeNamespace seeds the deterministic idempotency keys handed to the
// gateway. Changing it would re-open the door to double charges on replays.
var chargeNamespace = uuid.MustParse("7b0e6fd8-4f2a-4a5b-9a6e-0d6b5c1e9a41")

// allocateMaxRetries bounds the optimistic-lock retry loop per invoice.
const allocateMaxRetries = 3

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Billing      *config.BillingConfigHolder
	Repo         *repository.Repository
	InvoiceRepo  *invoicerepo.Repository
	CustomerRepo *customerrepo.Repository
	Credit       creditdomain.Ledger
	Gateway      paymentdomain.Gateway
	Outbox       *events.Outbox
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	billing      *config.BillingConfigHolder
	repo         *repository.Repository
	invoiceRepo  *invoicerepo.Repository
	customerRepo *customerrepo.Repository
	credit       creditdomain.Ledger
	gateway      paymentdomain.Gateway
	outbox       *events.Outbox
}

func NewService(p Params) paymentdomain.Allocator {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("payment.allocator"),
		genID:        p.GenID,
		clock:        p.Clock,
		billing:      p.Billing,
		repo:         p.Repo,
		invoiceRepo:  p.InvoiceRepo,
		customerRepo: p.CustomerRepo,
		credit:       p.Credit,
		gateway:      p.Gateway,
		outbox:       p.Outbox,
	}
}

// ChargeIdempotencyKey derives the gateway dedupe key for one collection
// attempt. Same invoice and attempt always yield the same key, so a crashed
// worker replaying the attempt cannot charge twice.
func ChargeIdempotencyKey(invoiceID snowflake.ID, attempt int) string {
	return uuid.NewSHA1(chargeNamespace, []byte(fmt.Sprintf("invoice:%d:attempt:%d", invoiceID, attempt))).String()
}

func (s *Service) Collect(ctx context.Context, req paymentdomain.CollectRequest) (*paymentdomain.PaymentTransaction, error) {
	// The replay check comes before any invoice-state guard. A settled
	// prior attempt may already have marked the invoice paid, and the
	// replay must still return it instead of erroring on the closed
	// invoice. Re-running allocation is safe: it is a no-op once the
	// payment has allocations, and it heals a crash that landed between
	// capture and allocation.
	key := ChargeIdempotencyKey(req.InvoiceID, req.AttemptNumber)
	if prior, err := s.repo.FindByIdempotencyKey(ctx, nil, key); err != nil {
		return nil, err
	} else if prior != nil {
		if prior.Status.Settled() {
			if err := s.Allocate(ctx, prior.ID, prior.InvoiceID); err != nil {
				return nil, err
			}
		}
		return prior, nil
	}

	invoice, err := s.invoiceRepo.FindByID(ctx, nil, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !invoice.Status.Open() || !invoice.AmountDue.IsPositive() {
		return nil, invoicedomain.ErrInvoiceNotIssued
	}

	method, err := s.customerRepo.FindDefaultPaymentMethod(ctx, nil, req.CustomerID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	payment := &paymentdomain.PaymentTransaction{
		ID:              s.genID.Generate(),
		CustomerID:      req.CustomerID,
		InvoiceID:       &invoice.ID,
		PaymentMethodID: &method.ID,
		Provider:        method.Provider,
		Reference:       "pay_" + ulid.Make().String(),
		IdempotencyKey:  key,
		Currency:        invoice.CurrencyCode,
		Amount:          invoice.AmountDue,
		AmountRefunded:  decimal.Zero,
		GatewayFee:      decimal.Zero,
		Status:          paymentdomain.PaymentStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, nil, payment); err != nil {
		return nil, err
	}

	result, err := s.gateway.Charge(ctx, paymentdomain.ChargeRequest{
		Reference:      payment.Reference,
		IdempotencyKey: key,
		MethodToken:    method.Token,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Description:    fmt.Sprintf("invoice %s", invoice.ID),
	})
	if err != nil {
		// Transport failure: leave the transaction PENDING for the
		// reconciliation sweep rather than guessing the outcome.
		s.log.Warn("gateway charge errored",
			zap.String("payment_reference", payment.Reference),
			zap.Error(err),
		)
		s.recordAttempt(ctx, invoice, payment, req.AttemptNumber, paymentdomain.AttemptStatusPending, "gateway_error", false)
		return payment, err
	}

	switch result.Status {
	case paymentdomain.GatewayStatusCaptured:
		if err := s.settleCapture(ctx, payment, invoice, result, req.AttemptNumber); err != nil {
			return nil, err
		}
	case paymentdomain.GatewayStatusFailed:
		if err := s.repo.MarkFailed(ctx, nil, payment.ID, result.FailureCode, result.FailureMessage, s.clock.Now()); err != nil {
			return nil, err
		}
		payment.Status = paymentdomain.PaymentStatusFailed
		payment.FailureCode = &result.FailureCode
		s.recordAttempt(ctx, invoice, payment, req.AttemptNumber, paymentdomain.AttemptStatusFailed, result.FailureCode, result.RequiresAuthentication)
		obsmetrics.Billing().IncPaymentAttempt("failed")
		s.outbox.Emit(ctx, events.Event{
			CustomerID: invoice.CustomerID,
			Type:       events.EventPaymentFailed,
			DedupeKey:  fmt.Sprintf("payment.failed:%s", payment.Reference),
			Payload: map[string]any{
				"invoice_id":   invoice.ID.String(),
				"payment_id":   payment.ID.String(),
				"failure_code": result.FailureCode,
				"attempt":      req.AttemptNumber,
			},
		})
	default:
		payment.ProviderRef = result.ProviderRef
		_ = s.db.WithContext(ctx).Model(&paymentdomain.PaymentTransaction{}).
			Where("id = ?", payment.ID).
			Update("provider_ref", result.ProviderRef).Error
		s.recordAttempt(ctx, invoice, payment, req.AttemptNumber, paymentdomain.AttemptStatusPending, "", result.RequiresAuthentication)
		obsmetrics.Billing().IncPaymentAttempt("pending")
	}

	return s.repo.FindByID(ctx, nil, payment.ID)
}

// settleCapture persists the capture and runs allocation.
func (s *Service) settleCapture(ctx context.Context, payment *paymentdomain.PaymentTransaction, invoice *invoicedomain.Invoice, result paymentdomain.ChargeResult, attempt int) error {
	now := s.clock.Now()
	if err := s.repo.MarkCaptured(ctx, nil, payment.ID, result.ProviderRef, result.Fee, now); err != nil {
		return err
	}
	payment.Status = paymentdomain.PaymentStatusCaptured
	payment.ProviderRef = result.ProviderRef
	payment.GatewayFee = result.Fee
	payment.CapturedAt = &now

	s.recordAttempt(ctx, invoice, payment, attempt, paymentdomain.AttemptStatusSucceeded, "", false)
	obsmetrics.Billing().IncPaymentAttempt("captured")
	s.outbox.Emit(ctx, events.Event{
		CustomerID: payment.CustomerID,
		Type:       events.EventPaymentSettled,
		DedupeKey:  fmt.Sprintf("payment.settled:%s", payment.Reference),
		Payload: map[string]any{
			"payment_id": payment.ID.String(),
			"amount":     payment.Amount.String(),
			"currency":   payment.Currency,
		},
	})

	return s.Allocate(ctx, payment.ID, payment.InvoiceID)
}

func (s *Service) recordAttempt(ctx context.Context, invoice *invoicedomain.Invoice, payment *paymentdomain.PaymentTransaction, attemptNumber int, status paymentdomain.AttemptStatus, failureReason string, requiresAuth bool) {
	attempt := paymentdomain.PaymentAttempt{
		ID:                     s.genID.Generate(),
		CustomerID:             invoice.CustomerID,
		InvoiceID:              invoice.ID,
		PaymentID:              &payment.ID,
		PaymentMethodID:        payment.PaymentMethodID,
		AttemptNumber:          attemptNumber,
		AttemptedAmount:        payment.Amount,
		Status:                 status,
		RequiresAuthentication: requiresAuth,
		CreatedAt:              s.clock.Now(),
	}
	if failureReason != "" {
		attempt.FailureReason = &failureReason
	}
	if status == paymentdomain.AttemptStatusFailed {
		next := s.clock.Now().Add(s.billing.Current().Backoff(attemptNumber))
		attempt.NextRetryAt = &next
	}
	if err := s.repo.InsertAttempt(ctx, nil, &attempt); err != nil {
		s.log.Warn("payment attempt not recorded",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) Allocate(ctx context.Context, paymentID snowflake.ID, targetInvoiceID *snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.FindByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if !payment.Status.Settled() {
			return paymentdomain.ErrPaymentNotSettled
		}

		// Replay guard: a payment is allocated exactly once.
		existing, err := s.repo.AllocationsForPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}

		remaining := payment.Amount

		if targetInvoiceID != nil {
			applied, err := s.allocateToInvoice(ctx, tx, payment, *targetInvoiceID, remaining)
			if err != nil {
				return err
			}
			remaining = remaining.Sub(applied)
		}

		if remaining.IsPositive() {
			open, err := s.invoiceRepo.FindOpenByCustomer(ctx, tx, payment.CustomerID)
			if err != nil {
				return err
			}
			for _, invoice := range open {
				if !remaining.IsPositive() {
					break
				}
				if targetInvoiceID != nil && invoice.ID == *targetInvoiceID {
					continue
				}
				if invoice.CurrencyCode != payment.Currency {
					continue
				}
				applied, err := s.allocateToInvoice(ctx, tx, payment, invoice.ID, remaining)
				if err != nil {
					return err
				}
				remaining = remaining.Sub(applied)
			}
		}

		if remaining.IsPositive() {
			_, err := s.credit.Grant(ctx, tx, creditdomain.Movement{
				CustomerID: payment.CustomerID,
				Currency:   payment.Currency,
				Amount:     remaining,
				Type:       creditdomain.CreditTxOverpayment,
				Reference:  payment.Reference,
				PaymentID:  &payment.ID,
			})
			if err != nil {
				return err
			}
			obsmetrics.Billing().IncAllocation(obsmetrics.AllocationTargetCredit)
		}
		return nil
	})
}

// allocateToInvoice applies up to upTo of the payment to one invoice under
// the invoice's optimistic version lock.
func (s *Service) allocateToInvoice(ctx context.Context, tx *gorm.DB, payment *paymentdomain.PaymentTransaction, invoiceID snowflake.ID, upTo decimal.Decimal) (decimal.Decimal, error) {
	for try := 0; try < allocateMaxRetries; try++ {
		invoice, err := s.invoiceRepo.FindByID(ctx, tx, invoiceID)
		if err != nil {
			return decimal.Zero, err
		}
		if !invoice.Status.Open() || !invoice.AmountDue.IsPositive() {
			return decimal.Zero, nil
		}

		applied := decimal.Min(invoice.AmountDue, upTo)
		newPaid := invoice.AmountPaid.Add(applied)
		newDue := invoice.AmountDue.Sub(applied)
		status := invoicedomain.InvoiceStatusPartiallyPaid
		var paidAt *time.Time
		if newDue.IsZero() {
			status = invoicedomain.InvoiceStatusPaid
			now := s.clock.Now()
			paidAt = &now
		}

		ok, err := s.invoiceRepo.ApplyBalanceVersioned(ctx, tx, invoice.ID, invoice.Version, newPaid, newDue, status, paidAt)
		if err != nil {
			return decimal.Zero, err
		}
		if !ok {
			// Version moved under us; reload and retry.
			continue
		}

		allocation := paymentdomain.InvoicePayment{
			ID:                  s.genID.Generate(),
			PaymentID:           payment.ID,
			InvoiceID:           invoice.ID,
			Kind:                paymentdomain.AllocationKindPayment,
			Amount:              applied,
			InvoiceBalanceAfter: newDue,
			IsFullPayment:       newDue.IsZero(),
			CreatedAt:           s.clock.Now(),
		}
		if err := s.repo.InsertAllocation(ctx, tx, &allocation); err != nil {
			return decimal.Zero, err
		}
		obsmetrics.Billing().IncAllocation(obsmetrics.AllocationTargetInvoice)
		return applied, nil
	}
	return decimal.Zero, paymentdomain.ErrAllocationConflict
}

func (s *Service) ReconcilePending(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.billing.Current().PendingReconcileAfter())
	pending, err := s.repo.FindPendingOlderThan(ctx, nil, cutoff, 100)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range pending {
		payment := pending[i]
		if payment.ProviderRef == "" {
			// Charge never reached the provider; safe to fail locally.
			if err := s.repo.MarkFailed(ctx, nil, payment.ID, "never_submitted", "no provider reference recorded", now); err != nil {
				return settled, err
			}
			settled++
			continue
		}

		result, err := s.gateway.Lookup(ctx, payment.ProviderRef)
		if err != nil {
			s.log.Warn("pending payment lookup failed",
				zap.String("payment_reference", payment.Reference),
				zap.Error(err),
			)
			continue
		}

		switch result.Status {
		case paymentdomain.GatewayStatusCaptured:
			if err := s.repo.MarkCaptured(ctx, nil, payment.ID, result.ProviderRef, result.Fee, now); err != nil {
				return settled, err
			}
			s.outbox.Emit(ctx, events.Event{
				CustomerID: payment.CustomerID,
				Type:       events.EventPaymentSettled,
				DedupeKey:  fmt.Sprintf("payment.settled:%s", payment.Reference),
				Payload: map[string]any{
					"payment_id": payment.ID.String(),
					"amount":     payment.Amount.String(),
					"currency":   payment.Currency,
				},
			})
			if err := s.Allocate(ctx, payment.ID, payment.InvoiceID); err != nil {
				return settled, err
			}
			settled++
		case paymentdomain.GatewayStatusFailed:
			if err := s.repo.MarkFailed(ctx, nil, payment.ID, result.FailureCode, result.FailureMessage, now); err != nil {
				return settled, err
			}
			settled++
		}
	}
	return settled, nil
}
