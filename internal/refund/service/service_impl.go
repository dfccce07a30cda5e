package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/config"
	creditdomain "github.com/smallbiznis/revara/internal/credit/domain"
	"github.com/smallbiznis/revara/internal/events"
	invoicedomain "github.com/smallbiznis/revara/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/revara/internal/invoice/repository"
	"github.com/smallbiznis/revara/internal/money"
	obsmetrics "github.com/smallbiznis/revara/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/revara/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/revara/internal/payment/repository"
	refunddomain "github.com/smallbiznis/revara/internal/refund/domain"
	vendordomain "github.com/smallbiznis/revara/internal/vendorcost/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// refundNamespace seeds deterministic gateway idempotency keys per refund.
var refundNamespace = uuid.MustParse("3f9c2a61-8d4e-4c0b-9be2-51a7c8d0f2e5")

const reopenMaxRetries = 3

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Billing     *config.BillingConfigHolder
	PaymentRepo *paymentrepo.Repository
	InvoiceRepo *invoicerepo.Repository
	Credit      creditdomain.Ledger
	Vendor      vendordomain.Tracker
	Gateway     paymentdomain.Gateway
	Outbox      *events.Outbox
}

type Auditor struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	paymentRepo *paymentrepo.Repository
	invoiceRepo *invoicerepo.Repository
	credit      creditdomain.Ledger
	vendor      vendordomain.Tracker
	gateway     paymentdomain.Gateway
	outbox      *events.Outbox
}

func NewAuditor(p Params) refunddomain.Auditor {
	return &Auditor{
		db:          p.DB,
		log:         p.Log.Named("refund.auditor"),
		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		paymentRepo: p.PaymentRepo,
		invoiceRepo: p.InvoiceRepo,
		credit:      p.Credit,
		vendor:      p.Vendor,
		gateway:     p.Gateway,
		outbox:      p.Outbox,
	}
}

func (a *Auditor) RequestRefund(ctx context.Context, req refunddomain.Request) (*refunddomain.Refund, error) {
	if strings.TrimSpace(req.Reason) == "" || strings.TrimSpace(req.RequestedBy) == "" {
		return nil, refunddomain.ErrMissingReason
	}
	if !req.Amount.IsPositive() {
		return nil, refunddomain.ErrInvalidRefund
	}

	payment, err := a.paymentRepo.FindByID(ctx, nil, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if !payment.Status.Settled() {
		return nil, paymentdomain.ErrPaymentNotSettled
	}
	if req.Amount.GreaterThan(payment.Refundable()) {
		return nil, paymentdomain.ErrRefundExceedsAmount
	}

	loss, err := a.projectLoss(ctx, payment, req.Amount)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	refund := &refunddomain.Refund{
		ID:          a.genID.Generate(),
		PaymentID:   payment.ID,
		CustomerID:  payment.CustomerID,
		Reference:   "rf_" + ulid.Make().String(),
		Amount:      req.Amount,
		Currency:    payment.Currency,
		Status:      refunddomain.RefundStatusRequested,
		Reason:      req.Reason,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	refund.IdempotencyKey = uuid.NewSHA1(refundNamespace, []byte(fmt.Sprintf("refund:%d", refund.ID))).String()

	if loss.net.GreaterThan(a.billing.Current().ApprovalThreshold()) {
		refund.Status = refunddomain.RefundStatusRequiresApproval
	}
	// The projected loss is recorded the moment the refund is parked, so
	// finance sees the exposure before anyone decides.
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(refund).Error; err != nil {
			return err
		}
		if refund.Status == refunddomain.RefundStatusRequiresApproval {
			return a.upsertLossAudit(ctx, tx, refund, payment, loss, refunddomain.LossApprovalPending)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if refund.Status == refunddomain.RefundStatusRequiresApproval {
		obsmetrics.Billing().IncRefund(obsmetrics.RefundOutcomeRequiresApproval)
		a.outbox.Emit(ctx, events.Event{
			CustomerID: payment.CustomerID,
			Type:       events.EventRefundRequiresApproval,
			DedupeKey:  "refund.approval:" + refund.Reference,
			Payload: map[string]any{
				"refund_id": refund.ID.String(),
				"amount":    refund.Amount.String(),
				"net_loss":  loss.net.String(),
				"currency":  refund.Currency,
			},
		})
		a.log.Info("refund parked for approval",
			zap.String("refund_reference", refund.Reference),
			zap.String("net_loss", loss.net.String()),
		)
		return refund, nil
	}

	return a.process(ctx, refund, payment, loss, req.RequestedBy)
}

func (a *Auditor) Approve(ctx context.Context, refundID snowflake.ID, approver string) (*refunddomain.Refund, error) {
	refund, err := a.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status != refunddomain.RefundStatusRequiresApproval {
		return nil, refunddomain.ErrRefundNotActionable
	}

	payment, err := a.paymentRepo.FindByID(ctx, nil, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	loss, err := a.projectLoss(ctx, payment, refund.Amount)
	if err != nil {
		return nil, err
	}
	return a.process(ctx, refund, payment, loss, approver)
}

func (a *Auditor) Reject(ctx context.Context, refundID snowflake.ID, approver, note string) (*refunddomain.Refund, error) {
	refund, err := a.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status != refunddomain.RefundStatusRequiresApproval {
		return nil, refunddomain.ErrRefundNotActionable
	}

	now := a.clock.Now()
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&refunddomain.Refund{}).
			Where("id = ?", refund.ID).
			Updates(map[string]any{
				"status":        refunddomain.RefundStatusRejected,
				"decided_by":    approver,
				"decision_note": note,
				"updated_at":    now,
			}).Error
		if err != nil {
			return err
		}
		// The parked projection stays on record as avoided loss.
		return tx.Model(&refunddomain.RefundLossAudit{}).
			Where("refund_id = ?", refund.ID).
			Updates(map[string]any{
				"approval_status": refunddomain.LossApprovalRejected,
				"updated_at":      now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	obsmetrics.Billing().IncRefund(obsmetrics.RefundOutcomeRejected)
	return a.GetByID(ctx, refund.ID)
}

func (a *Auditor) GetByID(ctx context.Context, refundID snowflake.ID) (*refunddomain.Refund, error) {
	var refund refunddomain.Refund
	err := a.db.WithContext(ctx).First(&refund, "id = ?", refundID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, refunddomain.ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

type projectedLoss struct {
	gatewayFee decimal.Decimal
	vendorCost decimal.Decimal
	net        decimal.Decimal
}

// projectLoss prorates the gateway fee by the refunded fraction and charges
// the unrecoverable vendor costs of the settled invoices up to the refunded
// amount.
func (a *Auditor) projectLoss(ctx context.Context, payment *paymentdomain.PaymentTransaction, amount decimal.Decimal) (projectedLoss, error) {
	fraction := amount.Div(payment.Amount)

	allocations, err := a.paymentRepo.AllocationsForPayment(ctx, nil, payment.ID)
	if err != nil {
		return projectedLoss{}, err
	}
	invoiceIDs := make([]snowflake.ID, 0, len(allocations))
	for _, allocation := range allocations {
		if allocation.Kind == paymentdomain.AllocationKindPayment {
			invoiceIDs = append(invoiceIDs, allocation.InvoiceID)
		}
	}

	unrecoverable, err := a.vendor.UnrecoverableForInvoices(ctx, nil, invoiceIDs, a.clock.Now())
	if err != nil {
		return projectedLoss{}, err
	}

	// Vendor losses do not scale down with a partial refund: the upstream
	// invoice is owed in full either way. The refund amount only caps what
	// this refund can be blamed for.
	loss := projectedLoss{
		gatewayFee: money.Round(payment.GatewayFee.Mul(fraction)),
		vendorCost: decimal.Min(unrecoverable, amount),
	}
	loss.net = loss.gatewayFee.Add(loss.vendorCost)
	return loss, nil
}

// upsertLossAudit writes the loss projection for a refund, or refreshes it
// when the refund already carries one from its approval hold. Losses are
// recomputed at decision time, so a claw-back window that closed while the
// refund sat parked is reflected in the final figures.
func (a *Auditor) upsertLossAudit(ctx context.Context, tx *gorm.DB, refund *refunddomain.Refund, payment *paymentdomain.PaymentTransaction, loss projectedLoss, status refunddomain.LossApprovalStatus) error {
	now := a.clock.Now()
	var existing refunddomain.RefundLossAudit
	err := tx.WithContext(ctx).First(&existing, "refund_id = ?", refund.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		audit := refunddomain.RefundLossAudit{
			ID:             a.genID.Generate(),
			RefundID:       refund.ID,
			PaymentID:      payment.ID,
			CustomerID:     payment.CustomerID,
			RefundAmount:   refund.Amount,
			GatewayFeeLoss: loss.gatewayFee,
			VendorCostLoss: loss.vendorCost,
			NetLoss:        loss.net,
			Currency:       refund.Currency,
			ApprovalStatus: status,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.WithContext(ctx).Create(&audit).Error
	}
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&refunddomain.RefundLossAudit{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"refund_amount":    refund.Amount,
			"gateway_fee_loss": loss.gatewayFee,
			"vendor_cost_loss": loss.vendorCost,
			"net_loss":         loss.net,
			"approval_status":  status,
			"updated_at":       now,
		}).Error
}

func (a *Auditor) process(ctx context.Context, refund *refunddomain.Refund, payment *paymentdomain.PaymentTransaction, loss projectedLoss, decidedBy string) (*refunddomain.Refund, error) {
	// Provider first. If the provider refuses, nothing local changes; the
	// idempotency key makes replays of a crashed run safe.
	if _, err := a.gateway.Refund(ctx, paymentdomain.RefundRequest{
		ProviderRef:    payment.ProviderRef,
		IdempotencyKey: refund.IdempotencyKey,
		Amount:         refund.Amount,
		Currency:       refund.Currency,
		Reason:         refund.Reason,
	}); err != nil {
		return nil, err
	}

	now := a.clock.Now()
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := a.paymentRepo.AddRefunded(ctx, tx, payment, refund.Amount, now); err != nil {
			return err
		}
		if err := a.reverseAllocations(ctx, tx, refund, payment); err != nil {
			return err
		}

		if err := a.upsertLossAudit(ctx, tx, refund, payment, loss, refunddomain.LossApprovalApproved); err != nil {
			return err
		}

		return tx.Model(&refunddomain.Refund{}).
			Where("id = ?", refund.ID).
			Updates(map[string]any{
				"status":       refunddomain.RefundStatusProcessed,
				"decided_by":   decidedBy,
				"processed_at": now,
				"updated_at":   now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	obsmetrics.Billing().IncRefund(obsmetrics.RefundOutcomeProcessed)
	a.outbox.Emit(ctx, events.Event{
		CustomerID: payment.CustomerID,
		Type:       events.EventRefundProcessed,
		DedupeKey:  "refund.processed:" + refund.Reference,
		Payload: map[string]any{
			"refund_id": refund.ID.String(),
			"amount":    refund.Amount.String(),
			"net_loss":  loss.net.String(),
			"currency":  refund.Currency,
		},
	})
	return a.GetByID(ctx, refund.ID)
}

// reverseAllocations appends negative ledger rows against the invoices this
// payment settled, proportionally to the refunded fraction, and reopens the
// affected invoices. Any refund share beyond what was allocated to invoices
// claws back the overpayment credit.
func (a *Auditor) reverseAllocations(ctx context.Context, tx *gorm.DB, refund *refunddomain.Refund, payment *paymentdomain.PaymentTransaction) error {
	allocations, err := a.paymentRepo.AllocationsForPayment(ctx, tx, payment.ID)
	if err != nil {
		return err
	}
	forward := make([]paymentdomain.InvoicePayment, 0, len(allocations))
	allocatedTotal := decimal.Zero
	for _, allocation := range allocations {
		if allocation.Kind == paymentdomain.AllocationKindPayment {
			forward = append(forward, allocation)
			allocatedTotal = allocatedTotal.Add(allocation.Amount)
		}
	}

	reversalTotal := decimal.Min(refund.Amount, allocatedTotal)
	if reversalTotal.IsPositive() && allocatedTotal.IsPositive() {
		assigned := decimal.Zero
		for i, allocation := range forward {
			share := money.Round(reversalTotal.Mul(allocation.Amount).Div(allocatedTotal))
			if i == len(forward)-1 {
				share = reversalTotal.Sub(assigned)
			}
			assigned = assigned.Add(share)
			if !share.IsPositive() {
				continue
			}
			newDue, err := a.reopenInvoice(ctx, tx, allocation.InvoiceID, share)
			if err != nil {
				return err
			}
			reversal := paymentdomain.InvoicePayment{
				ID:                  a.genID.Generate(),
				PaymentID:           payment.ID,
				InvoiceID:           allocation.InvoiceID,
				Kind:                paymentdomain.AllocationKindReversal,
				Amount:              share.Neg(),
				InvoiceBalanceAfter: newDue,
				CreatedAt:           a.clock.Now(),
			}
			if err := a.paymentRepo.InsertAllocation(ctx, tx, &reversal); err != nil {
				return err
			}
		}
	}

	if excess := refund.Amount.Sub(reversalTotal); excess.IsPositive() {
		_, err := a.credit.Consume(ctx, tx, creditdomain.Movement{
			CustomerID: payment.CustomerID,
			Currency:   payment.Currency,
			Amount:     excess,
			Type:       creditdomain.CreditTxRefund,
			Reference:  refund.Reference,
			PaymentID:  &payment.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// reopenInvoice moves amount back from paid to due and returns the invoice
// balance left afterwards.
func (a *Auditor) reopenInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, amount decimal.Decimal) (decimal.Decimal, error) {
	for try := 0; try < reopenMaxRetries; try++ {
		invoice, err := a.invoiceRepo.FindByID(ctx, tx, invoiceID)
		if err != nil {
			return decimal.Zero, err
		}

		reversed := decimal.Min(amount, invoice.AmountPaid)
		if !reversed.IsPositive() {
			return invoice.AmountDue, nil
		}
		newPaid := invoice.AmountPaid.Sub(reversed)
		newDue := invoice.AmountDue.Add(reversed)
		status := invoicedomain.InvoiceStatusPartiallyPaid
		if newPaid.IsZero() {
			status = invoicedomain.InvoiceStatusIssued
		}

		ok, err := a.invoiceRepo.ApplyBalanceVersioned(ctx, tx, invoice.ID, invoice.Version, newPaid, newDue, status, nil)
		if err != nil {
			return decimal.Zero, err
		}
		if ok {
			return newDue, nil
		}
	}
	return decimal.Zero, paymentdomain.ErrAllocationConflict
}
