package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/events"
	"github.com/smallbiznis/revara/internal/money"
	vendordomain "github.com/smallbiznis/revara/internal/vendorcost/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Outbox *events.Outbox
}

type Tracker struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	outbox *events.Outbox
}

func NewTracker(p Params) vendordomain.Tracker {
	return &Tracker{
		db:     p.DB,
		log:    p.Log.Named("vendorcost.tracker"),
		genID:  p.GenID,
		clock:  p.Clock,
		outbox: p.Outbox,
	}
}

func (t *Tracker) RecordCost(ctx context.Context, tx *gorm.DB, req vendordomain.RecordCostRequest) (*vendordomain.VendorCost, error) {
	if !req.Amount.IsPositive() {
		return nil, vendordomain.ErrInvalidCostAmount
	}
	vendor := strings.TrimSpace(req.Vendor)
	if vendor == "" {
		return nil, vendordomain.ErrMissingVendor
	}

	conn := tx
	if conn == nil {
		conn = t.db
	}

	incurredAt := req.IncurredAt
	if incurredAt.IsZero() {
		incurredAt = t.clock.Now()
	}
	currency := strings.ToUpper(req.Currency)
	baseCurrency := strings.ToUpper(strings.TrimSpace(req.BaseCurrencyCode))
	if baseCurrency == "" {
		baseCurrency = currency
	}
	rate := req.ExchangeRate
	if !rate.IsPositive() {
		rate = decimal.NewFromInt(1)
	}
	cost := &vendordomain.VendorCost{
		ID:               t.genID.Generate(),
		InvoiceID:        req.InvoiceID,
		CustomerID:       req.CustomerID,
		Vendor:           vendor,
		Description:      req.Description,
		Amount:           req.Amount,
		Currency:         currency,
		BaseCurrencyCode: baseCurrency,
		ExchangeRate:     rate,
		BaseAmount:       money.Round(req.Amount.Mul(rate)),
		Recoverable:      req.Recoverable,
		RefundDeadline:   req.RefundDeadline,
		IncurredAt:       incurredAt,
		CreatedAt:        t.clock.Now(),
	}
	if err := conn.WithContext(ctx).Create(cost).Error; err != nil {
		return nil, err
	}
	return cost, nil
}

func (t *Tracker) UnrecoverableForInvoices(ctx context.Context, tx *gorm.DB, invoiceIDs []snowflake.ID, now time.Time) (decimal.Decimal, error) {
	if len(invoiceIDs) == 0 {
		return decimal.Zero, nil
	}
	conn := tx
	if conn == nil {
		conn = t.db
	}

	// A recoverable cost whose claw-back window has closed is sunk money
	// just like a never-recoverable one.
	var costs []vendordomain.VendorCost
	err := conn.WithContext(ctx).
		Where("invoice_id IN ?", invoiceIDs).
		Where("recoverable = ? OR (refund_deadline IS NOT NULL AND refund_deadline < ?)", false, now).
		Find(&costs).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, cost := range costs {
		total = total.Add(cost.Amount)
	}
	return total, nil
}

func (t *Tracker) SchedulePayouts(ctx context.Context, now time.Time) ([]vendordomain.VendorPayout, error) {
	var payouts []vendordomain.VendorPayout
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unassigned []vendordomain.VendorCost
		if err := tx.Where("payout_id IS NULL").Order("vendor ASC, currency ASC, id ASC").Find(&unassigned).Error; err != nil {
			return err
		}
		if len(unassigned) == 0 {
			return nil
		}

		type bucket struct {
			total decimal.Decimal
			ids   []snowflake.ID
		}
		buckets := map[string]*bucket{}
		order := []string{}
		keyOf := func(cost vendordomain.VendorCost) string { return cost.Vendor + "/" + cost.Currency }
		for _, cost := range unassigned {
			key := keyOf(cost)
			b, ok := buckets[key]
			if !ok {
				b = &bucket{total: decimal.Zero}
				buckets[key] = b
				order = append(order, key)
			}
			b.total = b.total.Add(cost.Amount)
			b.ids = append(b.ids, cost.ID)
		}

		for _, key := range order {
			b := buckets[key]
			parts := strings.SplitN(key, "/", 2)
			payout := vendordomain.VendorPayout{
				ID:           t.genID.Generate(),
				Vendor:       parts[0],
				Currency:     parts[1],
				TotalAmount:  b.total,
				CostCount:    len(b.ids),
				Status:       vendordomain.PayoutStatusScheduled,
				ScheduledFor: now,
				CreatedAt:    now,
			}
			if err := tx.Create(&payout).Error; err != nil {
				return err
			}
			if err := tx.Model(&vendordomain.VendorCost{}).
				Where("id IN ?", b.ids).
				Update("payout_id", payout.ID).Error; err != nil {
				return err
			}
			payouts = append(payouts, payout)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, payout := range payouts {
		t.outbox.Emit(ctx, events.Event{
			Type:      events.EventVendorPayoutScheduled,
			DedupeKey: "vendor.payout:" + payout.ID.String(),
			Payload: map[string]any{
				"payout_id": payout.ID.String(),
				"vendor":    payout.Vendor,
				"total":     payout.TotalAmount.String(),
				"currency":  payout.Currency,
			},
		})
		t.log.Info("vendor payout scheduled",
			zap.String("vendor", payout.Vendor),
			zap.String("total", payout.TotalAmount.String()),
			zap.String("currency", payout.Currency),
		)
	}
	return payouts, nil
}
