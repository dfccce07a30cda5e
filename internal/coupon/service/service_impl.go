package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	coupondomain "github.com/smallbiznis/revara/internal/coupon/domain"
	"github.com/smallbiznis/revara/internal/money"
	"github.com/smallbiznis/revara/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Engine struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewEngine(p Params) coupondomain.Engine {
	return &Engine{
		db:    p.DB,
		log:   p.Log.Named("coupon.engine"),
		genID: p.GenID,
	}
}

func (e *Engine) FindByCode(ctx context.Context, code string) (*coupondomain.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, coupondomain.ErrCouponNotFound
	}

	var coupon coupondomain.Coupon
	err := e.db.WithContext(ctx).First(&coupon, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coupondomain.ErrCouponNotFound
	}
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

func (e *Engine) Apply(ctx context.Context, tx *gorm.DB, coupon *coupondomain.Coupon, customerID snowflake.ID, lineTotals []decimal.Decimal, currency string, at time.Time) (coupondomain.Discount, error) {
	if coupon == nil {
		return coupondomain.Discount{}, coupondomain.ErrInvalidCoupon
	}
	if err := e.validate(ctx, tx, coupon, customerID, currency, at); err != nil {
		return coupondomain.Discount{}, err
	}
	if len(lineTotals) == 0 {
		return coupondomain.Discount{}, coupondomain.ErrNoEligibleLines
	}

	eligibleSum := decimal.Zero
	for _, total := range lineTotals {
		eligibleSum = eligibleSum.Add(total)
	}
	if !eligibleSum.IsPositive() {
		return coupondomain.Discount{}, coupondomain.ErrNoEligibleLines
	}

	total, err := authorizedAmount(coupon, eligibleSum)
	if err != nil {
		return coupondomain.Discount{}, err
	}

	return coupondomain.Discount{
		CouponID: coupon.ID,
		Total:    total,
		PerLine:  distribute(total, lineTotals, eligibleSum),
	}, nil
}

func (e *Engine) RecordUsage(ctx context.Context, tx *gorm.DB, usage coupondomain.CouponUsage) error {
	if usage.ID == 0 {
		usage.ID = e.genID.Generate()
	}
	return tx.WithContext(ctx).Create(&usage).Error
}

func (e *Engine) validate(ctx context.Context, tx *gorm.DB, coupon *coupondomain.Coupon, customerID snowflake.ID, currency string, at time.Time) error {
	if !coupon.IsActive {
		return coupondomain.ErrCouponInactive
	}
	if coupon.RedeemAfter != nil && at.Before(*coupon.RedeemAfter) {
		return coupondomain.ErrCouponNotYetValid
	}
	if coupon.RedeemBefore != nil && at.After(*coupon.RedeemBefore) {
		return coupondomain.ErrCouponExpired
	}
	if coupon.Type == coupondomain.CouponTypeFixed {
		if coupon.Currency != nil && !strings.EqualFold(*coupon.Currency, currency) {
			return coupondomain.ErrCouponCurrency
		}
	}

	if coupon.MaxUsages == nil && coupon.MaxUsagesPerCustomer == nil {
		return nil
	}

	conn := tx
	if conn == nil {
		conn = e.db
	}

	// Lock the coupon row before counting so two invoices redeeming the
	// last slot serialize; the loser sees the winner's usage row.
	var locked coupondomain.Coupon
	if err := db.ForUpdate(conn.WithContext(ctx)).First(&locked, "id = ?", coupon.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coupondomain.ErrCouponNotFound
		}
		return err
	}

	if coupon.MaxUsages != nil {
		var count int64
		if err := conn.WithContext(ctx).Model(&coupondomain.CouponUsage{}).
			Where("coupon_id = ?", coupon.ID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(*coupon.MaxUsages) {
			return coupondomain.ErrCouponExhausted
		}
	}
	if coupon.MaxUsagesPerCustomer != nil {
		var count int64
		if err := conn.WithContext(ctx).Model(&coupondomain.CouponUsage{}).
			Where("coupon_id = ? AND customer_id = ?", coupon.ID, customerID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(*coupon.MaxUsagesPerCustomer) {
			return coupondomain.ErrCouponCustomerLimit
		}
	}

	return nil
}

func authorizedAmount(coupon *coupondomain.Coupon, eligibleSum decimal.Decimal) (decimal.Decimal, error) {
	switch coupon.Type {
	case coupondomain.CouponTypePercentage:
		if coupon.PercentOff == nil || !coupon.PercentOff.IsPositive() {
			return decimal.Zero, coupondomain.ErrInvalidCoupon
		}
		return money.Round(eligibleSum.Mul(*coupon.PercentOff).Div(decimal.NewFromInt(100))), nil
	case coupondomain.CouponTypeFixed:
		if coupon.AmountOff == nil || !coupon.AmountOff.IsPositive() {
			return decimal.Zero, coupondomain.ErrInvalidCoupon
		}
		// A fixed discount never exceeds what the lines carry.
		if coupon.AmountOff.GreaterThan(eligibleSum) {
			return money.Round(eligibleSum), nil
		}
		return money.Round(*coupon.AmountOff), nil
	default:
		return decimal.Zero, coupondomain.ErrInvalidCoupon
	}
}

// distribute splits total across lines proportionally to their pre-discount
// amounts. The last line absorbs the rounding remainder so the shares sum to
// total exactly.
func distribute(total decimal.Decimal, lineTotals []decimal.Decimal, eligibleSum decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(lineTotals))
	allocated := decimal.Zero
	for i, line := range lineTotals {
		if i == len(lineTotals)-1 {
			shares[i] = total.Sub(allocated)
			break
		}
		share := money.Round(total.Mul(line).Div(eligibleSum))
		shares[i] = share
		allocated = allocated.Add(share)
	}
	return shares
}
