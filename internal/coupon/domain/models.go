// Package domain contains coupon definitions and the append-only usage log.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CouponType is the discount shape.
type CouponType string

const (
	CouponTypePercentage CouponType = "PERCENTAGE"
	CouponTypeFixed      CouponType = "FIXED"
)

// Coupon defines a discount. Usage caps are enforced against the append-only
// coupon_usages table, never against a mutable counter.
type Coupon struct {
	ID                   snowflake.ID     `gorm:"primaryKey"`
	Code                 string           `gorm:"type:text;not null;uniqueIndex:ux_coupons_code"`
	Name                 string           `gorm:"type:text;not null"`
	Type                 CouponType       `gorm:"type:text;not null"`
	PercentOff           *decimal.Decimal `gorm:"type:numeric(5,2)"`
	AmountOff            *decimal.Decimal `gorm:"type:numeric(18,2)"`
	Currency             *string          `gorm:"type:text"`
	RedeemAfter          *time.Time       `gorm:""`
	RedeemBefore         *time.Time       `gorm:""`
	MaxUsages            *int             `gorm:""`
	MaxUsagesPerCustomer *int             `gorm:""`
	IsActive             bool             `gorm:"not null;default:true"`
	CreatedAt            time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Coupon) TableName() string { return "coupons" }

// CouponUsage is one redemption. Rows are never updated or deleted.
type CouponUsage struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	CouponID   snowflake.ID    `gorm:"not null;index"`
	CustomerID snowflake.ID    `gorm:"not null;index"`
	InvoiceID  snowflake.ID    `gorm:"not null;index"`
	Amount     decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Currency   string          `gorm:"type:text;not null"`
	CreatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CouponUsage) TableName() string { return "coupon_usages" }

// Discount is the authorized result of applying a coupon to a line set.
type Discount struct {
	CouponID snowflake.ID
	Total    decimal.Decimal
	// PerLine holds the share of Total for each eligible line, in input
	// order. Sums exactly to Total; the last line absorbs rounding.
	PerLine []decimal.Decimal
}

// Engine validates and applies coupons.
type Engine interface {
	// FindByCode loads an active coupon by its code.
	FindByCode(ctx context.Context, code string) (*Coupon, error)

	// Apply validates the coupon for the customer at the given instant and
	// distributes the discount across the eligible line totals. Usage caps
	// are checked under a row lock on the coupon inside tx, so concurrent
	// issuers serialize instead of both slipping past the cap.
	Apply(ctx context.Context, tx *gorm.DB, coupon *Coupon, customerID snowflake.ID, lineTotals []decimal.Decimal, currency string, at time.Time) (Discount, error)

	// RecordUsage appends a usage row inside the caller's transaction.
	RecordUsage(ctx context.Context, tx *gorm.DB, usage CouponUsage) error
}

var (
	ErrCouponNotFound      = errors.New("coupon_not_found")
	ErrCouponInactive      = errors.New("coupon_inactive")
	ErrCouponNotYetValid   = errors.New("coupon_not_yet_valid")
	ErrCouponExpired       = errors.New("coupon_expired")
	ErrCouponExhausted     = errors.New("coupon_exhausted")
	ErrCouponCustomerLimit = errors.New("coupon_customer_limit_reached")
	ErrCouponCurrency      = errors.New("coupon_currency_mismatch")
	ErrInvalidCoupon       = errors.New("invalid_coupon")
	ErrNoEligibleLines     = errors.New("no_eligible_lines")
)
