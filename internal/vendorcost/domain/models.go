// Package domain holds upstream vendor costs (domain registries, hosting
// wholesalers, license upstreams) and the payout batches that settle them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// VendorCost is money owed upstream for a sold line item. Recoverable costs
// can be clawed back from the vendor when the sale is refunded, but only
// until the vendor's claw-back window closes; domain registrations and setup
// fees usually cannot be recovered at all. Base-currency figures are
// snapshotted at record time so loss audits survive later rate moves.
type VendorCost struct {
	ID               snowflake.ID    `gorm:"primaryKey"`
	InvoiceID        snowflake.ID    `gorm:"not null;index"`
	CustomerID       snowflake.ID    `gorm:"not null;index"`
	Vendor           string          `gorm:"type:text;not null;index"`
	Description      string          `gorm:"type:text;not null"`
	Amount           decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Currency         string          `gorm:"type:text;not null"`
	BaseCurrencyCode string          `gorm:"type:text;not null"`
	ExchangeRate     decimal.Decimal `gorm:"type:numeric(18,8);not null;default:1"`
	BaseAmount       decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Recoverable      bool            `gorm:"not null;default:false"`
	RefundDeadline   *time.Time      `gorm:""`
	IncurredAt       time.Time       `gorm:"not null"`
	PayoutID         *snowflake.ID   `gorm:"index"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (VendorCost) TableName() string { return "vendor_costs" }

// PayoutStatus is the settlement state of a payout batch.
type PayoutStatus string

const (
	PayoutStatusScheduled PayoutStatus = "SCHEDULED"
	PayoutStatusPaid      PayoutStatus = "PAID"
)

// VendorPayout groups unsettled costs for one vendor and currency into a
// single scheduled transfer.
type VendorPayout struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	Vendor       string          `gorm:"type:text;not null;index"`
	Currency     string          `gorm:"type:text;not null"`
	TotalAmount  decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	CostCount    int             `gorm:"not null"`
	Status       PayoutStatus    `gorm:"type:text;not null;index"`
	ScheduledFor time.Time       `gorm:"not null"`
	PaidAt       *time.Time      `gorm:""`
	CreatedAt    time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (VendorPayout) TableName() string { return "vendor_payouts" }

// RecordCostRequest registers an upstream cost against an invoice. When
// BaseCurrencyCode or ExchangeRate are left empty the cost is assumed to be
// in the base currency already. RefundDeadline bounds how long a recoverable
// cost stays recoverable.
type RecordCostRequest struct {
	InvoiceID        snowflake.ID
	CustomerID       snowflake.ID
	Vendor           string
	Description      string
	Amount           decimal.Decimal
	Currency         string
	BaseCurrencyCode string
	ExchangeRate     decimal.Decimal
	Recoverable      bool
	RefundDeadline   *time.Time
	IncurredAt       time.Time
}

// Tracker records vendor costs and batches them into payouts.
type Tracker interface {
	RecordCost(ctx context.Context, tx *gorm.DB, req RecordCostRequest) (*VendorCost, error)

	// UnrecoverableForInvoices sums the costs attached to the given
	// invoices that cannot be clawed back as of now: never-recoverable
	// costs plus recoverable ones whose refund deadline has passed.
	UnrecoverableForInvoices(ctx context.Context, tx *gorm.DB, invoiceIDs []snowflake.ID, now time.Time) (decimal.Decimal, error)

	// SchedulePayouts groups costs not yet assigned to a payout into one
	// scheduled batch per vendor and currency. Returns the batches
	// created.
	SchedulePayouts(ctx context.Context, now time.Time) ([]VendorPayout, error)
}

var (
	ErrInvalidCostAmount = errors.New("invalid_vendor_cost_amount")
	ErrMissingVendor     = errors.New("missing_vendor")
)
