// Package domain holds payment transactions, the allocation ledger tying
// captured money to invoices, and the gateway port.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus is the lifecycle state of a gateway transaction.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusAuthorized        PaymentStatus = "AUTHORIZED"
	PaymentStatusCaptured          PaymentStatus = "CAPTURED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Settled reports whether the money has actually been captured.
func (s PaymentStatus) Settled() bool {
	return s == PaymentStatusCaptured || s == PaymentStatusPartiallyRefunded || s == PaymentStatusRefunded
}

// Terminal reports whether the gateway can still move this transaction.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusFailed || s == PaymentStatusRefunded
}

// PaymentTransaction mirrors one gateway charge. IdempotencyKey is the
// dedupe anchor against double charging; Reference is our own identifier
// handed to the provider.
type PaymentTransaction struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	CustomerID      snowflake.ID      `gorm:"not null;index"`
	InvoiceID       *snowflake.ID     `gorm:"index"`
	PaymentMethodID *snowflake.ID     `gorm:"index"`
	Provider        string            `gorm:"type:text;not null"`
	Reference       string            `gorm:"type:text;not null;uniqueIndex:ux_payment_transactions_reference"`
	ProviderRef     string            `gorm:"type:text;index"`
	IdempotencyKey  string            `gorm:"type:text;not null;uniqueIndex:ux_payment_transactions_idempotency"`
	Currency        string            `gorm:"type:text;not null"`
	Amount          decimal.Decimal   `gorm:"type:numeric(18,2);not null"`
	AmountRefunded  decimal.Decimal   `gorm:"type:numeric(18,2);not null;default:0"`
	GatewayFee      decimal.Decimal   `gorm:"type:numeric(18,2);not null;default:0"`
	Status          PaymentStatus     `gorm:"type:text;not null;index"`
	FailureCode     *string           `gorm:"type:text"`
	FailureMessage  *string           `gorm:"type:text"`
	CapturedAt      *time.Time        `gorm:""`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentTransaction) TableName() string { return "payment_transactions" }

// Refundable is the amount still available for refund.
func (p PaymentTransaction) Refundable() decimal.Decimal {
	return p.Amount.Sub(p.AmountRefunded)
}

// AllocationKind distinguishes forward allocations from refund reversals.
type AllocationKind string

const (
	AllocationKindPayment  AllocationKind = "PAYMENT"
	AllocationKindReversal AllocationKind = "REVERSAL"
)

// InvoicePayment is one row of the payment-to-invoice allocation ledger.
// Reversals are appended as negative-amount rows, never edits. Each row
// snapshots the invoice balance it left behind, so the ledger replays
// without consulting invoice history.
type InvoicePayment struct {
	ID                  snowflake.ID    `gorm:"primaryKey"`
	PaymentID           snowflake.ID    `gorm:"not null;index"`
	InvoiceID           snowflake.ID    `gorm:"not null;index"`
	Kind                AllocationKind  `gorm:"type:text;not null"`
	Amount              decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	InvoiceBalanceAfter decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	IsFullPayment       bool            `gorm:"not null;default:false"`
	CreatedAt           time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoicePayment) TableName() string { return "invoice_payments" }

// AttemptStatus is the outcome of one collection attempt.
type AttemptStatus string

const (
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"
	AttemptStatusFailed    AttemptStatus = "FAILED"
	AttemptStatusPending   AttemptStatus = "PENDING"
)

// PaymentAttempt records each try at collecting an invoice, driving the
// retry backoff schedule. The attempted amount and instrument are captured
// per try because both can change between retries.
type PaymentAttempt struct {
	ID                     snowflake.ID    `gorm:"primaryKey"`
	CustomerID             snowflake.ID    `gorm:"not null;index"`
	InvoiceID              snowflake.ID    `gorm:"not null;index"`
	PaymentID              *snowflake.ID   `gorm:"index"`
	PaymentMethodID        *snowflake.ID   `gorm:"index"`
	AttemptNumber          int             `gorm:"not null"`
	AttemptedAmount        decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	Status                 AttemptStatus   `gorm:"type:text;not null"`
	FailureReason          *string         `gorm:"type:text"`
	RequiresAuthentication bool            `gorm:"not null;default:false"`
	NextRetryAt            *time.Time      `gorm:"index"`
	CreatedAt              time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }

var (
	ErrPaymentNotFound     = errors.New("payment_not_found")
	ErrPaymentNotSettled   = errors.New("payment_not_settled")
	ErrInvalidAmount       = errors.New("invalid_payment_amount")
	ErrCurrencyMismatch    = errors.New("payment_currency_mismatch")
	ErrAllocationConflict  = errors.New("allocation_version_conflict")
	ErrNothingToReconcile  = errors.New("nothing_to_reconcile")
	ErrRefundExceedsAmount = errors.New("refund_exceeds_captured_amount")
)
