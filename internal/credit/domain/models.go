// Package domain holds the customer credit ledger. The mutable balance on
// CustomerCredit is a cache of the append-only transaction history; every
// movement writes both inside one transaction.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CustomerCredit is the per-customer, per-currency balance row.
type CustomerCredit struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	CustomerID snowflake.ID    `gorm:"not null;uniqueIndex:ux_customer_credits_customer_currency"`
	Currency   string          `gorm:"type:text;not null;uniqueIndex:ux_customer_credits_customer_currency"`
	Balance    decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	CreatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CustomerCredit) TableName() string { return "customer_credits" }

// CreditTransactionType classifies a ledger movement.
type CreditTransactionType string

const (
	CreditTxGrant       CreditTransactionType = "GRANT"
	CreditTxConsume     CreditTransactionType = "CONSUME"
	CreditTxOverpayment CreditTransactionType = "OVERPAYMENT"
	CreditTxRefund      CreditTransactionType = "REFUND_CREDIT"
)

// CreditTransaction is one ledger entry. Rows are never updated or deleted;
// BalanceAfter snapshots the balance so the history audits without replay.
type CreditTransaction struct {
	ID           snowflake.ID          `gorm:"primaryKey"`
	CustomerID   snowflake.ID          `gorm:"not null;index"`
	Currency     string                `gorm:"type:text;not null"`
	Type         CreditTransactionType `gorm:"type:text;not null"`
	Amount       decimal.Decimal       `gorm:"type:numeric(18,2);not null"`
	BalanceAfter decimal.Decimal       `gorm:"type:numeric(18,2);not null"`
	Reference    string                `gorm:"type:text;not null"`
	InvoiceID    *snowflake.ID         `gorm:"index"`
	PaymentID    *snowflake.ID         `gorm:"index"`
	CreatedAt    time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// Movement describes a single credit mutation.
type Movement struct {
	CustomerID snowflake.ID
	Currency   string
	Amount     decimal.Decimal
	Type       CreditTransactionType
	Reference  string
	InvoiceID  *snowflake.ID
	PaymentID  *snowflake.ID
}

// Ledger grants and consumes customer credit.
type Ledger interface {
	// Grant adds credit. Amount must be positive.
	Grant(ctx context.Context, tx *gorm.DB, movement Movement) (*CreditTransaction, error)

	// Consume draws down up to movement.Amount and returns the amount
	// actually taken, capped at the available balance. A zero balance is
	// not an error; the returned amount is zero.
	Consume(ctx context.Context, tx *gorm.DB, movement Movement) (decimal.Decimal, error)

	// Balance reports the current balance for a customer and currency.
	Balance(ctx context.Context, customerID snowflake.ID, currency string) (decimal.Decimal, error)
}

var (
	ErrInvalidCreditAmount = errors.New("invalid_credit_amount")
	ErrMissingReference    = errors.New("missing_credit_reference")
)
