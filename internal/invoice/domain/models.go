// Package domain contains persistence models for invoicing. Financial fields
// on an invoice are immutable once it leaves Draft; corrections are issued as
// credit notes, never as in-place edits.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusIssued        InvoiceStatus = "ISSUED"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusOverdue       InvoiceStatus = "OVERDUE"
	InvoiceStatusVoid          InvoiceStatus = "VOID"
)

// Open reports whether the invoice can still receive payment allocations.
func (s InvoiceStatus) Open() bool {
	switch s {
	case InvoiceStatusIssued, InvoiceStatusPartiallyPaid, InvoiceStatusOverdue:
		return true
	default:
		return false
	}
}

// Terminal reports whether the invoice can never change state again.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusVoid
}

// InvoiceType distinguishes customer bills from correcting credit notes.
type InvoiceType string

const (
	InvoiceTypeStandard   InvoiceType = "STANDARD"
	InvoiceTypeCreditNote InvoiceType = "CREDIT_NOTE"
)

// Invoice is a customer-facing bill with its currency snapshot pinned at
// issue time. ExchangeRate converts CurrencyCode amounts into
// BaseCurrencyCode amounts and never changes after issuing.
type Invoice struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	CustomerID     snowflake.ID  `gorm:"not null;index"`
	SubscriptionID *snowflake.ID `gorm:"index;uniqueIndex:ux_invoices_subscription_period"`
	PeriodStart    *time.Time    `gorm:"uniqueIndex:ux_invoices_subscription_period"`
	PeriodEnd      *time.Time    `gorm:""`
	Type           InvoiceType   `gorm:"type:text;not null;default:'STANDARD'"`
	CreditNoteFor  *snowflake.ID `gorm:"index"`

	CurrencyCode     string          `gorm:"type:text;not null"`
	BaseCurrencyCode string          `gorm:"type:text;not null"`
	ExchangeRate     decimal.Decimal `gorm:"type:numeric(20,10);not null;default:1"`
	ExchangeRateDate *time.Time      `gorm:""`

	Subtotal        decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	DiscountAmount  decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	TaxRate         decimal.Decimal `gorm:"type:numeric(8,5);not null;default:0"`
	TaxName         string          `gorm:"type:text"`
	TaxAmount       decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	TotalAmount     decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	BaseTotalAmount decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	AmountPaid      decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	AmountDue       decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`

	CouponID *snowflake.ID `gorm:"index"`

	Status    InvoiceStatus `gorm:"type:text;not null;default:'DRAFT'"`
	IssueDate *time.Time    `gorm:""`
	DueDate   *time.Time    `gorm:"index"`
	PaidAt     *time.Time `gorm:""`
	VoidedAt   *time.Time `gorm:""`
	VoidReason *string    `gorm:"type:text"`

	// Version guards the read-modify-write of AmountPaid/Status during
	// payment allocation. Incremented on every balance change.
	Version int64 `gorm:"not null;default:0"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// LineType categorizes invoice lines.
type LineType string

const (
	LineTypeService    LineType = "SERVICE"
	LineTypeDomain     LineType = "DOMAIN"
	LineTypeHosting    LineType = "HOSTING"
	LineTypeSetup      LineType = "SETUP"
	LineTypeGatewayFee LineType = "GATEWAY_FEE"
	LineTypeAdjustment LineType = "ADJUSTMENT"
)

// InvoiceLine is one priced line on an invoice. Lines are owned by their
// invoice and written once at compile time.
type InvoiceLine struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	InvoiceID    snowflake.ID    `gorm:"not null;index"`
	Description  string          `gorm:"type:text;not null"`
	LineType     LineType        `gorm:"type:text;not null"`
	Quantity     decimal.Decimal `gorm:"type:numeric(12,3);not null"`
	UnitPrice    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Discount     decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	TaxRate      decimal.Decimal `gorm:"type:numeric(8,5);not null;default:0"`
	TaxAmount    decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	TotalWithTax decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	IsGatewayFee bool            `gorm:"not null;default:false"`
	CreatedAt    time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }

// Subtotal is quantity * unit price before discount and tax.
func (l InvoiceLine) Subtotal() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice).RoundBank(2)
}
