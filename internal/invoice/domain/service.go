package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// LineInput is one priced item handed to the compiler.
type LineInput struct {
	Description  string
	LineType     LineType
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	IsGatewayFee bool
}

// CompileRequest describes an invoice to issue.
type CompileRequest struct {
	CustomerID snowflake.ID
	Lines      []LineInput

	// SubscriptionID/PeriodStart/PeriodEnd are set for subscription cycle
	// invoices; the pair (subscription, period start) is the idempotency
	// anchor against double billing.
	SubscriptionID *snowflake.ID
	PeriodStart    *time.Time
	PeriodEnd      *time.Time

	CouponCode      string
	DisplayCurrency string
	IssueDate       time.Time
}

// Service compiles, voids and corrects invoices.
type Service interface {
	// Compile turns priced line items into an issued, immutable invoice.
	// For subscription invoices an existing non-void invoice for the same
	// period is returned instead of a duplicate.
	Compile(ctx context.Context, req CompileRequest) (*Invoice, error)

	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)

	// Void cancels an unpaid invoice. Invoices with recorded payments can
	// only be corrected via a credit note.
	Void(ctx context.Context, id snowflake.ID, reason string) error

	// CreateCreditNote issues a negative-line invoice correcting the
	// original. The original is left untouched.
	CreateCreditNote(ctx context.Context, originalID snowflake.ID, reason string) (*Invoice, error)

	// MarkOverdue flags issued invoices past their due date as of now.
	// Returns the number of invoices transitioned.
	MarkOverdue(ctx context.Context, now time.Time) (int, error)
}

var (
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvalidLineQuantity  = errors.New("invalid_line_quantity")
	ErrInvalidLineUnitPrice = errors.New("invalid_line_unit_price")
	ErrNoLines              = errors.New("no_lines")
	ErrInvoiceImmutable     = errors.New("invoice_immutable")
	ErrInvoiceHasPayments   = errors.New("invoice_has_payments")
	ErrInvoiceNotIssued     = errors.New("invoice_not_issued")
	ErrPeriodAlreadyBilled  = errors.New("period_already_billed")
)
