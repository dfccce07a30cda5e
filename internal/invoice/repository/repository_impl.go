package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/revara/internal/invoice/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) conn(db *gorm.DB) *gorm.DB {
	if db != nil {
		return db
	}
	return r.db
}

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, lines []invoicedomain.InvoiceLine) error {
	if err := r.conn(tx).WithContext(ctx).Create(invoice).Error; err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return r.conn(tx).WithContext(ctx).Create(&lines).Error
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := r.conn(db).WithContext(ctx).First(&invoice, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *Repository) FindLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceLine, error) {
	var lines []invoicedomain.InvoiceLine
	err := r.conn(db).WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("id").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// FindBySubscriptionPeriod returns the non-void invoice already issued for a
// subscription period, if any. This is the double-billing guard.
func (r *Repository) FindBySubscriptionPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := r.conn(db).WithContext(ctx).
		Where("subscription_id = ? AND period_start = ?", subscriptionID, periodStart).
		Where("status <> ?", invoicedomain.InvoiceStatusVoid).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// FindOpenByCustomer returns invoices still accepting payment, oldest due
// date first.
func (r *Repository) FindOpenByCustomer(ctx context.Context, db *gorm.DB, customerID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := r.conn(db).WithContext(ctx).
		Where("customer_id = ?", customerID).
		Where("status IN ?", []invoicedomain.InvoiceStatus{
			invoicedomain.InvoiceStatusIssued,
			invoicedomain.InvoiceStatusPartiallyPaid,
			invoicedomain.InvoiceStatusOverdue,
		}).
		Order("due_date ASC, id ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// ApplyBalanceVersioned performs the optimistic-concurrency update of the
// invoice balance. Returns false when another writer got there first.
func (r *Repository) ApplyBalanceVersioned(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, expectedVersion int64, amountPaid, amountDue decimal.Decimal, status invoicedomain.InvoiceStatus, paidAt *time.Time) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND version = ?", invoiceID, expectedVersion).
		Updates(map[string]any{
			"amount_paid": amountPaid,
			"amount_due":  amountDue,
			"status":      status,
			"paid_at":     paidAt,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkVoid transitions an invoice to VOID.
func (r *Repository) MarkVoid(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, at time.Time, reason string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoiceID).
		Updates(map[string]any{
			"status":      invoicedomain.InvoiceStatusVoid,
			"voided_at":   at,
			"void_reason": reason,
			"updated_at":  at,
		}).Error
}

// MarkOverdue flags issued or partially paid invoices whose due date has
// passed. Returns the number of rows transitioned.
func (r *Repository) MarkOverdue(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	result := r.conn(db).WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("status IN ?", []invoicedomain.InvoiceStatus{
			invoicedomain.InvoiceStatusIssued,
			invoicedomain.InvoiceStatusPartiallyPaid,
		}).
		Where("due_date IS NOT NULL AND due_date < ?", now).
		Updates(map[string]any{
			"status":     invoicedomain.InvoiceStatusOverdue,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
