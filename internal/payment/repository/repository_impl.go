package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/revara/internal/payment/domain"
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

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, payment *paymentdomain.PaymentTransaction) error {
	return r.conn(tx).WithContext(ctx).Create(payment).Error
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*paymentdomain.PaymentTransaction, error) {
	var payment paymentdomain.PaymentTransaction
	err := r.conn(db).WithContext(ctx).First(&payment, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*paymentdomain.PaymentTransaction, error) {
	var payment paymentdomain.PaymentTransaction
	err := r.conn(db).WithContext(ctx).First(&payment, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindPendingOlderThan lists transactions stuck in PENDING since before the
// cutoff, oldest first.
func (r *Repository) FindPendingOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]paymentdomain.PaymentTransaction, error) {
	var payments []paymentdomain.PaymentTransaction
	err := r.conn(db).WithContext(ctx).
		Where("status = ? AND created_at < ?", paymentdomain.PaymentStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *Repository) MarkCaptured(ctx context.Context, tx *gorm.DB, id snowflake.ID, providerRef string, fee decimal.Decimal, at time.Time) error {
	return r.conn(tx).WithContext(ctx).Model(&paymentdomain.PaymentTransaction{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       paymentdomain.PaymentStatusCaptured,
			"provider_ref": providerRef,
			"gateway_fee":  fee,
			"captured_at":  at,
			"updated_at":   at,
		}).Error
}

func (r *Repository) MarkFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, code, message string, at time.Time) error {
	return r.conn(tx).WithContext(ctx).Model(&paymentdomain.PaymentTransaction{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          paymentdomain.PaymentStatusFailed,
			"failure_code":    code,
			"failure_message": message,
			"updated_at":      at,
		}).Error
}

// AddRefunded bumps the refunded total and flips the status to REFUNDED once
// the whole capture has been returned.
func (r *Repository) AddRefunded(ctx context.Context, tx *gorm.DB, payment *paymentdomain.PaymentTransaction, amount decimal.Decimal, at time.Time) error {
	refunded := payment.AmountRefunded.Add(amount)
	status := paymentdomain.PaymentStatusPartiallyRefunded
	if refunded.GreaterThanOrEqual(payment.Amount) {
		status = paymentdomain.PaymentStatusRefunded
	}
	return r.conn(tx).WithContext(ctx).Model(&paymentdomain.PaymentTransaction{}).
		Where("id = ?", payment.ID).
		Updates(map[string]any{
			"amount_refunded": refunded,
			"status":          status,
			"updated_at":      at,
		}).Error
}

func (r *Repository) InsertAllocation(ctx context.Context, tx *gorm.DB, allocation *paymentdomain.InvoicePayment) error {
	return r.conn(tx).WithContext(ctx).Create(allocation).Error
}

// AllocationsForPayment returns the ledger rows for one payment, oldest
// first. Reversals appear as negative rows.
func (r *Repository) AllocationsForPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]paymentdomain.InvoicePayment, error) {
	var rows []paymentdomain.InvoicePayment
	err := r.conn(db).WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) InsertAttempt(ctx context.Context, tx *gorm.DB, attempt *paymentdomain.PaymentAttempt) error {
	return r.conn(tx).WithContext(ctx).Create(attempt).Error
}

// CountFailedAttempts reports how many collection attempts have failed for an
// invoice so far.
func (r *Repository) CountFailedAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error) {
	var count int64
	err := r.conn(db).WithContext(ctx).Model(&paymentdomain.PaymentAttempt{}).
		Where("invoice_id = ? AND status = ?", invoiceID, paymentdomain.AttemptStatusFailed).
		Count(&count).Error
	return int(count), err
}
