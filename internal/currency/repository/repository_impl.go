package repository

import (
	"context"
	"errors"
	"time"

	currencydomain "github.com/smallbiznis/revara/internal/currency/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindEffective returns the active rate row for the pair with the greatest
// effective date <= asOf whose expiry is unset or after asOf.
func (r *Repository) FindEffective(ctx context.Context, base, target string, asOf time.Time) (*currencydomain.ExchangeRate, error) {
	var rate currencydomain.ExchangeRate
	err := r.db.WithContext(ctx).
		Where("base_currency = ? AND target_currency = ?", base, target).
		Where("is_active = ?", true).
		Where("effective_date <= ?", asOf).
		Where("expiry_date IS NULL OR expiry_date > ?", asOf).
		Order("effective_date DESC").
		First(&rate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, currencydomain.ErrRateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

// ExpireActive closes out the currently active row for the pair as of the
// new rate's effective date. The row itself is kept for historical lookups.
func (r *Repository) ExpireActive(ctx context.Context, tx *gorm.DB, base, target string, at time.Time) error {
	return tx.WithContext(ctx).
		Model(&currencydomain.ExchangeRate{}).
		Where("base_currency = ? AND target_currency = ? AND is_active = ? AND expiry_date IS NULL", base, target, true).
		Update("expiry_date", at).Error
}

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, rate *currencydomain.ExchangeRate) error {
	return tx.WithContext(ctx).Create(rate).Error
}
