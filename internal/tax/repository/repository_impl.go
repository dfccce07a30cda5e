package repository

import (
	"context"
	"errors"
	"time"

	taxdomain "github.com/smallbiznis/revara/internal/tax/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FindEffective returns the active rule for the jurisdiction as of the given
// instant, preferring a region-specific rule over a country-wide one.
func (r *Repository) FindEffective(ctx context.Context, country string, region *string, asOf time.Time) (*taxdomain.TaxRule, error) {
	query := r.db.WithContext(ctx).
		Where("country = ?", country).
		Where("is_active = ?", true).
		Where("effective_date <= ?", asOf).
		Where("expiry_date IS NULL OR expiry_date > ?", asOf)

	if region != nil {
		query = query.Where("region = ? OR region IS NULL", *region).
			Order("region IS NULL ASC")
	} else {
		query = query.Where("region IS NULL")
	}

	var rule taxdomain.TaxRule
	err := query.Order("effective_date DESC").First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
