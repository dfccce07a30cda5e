// Package domain contains the exchange rate table and the resolver contract.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ExchangeRate is one row of the rate table. Rows referenced by an invoice or
// payment transaction are never updated; superseding a rate expires the old
// row and inserts a new one so historical resolutions stay correct.
type ExchangeRate struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	BaseCurrency   string          `gorm:"type:text;not null;index:ix_exchange_rates_pair"`
	TargetCurrency string          `gorm:"type:text;not null;index:ix_exchange_rates_pair"`
	Rate           decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Markup         decimal.Decimal `gorm:"type:numeric(8,6);not null;default:0"`
	EffectiveDate  time.Time       `gorm:"not null;index"`
	ExpiryDate     *time.Time      `gorm:""`
	Source         string          `gorm:"type:text;not null"`
	IsActive       bool            `gorm:"not null;default:true"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ExchangeRate) TableName() string { return "exchange_rates" }

// EffectiveRate is the markup-inclusive rate: rate * (1 + markup).
func (r ExchangeRate) EffectiveRate() decimal.Decimal {
	return r.Rate.Mul(decimal.NewFromInt(1).Add(r.Markup))
}

// RateSnapshot is the resolved rate pinned onto the owning record
// (invoice or payment transaction) at the moment of use.
type RateSnapshot struct {
	BaseCurrency   string
	TargetCurrency string
	Rate           decimal.Decimal
	Markup         decimal.Decimal
	EffectiveRate  decimal.Decimal
	EffectiveDate  time.Time

	// Stale is set when the matched rate is older than the configured
	// freshness window. Non-fatal; callers log and proceed.
	Stale bool
}

var (
	ErrRateNotFound    = errors.New("rate_not_found")
	ErrInvalidRate     = errors.New("invalid_rate")
	ErrInvalidCurrency = errors.New("invalid_currency")
)
