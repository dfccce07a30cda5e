// Package domain contains tax rules and the resolver contract. Tax is
// resolved once per invoice and snapshotted onto it; later rule changes never
// touch issued invoices.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TaxRule is a jurisdiction-scoped, effective-dated tax policy.
type TaxRule struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	Country       string          `gorm:"type:text;not null;index:ix_tax_rules_jurisdiction"`
	Region        *string         `gorm:"type:text;index:ix_tax_rules_jurisdiction"`
	Name          string          `gorm:"type:text;not null"`
	Authority     string          `gorm:"type:text;not null"`
	Rate          decimal.Decimal `gorm:"type:numeric(8,5);not null"`
	EffectiveDate time.Time       `gorm:"not null;index"`
	ExpiryDate    *time.Time      `gorm:""`
	IsActive      bool            `gorm:"not null;default:true"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TaxRule) TableName() string { return "tax_rules" }

// Context identifies the customer's tax situation at resolution time.
type Context struct {
	Country string
	Region  *string
	Exempt  bool
	AsOf    time.Time
}

// Resolution is the snapshot applied to an invoice.
type Resolution struct {
	Rate      decimal.Decimal
	Name      string
	Authority string
	Exempt    bool
}

// Resolver looks up the applicable tax rule for a jurisdiction and instant.
type Resolver interface {
	Resolve(ctx context.Context, taxCtx Context) (Resolution, error)
}

var (
	ErrInvalidRate    = errors.New("invalid_tax_rate")
	ErrInvalidCountry = errors.New("invalid_country")
)
