// Package domain contains persistence models for customers and their stored
// payment methods.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Customer is the billable party. Currency is the display currency used on
// the customer's invoices; tax residence feeds tax resolution.
type Customer struct {
	ID                  snowflake.ID      `gorm:"primaryKey"`
	Name                string            `gorm:"type:text;not null"`
	Email               string            `gorm:"type:text;not null;uniqueIndex:ux_customers_email"`
	Currency            string            `gorm:"type:text;not null"`
	TaxResidenceCountry string            `gorm:"type:text;not null"`
	TaxExempt           bool              `gorm:"not null;default:false"`
	TaxID               *string           `gorm:"type:text"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

// PaymentMethodStatus represents the usability of a stored payment method.
type PaymentMethodStatus string

const (
	PaymentMethodStatusActive  PaymentMethodStatus = "ACTIVE"
	PaymentMethodStatusExpired PaymentMethodStatus = "EXPIRED"
	PaymentMethodStatusRemoved PaymentMethodStatus = "REMOVED"
)

// CustomerPaymentMethod is a tokenized gateway payment instrument. The token
// is opaque to the billing core; only the gateway client interprets it.
type CustomerPaymentMethod struct {
	ID         snowflake.ID        `gorm:"primaryKey"`
	CustomerID snowflake.ID        `gorm:"not null;index"`
	Provider   string              `gorm:"type:text;not null"`
	Token      string              `gorm:"type:text;not null"`
	Label      *string             `gorm:"type:text"`
	IsDefault  bool                `gorm:"not null;default:false"`
	Status     PaymentMethodStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	CreatedAt  time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CustomerPaymentMethod) TableName() string { return "customer_payment_methods" }

var (
	ErrCustomerNotFound      = errors.New("customer_not_found")
	ErrNoDefaultPaymentMethod = errors.New("no_default_payment_method")
)
