package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/smallbiznis/revara/internal/customer/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*customerdomain.Customer, error) {
	if db == nil {
		db = r.db
	}
	var customer customerdomain.Customer
	err := db.WithContext(ctx).First(&customer, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, customerdomain.ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// FindDefaultPaymentMethod returns the customer's active default instrument.
func (r *Repository) FindDefaultPaymentMethod(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (*customerdomain.CustomerPaymentMethod, error) {
	if db == nil {
		db = r.db
	}
	var method customerdomain.CustomerPaymentMethod
	err := db.WithContext(ctx).
		Where("customer_id = ? AND is_default = ? AND status = ?",
			customerID, true, customerdomain.PaymentMethodStatusActive).
		First(&method).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, customerdomain.ErrNoDefaultPaymentMethod
	}
	if err != nil {
		return nil, err
	}
	return &method, nil
}
