// Package domain holds recurring subscriptions and their billing history.
// Billing is in advance: NextBillingAt points at the start of the period
// being charged, and the scheduler owns moving it forward.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state.
type SubscriptionStatus string

const (
	StatusTrialing  SubscriptionStatus = "TRIALING"
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusPastDue   SubscriptionStatus = "PAST_DUE"
	StatusPaused    SubscriptionStatus = "PAUSED"
	StatusCancelled SubscriptionStatus = "CANCELLED"
)

// Billable reports whether the scheduler should collect for this state.
func (s SubscriptionStatus) Billable() bool {
	return s == StatusActive || s == StatusPastDue
}

// BillingInterval is the cycle length.
type BillingInterval string

const (
	IntervalMonthly   BillingInterval = "MONTHLY"
	IntervalQuarterly BillingInterval = "QUARTERLY"
	IntervalYearly    BillingInterval = "YEARLY"
)

// Advance returns the end of the period starting at from.
func (i BillingInterval) Advance(from time.Time) time.Time {
	switch i {
	case IntervalQuarterly:
		return from.AddDate(0, 3, 0)
	case IntervalYearly:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// Subscription is one recurring service sold to a customer.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	CustomerID         snowflake.ID       `gorm:"not null;index"`
	PlanCode           string             `gorm:"type:text;not null"`
	Description        string             `gorm:"type:text;not null"`
	Amount             decimal.Decimal    `gorm:"type:numeric(18,2);not null"`
	Currency           string             `gorm:"type:text;not null"`
	Interval           BillingInterval    `gorm:"type:text;not null"`
	Status             SubscriptionStatus `gorm:"type:text;not null;index"`
	TrialEndsAt        *time.Time         `gorm:"index"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null"`
	NextBillingAt      *time.Time         `gorm:"index"`
	CancelAtPeriodEnd  bool               `gorm:"not null;default:false"`
	CancelledAt        *time.Time         `gorm:""`
	PastDueSince       *time.Time         `gorm:""`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// CycleOutcome is what happened when a billing cycle was swept.
type CycleOutcome string

const (
	CycleOutcomeBilled        CycleOutcome = "BILLED"
	CycleOutcomePaid          CycleOutcome = "PAID"
	CycleOutcomeCoveredCredit CycleOutcome = "COVERED_BY_CREDIT"
	CycleOutcomeFailed        CycleOutcome = "FAILED"
)

// BillingHistory is the per-cycle audit row.
type BillingHistory struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	SubscriptionID snowflake.ID    `gorm:"not null;index"`
	CustomerID     snowflake.ID    `gorm:"not null;index"`
	InvoiceID      *snowflake.ID   `gorm:"index"`
	PeriodStart    time.Time       `gorm:"not null"`
	PeriodEnd      time.Time       `gorm:"not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Outcome        CycleOutcome    `gorm:"type:text;not null"`
	Detail         *string         `gorm:"type:text"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingHistory) TableName() string { return "subscription_billing_history" }

// CreateRequest opens a new subscription.
type CreateRequest struct {
	CustomerID  snowflake.ID
	PlanCode    string
	Description string
	Amount      decimal.Decimal
	Currency    string
	Interval    BillingInterval
	TrialDays   int
	StartAt     time.Time
}

// Service manages subscription lifecycle transitions.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)

	// Cancel stops the subscription, either immediately or at the end of
	// the paid-up period.
	Cancel(ctx context.Context, id snowflake.ID, atPeriodEnd bool) (*Subscription, error)

	Pause(ctx context.Context, id snowflake.ID) (*Subscription, error)
	Resume(ctx context.Context, id snowflake.ID) (*Subscription, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_subscription_transition")
	ErrInvalidPlanAmount    = errors.New("invalid_plan_amount")
)
