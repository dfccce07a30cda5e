// Package domain holds refunds and the loss audit trail. A refund never
// edits the original payment or its allocations; it appends reversal rows and
// an audit record quantifying what the business lost.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// RefundStatus is the workflow state of a refund request.
type RefundStatus string

const (
	RefundStatusRequested        RefundStatus = "REQUESTED"
	RefundStatusRequiresApproval RefundStatus = "REQUIRES_APPROVAL"
	RefundStatusProcessed        RefundStatus = "PROCESSED"
	RefundStatusRejected         RefundStatus = "REJECTED"
)

// Refund is one requested return of captured money.
type Refund struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	PaymentID      snowflake.ID    `gorm:"not null;index"`
	CustomerID     snowflake.ID    `gorm:"not null;index"`
	Reference      string          `gorm:"type:text;not null;uniqueIndex:ux_refunds_reference"`
	IdempotencyKey string          `gorm:"type:text;not null;uniqueIndex:ux_refunds_idempotency"`
	Amount         decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Currency       string          `gorm:"type:text;not null"`
	Status         RefundStatus    `gorm:"type:text;not null;index"`
	Reason         string          `gorm:"type:text;not null"`
	RequestedBy    string          `gorm:"type:text;not null"`
	DecidedBy      *string         `gorm:"type:text"`
	DecisionNote   *string         `gorm:"type:text"`
	ProcessedAt    *time.Time      `gorm:""`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Refund) TableName() string { return "refunds" }

// LossApprovalStatus tracks whether a projected loss was ever realized.
type LossApprovalStatus string

const (
	LossApprovalPending  LossApprovalStatus = "PENDING"
	LossApprovalApproved LossApprovalStatus = "APPROVED"
	LossApprovalRejected LossApprovalStatus = "REJECTED"
)

// RefundLossAudit quantifies the cost of one refund: the gateway fee share
// the provider keeps plus the vendor costs that cannot be clawed back. The
// row is written as soon as the loss is projected, so parked refunds are
// visible to finance before anyone approves them.
type RefundLossAudit struct {
	ID             snowflake.ID       `gorm:"primaryKey"`
	RefundID       snowflake.ID       `gorm:"not null;uniqueIndex:ux_refund_loss_audits_refund"`
	PaymentID      snowflake.ID       `gorm:"not null;index"`
	CustomerID     snowflake.ID       `gorm:"not null;index"`
	RefundAmount   decimal.Decimal    `gorm:"type:numeric(18,2);not null"`
	GatewayFeeLoss decimal.Decimal    `gorm:"type:numeric(18,2);not null"`
	VendorCostLoss decimal.Decimal    `gorm:"type:numeric(18,2);not null"`
	NetLoss        decimal.Decimal    `gorm:"type:numeric(18,2);not null"`
	Currency       string             `gorm:"type:text;not null"`
	ApprovalStatus LossApprovalStatus `gorm:"type:text;not null;index"`
	CreatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RefundLossAudit) TableName() string { return "refund_loss_audits" }

// Request asks for money back on a captured payment.
type Request struct {
	PaymentID   snowflake.ID
	Amount      decimal.Decimal
	Reason      string
	RequestedBy string
}

// Auditor validates, approves and processes refunds and keeps the loss
// ledger.
type Auditor interface {
	// RequestRefund validates the request. Refunds whose projected net
	// loss crosses the configured threshold park in REQUIRES_APPROVAL;
	// the rest process immediately.
	RequestRefund(ctx context.Context, req Request) (*Refund, error)

	// Approve processes a parked refund.
	Approve(ctx context.Context, refundID snowflake.ID, approver string) (*Refund, error)

	// Reject closes a parked refund without moving money.
	Reject(ctx context.Context, refundID snowflake.ID, approver, note string) (*Refund, error)

	GetByID(ctx context.Context, refundID snowflake.ID) (*Refund, error)
}

var (
	ErrRefundNotFound      = errors.New("refund_not_found")
	ErrInvalidRefund       = errors.New("invalid_refund_amount")
	ErrRefundNotActionable = errors.New("refund_not_awaiting_approval")
	ErrMissingReason       = errors.New("missing_refund_reason")
)
