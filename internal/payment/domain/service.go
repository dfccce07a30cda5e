package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CollectRequest asks the allocator to charge an open invoice against the
// customer's default payment method.
type CollectRequest struct {
	CustomerID    snowflake.ID
	InvoiceID     snowflake.ID
	AttemptNumber int
}

// Allocator charges invoices and distributes captured money. A declined
// charge is a business outcome, not an error: the returned transaction
// carries FAILED and the error is nil.
type Allocator interface {
	// Collect charges the invoice's open balance. Replaying the same
	// invoice and attempt number returns the earlier transaction without
	// touching the gateway again.
	Collect(ctx context.Context, req CollectRequest) (*PaymentTransaction, error)

	// Allocate distributes a captured payment: the target invoice first,
	// then remaining open invoices oldest due date first, and any
	// remainder to the customer's credit balance. Calling it again for an
	// already allocated payment is a no-op.
	Allocate(ctx context.Context, paymentID snowflake.ID, targetInvoiceID *snowflake.ID) error

	// ReconcilePending resolves transactions stuck in PENDING longer than
	// the configured window by asking the provider for their fate.
	// Returns the number of transactions settled either way.
	ReconcilePending(ctx context.Context, now time.Time) (int, error)
}
