package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// GatewayStatus is the provider-side state of a charge or refund.
type GatewayStatus string

const (
	GatewayStatusPending  GatewayStatus = "pending"
	GatewayStatusCaptured GatewayStatus = "captured"
	GatewayStatusFailed   GatewayStatus = "failed"
	GatewayStatusRefunded GatewayStatus = "refunded"
)

// ChargeRequest asks the provider to collect money from a stored instrument.
type ChargeRequest struct {
	Reference      string
	IdempotencyKey string
	MethodToken    string
	Amount         decimal.Decimal
	Currency       string
	Description    string
}

// ChargeResult is the provider's answer. Fee is the provider's cut, reported
// in the charge currency. RequiresAuthentication marks charges the provider
// is holding for a cardholder challenge (3DS and friends).
type ChargeResult struct {
	ProviderRef            string
	Status                 GatewayStatus
	Fee                    decimal.Decimal
	FailureCode            string
	FailureMessage         string
	RequiresAuthentication bool
}

// RefundRequest asks the provider to return part of a captured charge.
type RefundRequest struct {
	ProviderRef    string
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
}

// RefundResult is the provider's answer to a refund.
type RefundResult struct {
	ProviderRef string
	Status      GatewayStatus
}

// Gateway is the payment provider port. Implementations must treat the
// idempotency key as the dedupe anchor: replaying a request with the same key
// returns the original outcome instead of moving money twice.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)

	// Lookup reports the provider-side status of an earlier charge. The
	// reconciliation sweep uses it to settle transactions stuck in
	// PENDING.
	Lookup(ctx context.Context, providerRef string) (ChargeResult, error)
}
