// Package gateway contains payment provider adapters. The sandbox adapter is
// an in-process provider for development and integration environments; real
// adapters satisfy the same port.
package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/money"
	paymentdomain "github.com/smallbiznis/revara/internal/payment/domain"
	"go.uber.org/zap"
)

// Sandbox is a deterministic in-memory provider. Charges capture immediately
// unless the method token opts into a scripted outcome:
//
//	tok_declined  every charge fails with card_declined
//	tok_pending   charges stay pending until Lookup is called
//	tok_3ds       charges wait on cardholder authentication
//
// Fee mimics a card processor: 2.9% plus a 0.30 fixed component.
type Sandbox struct {
	log *zap.Logger

	mu      sync.Mutex
	charges map[string]paymentdomain.ChargeResult
	byRef   map[string]string
}

func NewSandbox(log *zap.Logger) *Sandbox {
	return &Sandbox{
		log:     log.Named("gateway.sandbox"),
		charges: make(map[string]paymentdomain.ChargeResult),
		byRef:   make(map[string]string),
	}
}

var (
	feeRate  = decimal.RequireFromString("0.029")
	feeFixed = decimal.RequireFromString("0.30")
)

func (s *Sandbox) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent replay returns the original outcome.
	if prior, ok := s.charges[req.IdempotencyKey]; ok {
		return prior, nil
	}

	result := paymentdomain.ChargeResult{
		ProviderRef: "sbx_" + req.Reference,
		Status:      paymentdomain.GatewayStatusCaptured,
		Fee:         money.Round(req.Amount.Mul(feeRate).Add(feeFixed)),
	}
	switch {
	case strings.HasSuffix(req.MethodToken, "declined"):
		result.Status = paymentdomain.GatewayStatusFailed
		result.Fee = decimal.Zero
		result.FailureCode = "card_declined"
		result.FailureMessage = "the card was declined"
	case strings.HasSuffix(req.MethodToken, "pending"):
		result.Status = paymentdomain.GatewayStatusPending
		result.Fee = decimal.Zero
	case strings.HasSuffix(req.MethodToken, "3ds"):
		result.Status = paymentdomain.GatewayStatusPending
		result.Fee = decimal.Zero
		result.RequiresAuthentication = true
	}

	s.charges[req.IdempotencyKey] = result
	s.byRef[result.ProviderRef] = req.IdempotencyKey
	s.log.Debug("sandbox charge",
		zap.String("reference", req.Reference),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (s *Sandbox) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.RefundResult, error) {
	return paymentdomain.RefundResult{
		ProviderRef: req.ProviderRef,
		Status:      paymentdomain.GatewayStatusRefunded,
	}, nil
}

// Lookup settles scripted pending charges, mimicking a provider whose async
// capture has since completed.
func (s *Sandbox) Lookup(ctx context.Context, providerRef string) (paymentdomain.ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byRef[providerRef]
	if !ok {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrPaymentNotFound
	}
	result := s.charges[key]
	if result.Status == paymentdomain.GatewayStatusPending {
		result.Status = paymentdomain.GatewayStatusCaptured
		result.Fee = decimal.Zero
		s.charges[key] = result
	}
	return result, nil
}
