package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type UpsertRateRequest struct {
	BaseCurrency   string
	TargetCurrency string
	Rate           decimal.Decimal
	Markup         decimal.Decimal
	EffectiveDate  time.Time
	Source         string
}

// Resolver resolves markup-inclusive exchange rates as of an explicit
// instant. There is no ambient "current rate"; every caller passes asOf.
type Resolver interface {
	// Resolve selects the active rate for the pair with the greatest
	// effective date <= asOf whose expiry is unset or after asOf.
	// Returns ErrRateNotFound when no eligible row exists; billing must
	// not proceed without a rate.
	Resolve(ctx context.Context, base, target string, asOf time.Time) (RateSnapshot, error)

	// UpsertRate records a new rate for the pair, expiring the previously
	// active row so exactly one active rate is effective per instant.
	UpsertRate(ctx context.Context, req UpsertRateRequest) (*ExchangeRate, error)
}

// Convert applies the snapshot to an amount in the target currency and
// returns the base-currency amount at customer-facing scale.
func (s RateSnapshot) Convert(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.EffectiveRate).RoundBank(2)
}
