package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	taxdomain "github.com/smallbiznis/revara/internal/tax/domain"
	"github.com/smallbiznis/revara/internal/tax/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log  *zap.Logger
	Repo *repository.Repository
}

type Resolver struct {
	log  *zap.Logger
	repo *repository.Repository
}

func NewResolver(p Params) taxdomain.Resolver {
	return &Resolver{
		log:  p.Log.Named("tax.resolver"),
		repo: p.Repo,
	}
}

// Resolve returns the tax snapshot for an invoice. Exempt customers and
// jurisdictions without an applicable rule both resolve to a zero rate; the
// distinction is kept on the Exempt flag for the invoice record.
func (r *Resolver) Resolve(ctx context.Context, taxCtx taxdomain.Context) (taxdomain.Resolution, error) {
	if taxCtx.Exempt {
		return taxdomain.Resolution{Rate: decimal.Zero, Exempt: true}, nil
	}

	country := strings.ToUpper(strings.TrimSpace(taxCtx.Country))
	if country == "" {
		return taxdomain.Resolution{}, taxdomain.ErrInvalidCountry
	}

	rule, err := r.repo.FindEffective(ctx, country, taxCtx.Region, taxCtx.AsOf)
	if err != nil {
		return taxdomain.Resolution{}, err
	}
	if rule == nil {
		return taxdomain.Resolution{Rate: decimal.Zero}, nil
	}
	if rule.Rate.IsNegative() {
		return taxdomain.Resolution{}, taxdomain.ErrInvalidRate
	}

	return taxdomain.Resolution{
		Rate:      rule.Rate,
		Name:      rule.Name,
		Authority: rule.Authority,
	}, nil
}
