package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/config"
	currencydomain "github.com/smallbiznis/revara/internal/currency/domain"
	"github.com/smallbiznis/revara/internal/currency/repository"
	obsmetrics "github.com/smallbiznis/revara/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    *repository.Repository
	Billing *config.BillingConfigHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    *repository.Repository
	billing *config.BillingConfigHolder
}

func NewService(p Params) currencydomain.Resolver {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("currency.resolver"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		billing: p.Billing,
	}
}

func (s *Service) Resolve(ctx context.Context, base, target string, asOf time.Time) (currencydomain.RateSnapshot, error) {
	base, target, err := normalizePair(base, target)
	if err != nil {
		return currencydomain.RateSnapshot{}, err
	}

	if base == target {
		return identitySnapshot(base, asOf), nil
	}

	rate, err := s.repo.FindEffective(ctx, base, target, asOf)
	if err != nil {
		return currencydomain.RateSnapshot{}, err
	}

	snapshot := currencydomain.RateSnapshot{
		BaseCurrency:   rate.BaseCurrency,
		TargetCurrency: rate.TargetCurrency,
		Rate:           rate.Rate,
		Markup:         rate.Markup,
		EffectiveRate:  rate.EffectiveRate(),
		EffectiveDate:  rate.EffectiveDate,
	}

	if freshness := s.billing.Current().RateFreshness(); freshness > 0 && asOf.Sub(rate.EffectiveDate) > freshness {
		snapshot.Stale = true
		obsmetrics.Billing().IncStaleRate()
		s.log.Warn("resolved stale exchange rate",
			zap.String("base", base),
			zap.String("target", target),
			zap.Time("effective_date", rate.EffectiveDate),
			zap.Time("as_of", asOf),
		)
	}

	return snapshot, nil
}

func (s *Service) UpsertRate(ctx context.Context, req currencydomain.UpsertRateRequest) (*currencydomain.ExchangeRate, error) {
	base, target, err := normalizePair(req.BaseCurrency, req.TargetCurrency)
	if err != nil {
		return nil, err
	}
	if !req.Rate.IsPositive() || req.Markup.IsNegative() {
		return nil, currencydomain.ErrInvalidRate
	}

	effective := req.EffectiveDate
	if effective.IsZero() {
		effective = s.clock.Now()
	}

	rate := &currencydomain.ExchangeRate{
		ID:             s.genID.Generate(),
		BaseCurrency:   base,
		TargetCurrency: target,
		Rate:           req.Rate,
		Markup:         req.Markup,
		EffectiveDate:  effective.UTC(),
		Source:         strings.TrimSpace(req.Source),
		IsActive:       true,
		CreatedAt:      s.clock.Now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.ExpireActive(ctx, tx, base, target, rate.EffectiveDate); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, rate)
	})
	if err != nil {
		return nil, err
	}

	return rate, nil
}

func normalizePair(base, target string) (string, string, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	target = strings.ToUpper(strings.TrimSpace(target))
	if len(base) != 3 || len(target) != 3 {
		return "", "", currencydomain.ErrInvalidCurrency
	}
	return base, target, nil
}

func identitySnapshot(currency string, asOf time.Time) currencydomain.RateSnapshot {
	one := decimal.NewFromInt(1)
	return currencydomain.RateSnapshot{
		BaseCurrency:   currency,
		TargetCurrency: currency,
		Rate:           one,
		Markup:         decimal.Zero,
		EffectiveRate:  one,
		EffectiveDate:  asOf,
	}
}
