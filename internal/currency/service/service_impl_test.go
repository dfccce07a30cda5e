package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/config"
	currencydomain "github.com/smallbiznis/revara/internal/currency/domain"
	"github.com/smallbiznis/revara/internal/currency/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, now time.Time) (*Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&currencydomain.ExchangeRate{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(now)
	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Repo:    repository.New(db),
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	}).(*Service)

	return svc, fake, db
}

func TestResolvePicksLatestEffectiveRate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)
	ctx := context.Background()

	_, err := svc.UpsertRate(ctx, currencydomain.UpsertRateRequest{
		BaseCurrency:   "USD",
		TargetCurrency: "EUR",
		Rate:           decimal.RequireFromString("1.05"),
		Markup:         decimal.RequireFromString("0.02"),
		EffectiveDate:  now.Add(-48 * time.Hour),
		Source:         "ecb",
	})
	require.NoError(t, err)

	_, err = svc.UpsertRate(ctx, currencydomain.UpsertRateRequest{
		BaseCurrency:   "USD",
		TargetCurrency: "EUR",
		Rate:           decimal.RequireFromString("1.10"),
		Markup:         decimal.RequireFromString("0.02"),
		EffectiveDate:  now.Add(-2 * time.Hour),
		Source:         "ecb",
	})
	require.NoError(t, err)

	snapshot, err := svc.Resolve(ctx, "usd", "eur", now)
	require.NoError(t, err)
	assert.True(t, snapshot.Rate.Equal(decimal.RequireFromString("1.10")), "rate %s", snapshot.Rate)
	assert.True(t, snapshot.EffectiveRate.Equal(decimal.RequireFromString("1.122")), "effective %s", snapshot.EffectiveRate)
	assert.False(t, snapshot.Stale)

	// Resolving as of a point before the newer rate must match the old row.
	snapshot, err = svc.Resolve(ctx, "USD", "EUR", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, snapshot.Rate.Equal(decimal.RequireFromString("1.05")), "rate %s", snapshot.Rate)
}

func TestResolveRateNotFoundIsFatal(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)

	_, err := svc.Resolve(context.Background(), "USD", "JPY", now)
	assert.ErrorIs(t, err, currencydomain.ErrRateNotFound)
}

func TestResolveFlagsStaleRate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)
	ctx := context.Background()

	_, err := svc.UpsertRate(ctx, currencydomain.UpsertRateRequest{
		BaseCurrency:   "USD",
		TargetCurrency: "GBP",
		Rate:           decimal.RequireFromString("0.79"),
		EffectiveDate:  now.Add(-72 * time.Hour),
		Source:         "manual",
	})
	require.NoError(t, err)

	snapshot, err := svc.Resolve(ctx, "USD", "GBP", now)
	require.NoError(t, err)
	assert.True(t, snapshot.Stale)
}

func TestResolveSameCurrencyIsIdentity(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)

	snapshot, err := svc.Resolve(context.Background(), "USD", "USD", now)
	require.NoError(t, err)
	assert.True(t, snapshot.EffectiveRate.Equal(decimal.NewFromInt(1)))
}

func TestUpsertExpiresPreviousActiveRow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _, db := newTestService(t, now)
	ctx := context.Background()

	first, err := svc.UpsertRate(ctx, currencydomain.UpsertRateRequest{
		BaseCurrency:   "USD",
		TargetCurrency: "EUR",
		Rate:           decimal.RequireFromString("1.05"),
		EffectiveDate:  now.Add(-time.Hour),
		Source:         "ecb",
	})
	require.NoError(t, err)

	_, err = svc.UpsertRate(ctx, currencydomain.UpsertRateRequest{
		BaseCurrency:   "USD",
		TargetCurrency: "EUR",
		Rate:           decimal.RequireFromString("1.06"),
		EffectiveDate:  now,
		Source:         "ecb",
	})
	require.NoError(t, err)

	var stored currencydomain.ExchangeRate
	require.NoError(t, db.First(&stored, "id = ?", first.ID).Error)
	require.NotNil(t, stored.ExpiryDate)
	assert.WithinDuration(t, now, *stored.ExpiryDate, time.Second)
}
