package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/events"
	vendordomain "github.com/smallbiznis/revara/internal/vendorcost/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB, *snowflake.Node, time.Time) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&vendordomain.VendorCost{},
		&vendordomain.VendorPayout{},
		&events.NotificationEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	log := zap.NewNop()
	tracker := NewTracker(Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  clock.NewFakeClock(now),
		Outbox: events.NewOutbox(db, log, node),
	}).(*Tracker)

	return tracker, db, node, now
}

func TestRecordCostAndSumUnrecoverable(t *testing.T) {
	tracker, _, node, now := newTestTracker(t)
	ctx := context.Background()
	invoiceID := node.Generate()
	customerID := node.Generate()

	_, err := tracker.RecordCost(ctx, nil, vendordomain.RecordCostRequest{
		InvoiceID:   invoiceID,
		CustomerID:  customerID,
		Vendor:      "verisign",
		Description: "domain registration",
		Amount:      d("8.50"),
		Currency:    "usd",
		Recoverable: false,
		IncurredAt:  now,
	})
	require.NoError(t, err)

	_, err = tracker.RecordCost(ctx, nil, vendordomain.RecordCostRequest{
		InvoiceID:   invoiceID,
		CustomerID:  customerID,
		Vendor:      "hetzner",
		Description: "server lease",
		Amount:      d("20.00"),
		Currency:    "USD",
		Recoverable: true,
		IncurredAt:  now,
	})
	require.NoError(t, err)

	sum, err := tracker.UnrecoverableForInvoices(ctx, nil, []snowflake.ID{invoiceID}, now)
	require.NoError(t, err)
	assert.True(t, d("8.50").Equal(sum), "unrecoverable %s", sum)
}

func TestRecoverableCostSinksAfterRefundDeadline(t *testing.T) {
	tracker, _, node, now := newTestTracker(t)
	ctx := context.Background()
	invoiceID := node.Generate()
	customerID := node.Generate()

	deadline := now.Add(30 * 24 * time.Hour)
	_, err := tracker.RecordCost(ctx, nil, vendordomain.RecordCostRequest{
		InvoiceID:      invoiceID,
		CustomerID:     customerID,
		Vendor:         "hetzner",
		Description:    "server lease",
		Amount:         d("400.00"),
		Currency:       "USD",
		Recoverable:    true,
		RefundDeadline: &deadline,
		IncurredAt:     now,
	})
	require.NoError(t, err)

	// Inside the claw-back window the cost can still be recovered.
	sum, err := tracker.UnrecoverableForInvoices(ctx, nil, []snowflake.ID{invoiceID}, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.IsZero(), "unrecoverable %s", sum)

	// Once the window closes it counts as sunk.
	sum, err = tracker.UnrecoverableForInvoices(ctx, nil, []snowflake.ID{invoiceID}, deadline.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, d("400.00").Equal(sum), "unrecoverable %s", sum)
}

func TestRecordCostSnapshotsBaseCurrency(t *testing.T) {
	tracker, _, node, now := newTestTracker(t)
	ctx := context.Background()

	cost, err := tracker.RecordCost(ctx, nil, vendordomain.RecordCostRequest{
		InvoiceID:        node.Generate(),
		CustomerID:       node.Generate(),
		Vendor:           "ovh",
		Description:      "colo rack",
		Amount:           d("100.00"),
		Currency:         "eur",
		BaseCurrencyCode: "usd",
		ExchangeRate:     d("1.0850"),
		IncurredAt:       now,
	})
	require.NoError(t, err)
	assert.Equal(t, "EUR", cost.Currency)
	assert.Equal(t, "USD", cost.BaseCurrencyCode)
	assert.True(t, d("108.50").Equal(cost.BaseAmount), "base %s", cost.BaseAmount)

	// No rate supplied means the cost is already in base currency.
	cost, err = tracker.RecordCost(ctx, nil, vendordomain.RecordCostRequest{
		InvoiceID:   node.Generate(),
		CustomerID:  node.Generate(),
		Vendor:      "ovh",
		Description: "colo rack",
		Amount:      d("50.00"),
		Currency:    "USD",
		IncurredAt:  now,
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", cost.BaseCurrencyCode)
	assert.True(t, d("1").Equal(cost.ExchangeRate))
	assert.True(t, d("50.00").Equal(cost.BaseAmount))
}

func TestSchedulePayoutsBatchesPerVendorAndCurrency(t *testing.T) {
	tracker, db, node, now := newTestTracker(t)
	ctx := context.Background()

	for _, c := range []struct {
		vendor, amount, currency string
	}{
		{"verisign", "8.50", "USD"},
		{"verisign", "12.00", "USD"},
		{"verisign", "9.00", "EUR"},
		{"hetzner", "40.00", "EUR"},
	} {
		_, err := tracker.RecordCost(ctx, nil, vendordomain.RecordCostRequest{
			InvoiceID:   node.Generate(),
			CustomerID:  node.Generate(),
			Vendor:      c.vendor,
			Description: "upstream",
			Amount:      d(c.amount),
			Currency:    c.currency,
			IncurredAt:  now,
		})
		require.NoError(t, err)
	}

	payouts, err := tracker.SchedulePayouts(ctx, now)
	require.NoError(t, err)
	require.Len(t, payouts, 3)

	byKey := map[string]vendordomain.VendorPayout{}
	for _, p := range payouts {
		byKey[p.Vendor+"/"+p.Currency] = p
	}
	assert.True(t, d("20.50").Equal(byKey["verisign/USD"].TotalAmount))
	assert.Equal(t, 2, byKey["verisign/USD"].CostCount)
	assert.True(t, d("9.00").Equal(byKey["verisign/EUR"].TotalAmount))
	assert.True(t, d("40.00").Equal(byKey["hetzner/EUR"].TotalAmount))

	// Every cost is now assigned; a second sweep schedules nothing.
	var unassigned int64
	require.NoError(t, db.Model(&vendordomain.VendorCost{}).Where("payout_id IS NULL").Count(&unassigned).Error)
	assert.Zero(t, unassigned)

	again, err := tracker.SchedulePayouts(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRecordCostValidation(t *testing.T) {
	tracker, _, node, now := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.RecordCost(ctx, nil, vendordomain.RecordCostRequest{
		InvoiceID:  node.Generate(),
		CustomerID: node.Generate(),
		Vendor:     "verisign",
		Amount:     d("0"),
		Currency:   "USD",
		IncurredAt: now,
	})
	assert.ErrorIs(t, err, vendordomain.ErrInvalidCostAmount)

	_, err = tracker.RecordCost(ctx, nil, vendordomain.RecordCostRequest{
		InvoiceID:  node.Generate(),
		CustomerID: node.Generate(),
		Vendor:     "   ",
		Amount:     d("5.00"),
		Currency:   "USD",
		IncurredAt: now,
	})
	assert.ErrorIs(t, err, vendordomain.ErrMissingVendor)
}
