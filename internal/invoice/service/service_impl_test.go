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
	coupondomain "github.com/smallbiznis/revara/internal/coupon/domain"
	couponservice "github.com/smallbiznis/revara/internal/coupon/service"
	currencydomain "github.com/smallbiznis/revara/internal/currency/domain"
	currencyrepo "github.com/smallbiznis/revara/internal/currency/repository"
	currencyservice "github.com/smallbiznis/revara/internal/currency/service"
	customerdomain "github.com/smallbiznis/revara/internal/customer/domain"
	customerrepo "github.com/smallbiznis/revara/internal/customer/repository"
	"github.com/smallbiznis/revara/internal/events"
	invoicedomain "github.com/smallbiznis/revara/internal/invoice/domain"
	"github.com/smallbiznis/revara/internal/invoice/repository"
	taxdomain "github.com/smallbiznis/revara/internal/tax/domain"
	taxrepo "github.com/smallbiznis/revara/internal/tax/repository"
	taxservice "github.com/smallbiznis/revara/internal/tax/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type compilerFixture struct {
	svc   *Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	now   time.Time
}

func newCompilerFixture(t *testing.T) *compilerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&customerdomain.Customer{},
		&coupondomain.Coupon{},
		&coupondomain.CouponUsage{},
		&taxdomain.TaxRule{},
		&currencydomain.ExchangeRate{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&events.NotificationEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	log := zap.NewNop()
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	rates := currencyservice.NewService(currencyservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fake,
		Repo:    currencyrepo.New(db),
		Billing: billing,
	})
	engine := couponservice.NewEngine(couponservice.Params{DB: db, Log: log, GenID: node})
	resolver := taxservice.NewResolver(taxservice.Params{Log: log, Repo: taxrepo.New(db)})

	svc := NewService(Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Clock:        fake,
		Cfg:          config.Config{BaseCurrency: "USD"},
		Billing:      billing,
		Repo:         repository.New(db),
		CustomerRepo: customerrepo.New(db),
		CouponEngine: engine,
		TaxResolver:  resolver,
		Rates:        rates,
		Outbox:       events.NewOutbox(db, log, node),
	}).(*Service)

	return &compilerFixture{svc: svc, db: db, node: node, clock: fake, now: now}
}

func (f *compilerFixture) seedCustomer(t *testing.T, currency, country string) snowflake.ID {
	t.Helper()
	customer := customerdomain.Customer{
		ID:                  f.node.Generate(),
		Name:                "Northwind Hosting",
		Email:               "billing@northwind.test",
		Currency:            currency,
		TaxResidenceCountry: country,
	}
	require.NoError(t, f.db.Create(&customer).Error)
	return customer.ID
}

func (f *compilerFixture) seedTaxRule(t *testing.T, country, rate string) {
	t.Helper()
	require.NoError(t, f.db.Create(&taxdomain.TaxRule{
		ID:            f.node.Generate(),
		Country:       country,
		Name:          "VAT",
		Authority:     "tax-office",
		Rate:          d(rate),
		EffectiveDate: f.now.AddDate(-1, 0, 0),
		IsActive:      true,
	}).Error)
}

func (f *compilerFixture) seedPercentCoupon(t *testing.T, code, percent string) {
	t.Helper()
	require.NoError(t, f.db.Create(&coupondomain.Coupon{
		ID:         f.node.Generate(),
		Code:       code,
		Type:       coupondomain.CouponTypePercentage,
		PercentOff: ptr(d(percent)),
		IsActive:   true,
	}).Error)
}

func ptr[T any](v T) *T { return &v }

func twoLines() []invoicedomain.LineInput {
	return []invoicedomain.LineInput{
		{Description: "Managed hosting", LineType: invoicedomain.LineTypeHosting, Quantity: d("1"), UnitPrice: d("100.00")},
		{Description: "Domain renewal", LineType: invoicedomain.LineTypeDomain, Quantity: d("1"), UnitPrice: d("50.00")},
	}
}

func TestCompileAppliesCouponThenTax(t *testing.T) {
	f := newCompilerFixture(t)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "USD", "DE")
	f.seedTaxRule(t, "DE", "0.20")
	f.seedPercentCoupon(t, "SPRING10", "10")

	invoice, err := f.svc.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: customerID,
		Lines:      twoLines(),
		CouponCode: "SPRING10",
	})
	require.NoError(t, err)

	assert.True(t, d("150.00").Equal(invoice.Subtotal), "subtotal %s", invoice.Subtotal)
	assert.True(t, d("15.00").Equal(invoice.DiscountAmount), "discount %s", invoice.DiscountAmount)
	assert.True(t, d("27.00").Equal(invoice.TaxAmount), "tax %s", invoice.TaxAmount)
	assert.True(t, d("162.00").Equal(invoice.TotalAmount), "total %s", invoice.TotalAmount)
	assert.True(t, d("162.00").Equal(invoice.AmountDue))
	assert.True(t, invoice.AmountPaid.IsZero())
	assert.Equal(t, invoicedomain.InvoiceStatusIssued, invoice.Status)
	require.NotNil(t, invoice.DueDate)
	assert.Equal(t, f.now.AddDate(0, 0, config.DefaultBillingConfig().InvoiceDueDays), invoice.DueDate.UTC())

	// Line totals reconcile exactly with the invoice.
	var lines []invoicedomain.InvoiceLine
	require.NoError(t, f.db.Order("id").Find(&lines, "invoice_id = ?", invoice.ID).Error)
	require.Len(t, lines, 2)
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(line.TotalWithTax)
	}
	assert.True(t, invoice.TotalAmount.Equal(sum), "line sum %s", sum)
	assert.True(t, d("10.00").Equal(lines[0].Discount))
	assert.True(t, d("5.00").Equal(lines[1].Discount))

	// Redemption is recorded in the same transaction.
	var usages int64
	require.NoError(t, f.db.Model(&coupondomain.CouponUsage{}).Count(&usages).Error)
	assert.EqualValues(t, 1, usages)

	// Issue event lands in the outbox.
	var event events.NotificationEvent
	require.NoError(t, f.db.First(&event, "event_type = ?", events.EventInvoiceIssued).Error)
	assert.Equal(t, customerID, event.CustomerID)
}

func TestCompilePinsExchangeRateSnapshot(t *testing.T) {
	f := newCompilerFixture(t)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "EUR", "DE")
	f.seedTaxRule(t, "DE", "0.20")

	require.NoError(t, f.db.Create(&currencydomain.ExchangeRate{
		ID:             f.node.Generate(),
		BaseCurrency:   "EUR",
		TargetCurrency: "USD",
		Rate:           d("1.10"),
		Markup:         d("0.02"),
		EffectiveDate:  f.now.Add(-time.Hour),
		Source:         "ecb",
		IsActive:       true,
	}).Error)

	invoice, err := f.svc.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: customerID,
		Lines: []invoicedomain.LineInput{
			{Description: "Managed hosting", LineType: invoicedomain.LineTypeHosting, Quantity: d("1"), UnitPrice: d("100.00")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "EUR", invoice.CurrencyCode)
	assert.Equal(t, "USD", invoice.BaseCurrencyCode)
	assert.True(t, d("1.122").Equal(invoice.ExchangeRate), "rate %s", invoice.ExchangeRate)
	assert.True(t, d("120.00").Equal(invoice.TotalAmount))
	// 120 * 1.122 = 134.64
	assert.True(t, d("134.64").Equal(invoice.BaseTotalAmount), "base total %s", invoice.BaseTotalAmount)
	require.NotNil(t, invoice.ExchangeRateDate)
}

func TestCompileIsIdempotentPerSubscriptionPeriod(t *testing.T) {
	f := newCompilerFixture(t)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "USD", "DE")
	f.seedTaxRule(t, "DE", "0.20")

	subscriptionID := f.node.Generate()
	periodStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	req := invoicedomain.CompileRequest{
		CustomerID:     customerID,
		Lines:          twoLines(),
		SubscriptionID: &subscriptionID,
		PeriodStart:    &periodStart,
		PeriodEnd:      &periodEnd,
	}

	first, err := f.svc.Compile(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Compile(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCompileRejectsInvalidLines(t *testing.T) {
	f := newCompilerFixture(t)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "USD", "DE")

	_, err := f.svc.Compile(ctx, invoicedomain.CompileRequest{CustomerID: customerID})
	assert.ErrorIs(t, err, invoicedomain.ErrNoLines)

	_, err = f.svc.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: customerID,
		Lines: []invoicedomain.LineInput{
			{Description: "zero", Quantity: d("0"), UnitPrice: d("10.00")},
		},
	})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidLineQuantity)

	_, err = f.svc.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: customerID,
		Lines: []invoicedomain.LineInput{
			{Description: "negative", Quantity: d("1"), UnitPrice: d("-1.00")},
		},
	})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidLineUnitPrice)
}

func TestVoidRefusesPaidInvoice(t *testing.T) {
	f := newCompilerFixture(t)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "USD", "DE")
	f.seedTaxRule(t, "DE", "0.20")

	invoice, err := f.svc.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: customerID,
		Lines:      twoLines(),
	})
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Update("amount_paid", d("50.00")).Error)

	err = f.svc.Void(ctx, invoice.ID, "duplicate order")
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceHasPayments)
}

func TestVoidCancelsUnpaidInvoice(t *testing.T) {
	f := newCompilerFixture(t)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "USD", "DE")
	f.seedTaxRule(t, "DE", "0.20")

	invoice, err := f.svc.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: customerID,
		Lines:      twoLines(),
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Void(ctx, invoice.ID, "duplicate order"))

	stored, err := f.svc.GetByID(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, stored.Status)
	require.NotNil(t, stored.VoidReason)
	assert.Equal(t, "duplicate order", *stored.VoidReason)
}

func TestCreateCreditNoteNegatesOriginal(t *testing.T) {
	f := newCompilerFixture(t)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "USD", "DE")
	f.seedTaxRule(t, "DE", "0.20")

	invoice, err := f.svc.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: customerID,
		Lines:      twoLines(),
	})
	require.NoError(t, err)

	note, err := f.svc.CreateCreditNote(ctx, invoice.ID, "service outage")
	require.NoError(t, err)

	assert.Equal(t, invoicedomain.InvoiceTypeCreditNote, note.Type)
	require.NotNil(t, note.CreditNoteFor)
	assert.Equal(t, invoice.ID, *note.CreditNoteFor)
	assert.True(t, invoice.TotalAmount.Neg().Equal(note.TotalAmount))
	assert.True(t, invoice.TaxAmount.Neg().Equal(note.TaxAmount))

	// The original stays untouched.
	original, err := f.svc.GetByID(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusIssued, original.Status)
}

func TestMarkOverdueFlagsPastDueInvoices(t *testing.T) {
	f := newCompilerFixture(t)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "USD", "DE")
	f.seedTaxRule(t, "DE", "0.20")

	invoice, err := f.svc.Compile(ctx, invoicedomain.CompileRequest{
		CustomerID: customerID,
		Lines:      twoLines(),
	})
	require.NoError(t, err)

	count, err := f.svc.MarkOverdue(ctx, f.now)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = f.svc.MarkOverdue(ctx, invoice.DueDate.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := f.svc.GetByID(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusOverdue, stored.Status)
}
