package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/config"
	creditdomain "github.com/smallbiznis/revara/internal/credit/domain"
	creditservice "github.com/smallbiznis/revara/internal/credit/service"
	customerdomain "github.com/smallbiznis/revara/internal/customer/domain"
	customerrepo "github.com/smallbiznis/revara/internal/customer/repository"
	"github.com/smallbiznis/revara/internal/events"
	invoicedomain "github.com/smallbiznis/revara/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/revara/internal/invoice/repository"
	paymentdomain "github.com/smallbiznis/revara/internal/payment/domain"
	"github.com/smallbiznis/revara/internal/payment/gateway"
	"github.com/smallbiznis/revara/internal/payment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type allocatorFixture struct {
	svc    *Service
	db     *gorm.DB
	node   *snowflake.Node
	credit creditdomain.Ledger
	now    time.Time
}

func newAllocatorFixture(t *testing.T, gw paymentdomain.Gateway) *allocatorFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&customerdomain.Customer{},
		&customerdomain.CustomerPaymentMethod{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&paymentdomain.PaymentTransaction{},
		&paymentdomain.InvoicePayment{},
		&paymentdomain.PaymentAttempt{},
		&creditdomain.CustomerCredit{},
		&creditdomain.CreditTransaction{},
		&events.NotificationEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	log := zap.NewNop()
	outbox := events.NewOutbox(db, log, node)
	ledger := creditservice.NewLedger(creditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Outbox: outbox,
	})
	if gw == nil {
		gw = gateway.NewSandbox(log)
	}

	svc := NewService(Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Clock:        fake,
		Billing:      config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Repo:         repository.New(db),
		InvoiceRepo:  invoicerepo.New(db),
		CustomerRepo: customerrepo.New(db),
		Credit:       ledger,
		Gateway:      gw,
		Outbox:       outbox,
	}).(*Service)

	return &allocatorFixture{svc: svc, db: db, node: node, credit: ledger, now: now}
}

func (f *allocatorFixture) seedCustomer(t *testing.T, token string) snowflake.ID {
	t.Helper()
	customer := customerdomain.Customer{
		ID:       f.node.Generate(),
		Name:     "Contoso ISP",
		Email:    "ap@contoso.test",
		Currency: "USD",
	}
	require.NoError(t, f.db.Create(&customer).Error)
	require.NoError(t, f.db.Create(&customerdomain.CustomerPaymentMethod{
		ID:         f.node.Generate(),
		CustomerID: customer.ID,
		Provider:   "sandbox",
		Token:      token,
		IsDefault:  true,
		Status:     customerdomain.PaymentMethodStatusActive,
	}).Error)
	return customer.ID
}

func (f *allocatorFixture) seedInvoice(t *testing.T, customerID snowflake.ID, due string, dueDate time.Time) *invoicedomain.Invoice {
	t.Helper()
	amount := d(due)
	invoice := &invoicedomain.Invoice{
		ID:               f.node.Generate(),
		CustomerID:       customerID,
		Type:             invoicedomain.InvoiceTypeStandard,
		CurrencyCode:     "USD",
		BaseCurrencyCode: "USD",
		ExchangeRate:     d("1"),
		Subtotal:         amount,
		DiscountAmount:   decimal.Zero,
		TaxRate:          decimal.Zero,
		TaxAmount:        decimal.Zero,
		TotalAmount:      amount,
		BaseTotalAmount:  amount,
		AmountPaid:       decimal.Zero,
		AmountDue:        amount,
		Status:           invoicedomain.InvoiceStatusIssued,
		IssueDate:        &f.now,
		DueDate:          &dueDate,
	}
	require.NoError(t, f.db.Create(invoice).Error)
	return invoice
}

func (f *allocatorFixture) reload(t *testing.T, id snowflake.ID) *invoicedomain.Invoice {
	t.Helper()
	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice, "id = ?", id).Error)
	return &invoice
}

func TestCollectCapturesAndSettlesInvoice(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	invoice := f.seedInvoice(t, customerID, "162.00", f.now.AddDate(0, 0, 14))

	payment, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID:    customerID,
		InvoiceID:     invoice.ID,
		AttemptNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusCaptured, payment.Status)
	assert.True(t, payment.GatewayFee.IsPositive())

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	assert.True(t, stored.AmountDue.IsZero())
	assert.True(t, d("162.00").Equal(stored.AmountPaid))
	require.NotNil(t, stored.PaidAt)
	assert.EqualValues(t, 1, stored.Version)

	var allocations []paymentdomain.InvoicePayment
	require.NoError(t, f.db.Find(&allocations, "payment_id = ?", payment.ID).Error)
	require.Len(t, allocations, 1)
	assert.True(t, d("162.00").Equal(allocations[0].Amount))
	assert.True(t, allocations[0].InvoiceBalanceAfter.IsZero())
	assert.True(t, allocations[0].IsFullPayment)

	var attempt paymentdomain.PaymentAttempt
	require.NoError(t, f.db.First(&attempt, "invoice_id = ?", invoice.ID).Error)
	assert.True(t, d("162.00").Equal(attempt.AttemptedAmount))
	require.NotNil(t, attempt.PaymentMethodID)
	assert.Equal(t, *payment.PaymentMethodID, *attempt.PaymentMethodID)
	assert.False(t, attempt.RequiresAuthentication)
}

func TestCollectReplaySameAttemptDoesNotChargeTwice(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	invoice := f.seedInvoice(t, customerID, "50.00", f.now.AddDate(0, 0, 14))

	first, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.NoError(t, err)

	second, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.PaymentTransaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCollectReplayAfterCrashAllocatesCapturedPayment(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	invoice := f.seedInvoice(t, customerID, "90.00", f.now.AddDate(0, 0, 14))

	// A worker that died between capture and allocation leaves a settled
	// payment with no allocations behind.
	captured := f.now.Add(-time.Minute)
	prior := &paymentdomain.PaymentTransaction{
		ID:             f.node.Generate(),
		CustomerID:     customerID,
		InvoiceID:      &invoice.ID,
		Provider:       "sandbox",
		Reference:      "pay_crashed",
		IdempotencyKey: ChargeIdempotencyKey(invoice.ID, 1),
		Currency:       "USD",
		Amount:         d("90.00"),
		Status:         paymentdomain.PaymentStatusCaptured,
		CapturedAt:     &captured,
	}
	require.NoError(t, f.db.Create(prior).Error)

	replayed, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, prior.ID, replayed.ID)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	assert.True(t, stored.AmountDue.IsZero())

	var allocations []paymentdomain.InvoicePayment
	require.NoError(t, f.db.Find(&allocations, "payment_id = ?", prior.ID).Error)
	require.Len(t, allocations, 1)
	assert.True(t, d("90.00").Equal(allocations[0].Amount))

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.PaymentTransaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCollectReplayOnPaidInvoiceReturnsPriorPayment(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	invoice := f.seedInvoice(t, customerID, "50.00", f.now.AddDate(0, 0, 14))

	first, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, f.reload(t, invoice.ID).Status)

	// The invoice is now closed; the replay still resolves through the
	// idempotency key instead of failing the invoice-state guard.
	second, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCollectDeclineSchedulesRetry(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_declined")
	invoice := f.seedInvoice(t, customerID, "80.00", f.now.AddDate(0, 0, 14))

	payment, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusFailed, payment.Status)

	// Invoice balance is untouched by a failed charge.
	stored := f.reload(t, invoice.ID)
	assert.True(t, d("80.00").Equal(stored.AmountDue))
	assert.Equal(t, invoicedomain.InvoiceStatusIssued, stored.Status)

	var attempt paymentdomain.PaymentAttempt
	require.NoError(t, f.db.First(&attempt, "invoice_id = ?", invoice.ID).Error)
	assert.Equal(t, paymentdomain.AttemptStatusFailed, attempt.Status)
	require.NotNil(t, attempt.NextRetryAt)
	backoff := config.DefaultBillingConfig().Backoff(1)
	assert.WithinDuration(t, f.now.Add(backoff), *attempt.NextRetryAt, time.Second)
}

func TestCollectAuthenticationChallengeStaysPending(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_3ds")
	invoice := f.seedInvoice(t, customerID, "75.00", f.now.AddDate(0, 0, 14))

	payment, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusPending, payment.Status)

	var attempt paymentdomain.PaymentAttempt
	require.NoError(t, f.db.First(&attempt, "invoice_id = ?", invoice.ID).Error)
	assert.Equal(t, paymentdomain.AttemptStatusPending, attempt.Status)
	assert.True(t, attempt.RequiresAuthentication)
	assert.True(t, d("75.00").Equal(attempt.AttemptedAmount))
}

func TestAllocateOldestDueFirst(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	older := f.seedInvoice(t, customerID, "120.00", f.now.AddDate(0, 0, -10))
	newer := f.seedInvoice(t, customerID, "100.00", f.now.AddDate(0, 0, 5))

	payment := &paymentdomain.PaymentTransaction{
		ID:             f.node.Generate(),
		CustomerID:     customerID,
		Provider:       "sandbox",
		Reference:      "pay_manual",
		IdempotencyKey: "manual-1",
		Currency:       "USD",
		Amount:         d("200.00"),
		Status:         paymentdomain.PaymentStatusCaptured,
	}
	require.NoError(t, f.db.Create(payment).Error)

	require.NoError(t, f.svc.Allocate(ctx, payment.ID, nil))

	first := f.reload(t, older.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, first.Status)
	assert.True(t, first.AmountDue.IsZero())

	second := f.reload(t, newer.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, second.Status)
	assert.True(t, d("20.00").Equal(second.AmountDue), "due %s", second.AmountDue)
	assert.True(t, d("80.00").Equal(second.AmountPaid))

	// Each ledger row carries the balance it left behind.
	var partial paymentdomain.InvoicePayment
	require.NoError(t, f.db.First(&partial, "invoice_id = ?", newer.ID).Error)
	assert.True(t, d("20.00").Equal(partial.InvoiceBalanceAfter))
	assert.False(t, partial.IsFullPayment)

	var full paymentdomain.InvoicePayment
	require.NoError(t, f.db.First(&full, "invoice_id = ?", older.ID).Error)
	assert.True(t, full.InvoiceBalanceAfter.IsZero())
	assert.True(t, full.IsFullPayment)
}

func TestAllocateOverpaymentGoesToCredit(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	invoice := f.seedInvoice(t, customerID, "60.00", f.now.AddDate(0, 0, 7))

	payment := &paymentdomain.PaymentTransaction{
		ID:             f.node.Generate(),
		CustomerID:     customerID,
		Provider:       "sandbox",
		Reference:      "pay_over",
		IdempotencyKey: "manual-2",
		Currency:       "USD",
		Amount:         d("100.00"),
		Status:         paymentdomain.PaymentStatusCaptured,
	}
	require.NoError(t, f.db.Create(payment).Error)

	require.NoError(t, f.svc.Allocate(ctx, payment.ID, &invoice.ID))

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)

	balance, err := f.credit.Balance(ctx, customerID, "USD")
	require.NoError(t, err)
	assert.True(t, d("40.00").Equal(balance), "credit %s", balance)
}

func TestConcurrentAllocationsNeverOverpayInvoice(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	invoice := f.seedInvoice(t, customerID, "100.00", f.now.AddDate(0, 0, 7))

	payments := make([]*paymentdomain.PaymentTransaction, 2)
	for i := range payments {
		payments[i] = &paymentdomain.PaymentTransaction{
			ID:             f.node.Generate(),
			CustomerID:     customerID,
			Provider:       "sandbox",
			Reference:      "pay_race_" + f.node.Generate().String(),
			IdempotencyKey: "race-" + f.node.Generate().String(),
			Currency:       "USD",
			Amount:         d("70.00"),
			Status:         paymentdomain.PaymentStatusCaptured,
		}
		require.NoError(t, f.db.Create(payments[i]).Error)
	}

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	var wg sync.WaitGroup
	errs := make([]error, len(payments))
	for i, payment := range payments {
		wg.Add(1)
		go func(i int, id snowflake.ID) {
			defer wg.Done()
			errs[i] = f.svc.Allocate(ctx, id, &invoice.ID)
		}(i, payment.ID)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// The invoice absorbs exactly its balance; the surplus lands in
	// credit no matter which allocation won the race.
	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	assert.True(t, d("100.00").Equal(stored.AmountPaid), "paid %s", stored.AmountPaid)
	assert.True(t, stored.AmountDue.IsZero())

	var allocations []paymentdomain.InvoicePayment
	require.NoError(t, f.db.Find(&allocations, "invoice_id = ?", invoice.ID).Error)
	applied := decimal.Zero
	for _, allocation := range allocations {
		applied = applied.Add(allocation.Amount)
	}
	assert.True(t, d("100.00").Equal(applied), "applied %s", applied)

	balance, err := f.credit.Balance(ctx, customerID, "USD")
	require.NoError(t, err)
	assert.True(t, d("40.00").Equal(balance), "credit %s", balance)
}

func TestAllocateIsIdempotent(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	invoice := f.seedInvoice(t, customerID, "60.00", f.now.AddDate(0, 0, 7))

	payment := &paymentdomain.PaymentTransaction{
		ID:             f.node.Generate(),
		CustomerID:     customerID,
		Provider:       "sandbox",
		Reference:      "pay_once",
		IdempotencyKey: "manual-3",
		Currency:       "USD",
		Amount:         d("60.00"),
		Status:         paymentdomain.PaymentStatusCaptured,
	}
	require.NoError(t, f.db.Create(payment).Error)

	require.NoError(t, f.svc.Allocate(ctx, payment.ID, &invoice.ID))
	require.NoError(t, f.svc.Allocate(ctx, payment.ID, &invoice.ID))

	stored := f.reload(t, invoice.ID)
	assert.True(t, d("60.00").Equal(stored.AmountPaid))

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.InvoicePayment{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestReconcilePendingSettlesLateCapture(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_pending")
	invoice := f.seedInvoice(t, customerID, "45.00", f.now.AddDate(0, 0, 14))

	payment, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusPending, payment.Status)

	window := config.DefaultBillingConfig().PendingReconcileAfter()
	settled, err := f.svc.ReconcilePending(ctx, f.now.Add(window+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.ChargeResult), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.RefundResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.RefundResult), args.Error(1)
}

func (m *mockGateway) Lookup(ctx context.Context, providerRef string) (paymentdomain.ChargeResult, error) {
	args := m.Called(ctx, providerRef)
	return args.Get(0).(paymentdomain.ChargeResult), args.Error(1)
}

func TestCollectTransportErrorLeavesPaymentPending(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Charge", mock.Anything, mock.Anything).
		Return(paymentdomain.ChargeResult{}, errors.New("connection reset"))

	f := newAllocatorFixture(t, gw)
	ctx := context.Background()
	customerID := f.seedCustomer(t, "tok_visa")
	invoice := f.seedInvoice(t, customerID, "30.00", f.now.AddDate(0, 0, 14))

	_, err := f.svc.Collect(ctx, paymentdomain.CollectRequest{
		CustomerID: customerID, InvoiceID: invoice.ID, AttemptNumber: 1,
	})
	require.Error(t, err)

	// The undecided charge stays pending for the reconciliation sweep.
	var payment paymentdomain.PaymentTransaction
	require.NoError(t, f.db.First(&payment, "customer_id = ?", customerID).Error)
	assert.Equal(t, paymentdomain.PaymentStatusPending, payment.Status)
	gw.AssertExpectations(t)
}
