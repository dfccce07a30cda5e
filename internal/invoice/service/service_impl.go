package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/config"
	coupondomain "github.com/smallbiznis/revara/internal/coupon/domain"
	currencydomain "github.com/smallbiznis/revara/internal/currency/domain"
	customerrepo "github.com/smallbiznis/revara/internal/customer/repository"
	"github.com/smallbiznis/revara/internal/events"
	invoicedomain "github.com/smallbiznis/revara/internal/invoice/domain"
	"github.com/smallbiznis/revara/internal/invoice/repository"
	"github.com/smallbiznis/revara/internal/money"
	obsmetrics "github.com/smallbiznis/revara/internal/observability/metrics"
	taxdomain "github.com/smallbiznis/revara/internal/tax/domain"
	"github.com/smallbiznis/revara/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Cfg          config.Config
	Billing      *config.BillingConfigHolder
	Repo         *repository.Repository
	CustomerRepo *customerrepo.Repository
	CouponEngine coupondomain.Engine
	TaxResolver  taxdomain.Resolver
	Rates        currencydomain.Resolver
	Outbox       *events.Outbox
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	cfg          config.Config
	billing      *config.BillingConfigHolder
	repo         *repository.Repository
	customerRepo *customerrepo.Repository
	couponEngine coupondomain.Engine
	taxResolver  taxdomain.Resolver
	rates        currencydomain.Resolver
	outbox       *events.Outbox
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("invoice.compiler"),
		genID:        p.GenID,
		clock:        p.Clock,
		cfg:          p.Cfg,
		billing:      p.Billing,
		repo:         p.Repo,
		customerRepo: p.CustomerRepo,
		couponEngine: p.CouponEngine,
		taxResolver:  p.TaxResolver,
		rates:        p.Rates,
		outbox:       p.Outbox,
	}
}

func (s *Service) Compile(ctx context.Context, req invoicedomain.CompileRequest) (*invoicedomain.Invoice, error) {
	if len(req.Lines) == 0 {
		return nil, invoicedomain.ErrNoLines
	}
	for _, line := range req.Lines {
		if !line.Quantity.IsPositive() {
			return nil, invoicedomain.ErrInvalidLineQuantity
		}
		if line.UnitPrice.IsNegative() {
			return nil, invoicedomain.ErrInvalidLineUnitPrice
		}
	}

	customer, err := s.customerRepo.FindByID(ctx, nil, req.CustomerID)
	if err != nil {
		return nil, err
	}

	issueAt := req.IssueDate
	if issueAt.IsZero() {
		issueAt = s.clock.Now()
	}
	displayCurrency := strings.ToUpper(strings.TrimSpace(req.DisplayCurrency))
	if displayCurrency == "" {
		displayCurrency = customer.Currency
	}
	baseCurrency := s.cfg.BaseCurrency

	var invoice *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.SubscriptionID != nil && req.PeriodStart != nil {
			existing, err := s.repo.FindBySubscriptionPeriod(ctx, tx, *req.SubscriptionID, *req.PeriodStart)
			if err != nil {
				return err
			}
			if existing != nil {
				invoice = existing
				return nil
			}
		}

		built, lines, usage, err := s.build(ctx, tx, req, customer.TaxExempt, customer.TaxResidenceCountry, displayCurrency, baseCurrency, issueAt)
		if err != nil {
			return err
		}

		if err := s.repo.Insert(ctx, tx, built, lines); err != nil {
			if db.IsDuplicateKeyErr(err) && req.SubscriptionID != nil && req.PeriodStart != nil {
				// Lost the race against a concurrent tick for the same
				// period; return the winner.
				existing, findErr := s.repo.FindBySubscriptionPeriod(ctx, tx, *req.SubscriptionID, *req.PeriodStart)
				if findErr != nil {
					return findErr
				}
				if existing != nil {
					invoice = existing
					return nil
				}
			}
			return err
		}
		if usage != nil {
			usage.InvoiceID = built.ID
			if err := s.couponEngine.RecordUsage(ctx, tx, *usage); err != nil {
				return err
			}
		}

		invoice = built
		_ = s.outbox.PublishTx(ctx, tx, events.Event{
			CustomerID: built.CustomerID,
			Type:       events.EventInvoiceIssued,
			DedupeKey:  fmt.Sprintf("invoice.issued:%d", built.ID),
			Payload: map[string]any{
				"invoice_id": built.ID.String(),
				"total":      built.TotalAmount.String(),
				"currency":   built.CurrencyCode,
				"due_date":   built.DueDate,
			},
		})
		obsmetrics.Billing().IncInvoiceIssued(built.CurrencyCode)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return invoice, nil
}

// build prices the request into an issued invoice and its lines. Pure
// computation plus lookups; persistence stays with the caller, but the
// issuing transaction rides along so coupon caps are checked under lock.
func (s *Service) build(ctx context.Context, tx *gorm.DB, req invoicedomain.CompileRequest, taxExempt bool, taxCountry, displayCurrency, baseCurrency string, issueAt time.Time) (*invoicedomain.Invoice, []invoicedomain.InvoiceLine, *coupondomain.CouponUsage, error) {
	subtotal := decimal.Zero
	lineSubtotals := make([]decimal.Decimal, len(req.Lines))
	for i, line := range req.Lines {
		lineSubtotals[i] = line.Quantity.Mul(line.UnitPrice).RoundBank(money.Scale)
		subtotal = subtotal.Add(lineSubtotals[i])
	}

	// Coupon discount, distributed proportionally over eligible lines.
	// Gateway fee lines never take a discount.
	discountTotal := decimal.Zero
	discountPerLine := make([]decimal.Decimal, len(req.Lines))
	var couponID *snowflake.ID
	var usage *coupondomain.CouponUsage
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		coupon, err := s.couponEngine.FindByCode(ctx, code)
		if err != nil {
			return nil, nil, nil, err
		}

		eligibleIdx := make([]int, 0, len(req.Lines))
		eligibleTotals := make([]decimal.Decimal, 0, len(req.Lines))
		for i, line := range req.Lines {
			if line.IsGatewayFee {
				continue
			}
			eligibleIdx = append(eligibleIdx, i)
			eligibleTotals = append(eligibleTotals, lineSubtotals[i])
		}

		discount, err := s.couponEngine.Apply(ctx, tx, coupon, req.CustomerID, eligibleTotals, displayCurrency, issueAt)
		if err != nil {
			return nil, nil, nil, err
		}
		for j, idx := range eligibleIdx {
			discountPerLine[idx] = discount.PerLine[j]
		}
		discountTotal = discount.Total
		couponID = &coupon.ID
		usage = &coupondomain.CouponUsage{
			CouponID:   coupon.ID,
			CustomerID: req.CustomerID,
			Amount:     discount.Total,
			Currency:   displayCurrency,
		}
	}

	// Tax is resolved once per invoice, then distributed across lines so
	// line totals reconcile with the invoice exactly.
	resolution, err := s.taxResolver.Resolve(ctx, taxdomain.Context{
		Country: taxCountry,
		Exempt:  taxExempt,
		AsOf:    issueAt,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	taxable := subtotal.Sub(discountTotal)
	taxAmount := money.Round(taxable.Mul(resolution.Rate))
	taxPerLine := distributeTax(taxAmount, lineSubtotals, discountPerLine, taxable)

	totalAmount := taxable.Add(taxAmount)

	invoiceID := s.genID.Generate()
	lines := make([]invoicedomain.InvoiceLine, len(req.Lines))
	for i, line := range req.Lines {
		net := lineSubtotals[i].Sub(discountPerLine[i])
		lines[i] = invoicedomain.InvoiceLine{
			ID:           s.genID.Generate(),
			InvoiceID:    invoiceID,
			Description:  line.Description,
			LineType:     line.LineType,
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
			Discount:     discountPerLine[i],
			TaxRate:      resolution.Rate,
			TaxAmount:    taxPerLine[i],
			TotalWithTax: net.Add(taxPerLine[i]),
			IsGatewayFee: line.IsGatewayFee,
			CreatedAt:    issueAt,
		}
	}

	// Currency snapshot, pinned at issue time.
	exchangeRate := decimal.NewFromInt(1)
	var rateDate *time.Time
	baseTotal := totalAmount
	if displayCurrency != baseCurrency {
		snapshot, err := s.rates.Resolve(ctx, displayCurrency, baseCurrency, issueAt)
		if err != nil {
			return nil, nil, nil, err
		}
		exchangeRate = snapshot.EffectiveRate
		effectiveDate := snapshot.EffectiveDate
		rateDate = &effectiveDate
		baseTotal = snapshot.Convert(totalAmount)
	}

	dueDate := issueAt.AddDate(0, 0, s.billing.Current().InvoiceDueDays)

	invoice := &invoicedomain.Invoice{
		ID:               invoiceID,
		CustomerID:       req.CustomerID,
		SubscriptionID:   req.SubscriptionID,
		PeriodStart:      req.PeriodStart,
		PeriodEnd:        req.PeriodEnd,
		Type:             invoicedomain.InvoiceTypeStandard,
		CurrencyCode:     displayCurrency,
		BaseCurrencyCode: baseCurrency,
		ExchangeRate:     exchangeRate,
		ExchangeRateDate: rateDate,
		Subtotal:         subtotal,
		DiscountAmount:   discountTotal,
		TaxRate:          resolution.Rate,
		TaxName:          resolution.Name,
		TaxAmount:        taxAmount,
		TotalAmount:      totalAmount,
		BaseTotalAmount:  baseTotal,
		AmountPaid:       decimal.Zero,
		AmountDue:        totalAmount,
		CouponID:         couponID,
		Status:           invoicedomain.InvoiceStatusIssued,
		IssueDate:        &issueAt,
		DueDate:          &dueDate,
		CreatedAt:        issueAt,
		UpdatedAt:        issueAt,
	}

	return invoice, lines, usage, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return s.repo.FindByID(ctx, nil, id)
}

func (s *Service) Void(ctx context.Context, id snowflake.ID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status.Terminal() {
			return invoicedomain.ErrInvoiceImmutable
		}
		if invoice.AmountPaid.IsPositive() {
			return invoicedomain.ErrInvoiceHasPayments
		}
		return s.repo.MarkVoid(ctx, tx, id, s.clock.Now(), reason)
	})
}

func (s *Service) CreateCreditNote(ctx context.Context, originalID snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	now := s.clock.Now()

	var note *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		original, err := s.repo.FindByID(ctx, tx, originalID)
		if err != nil {
			return err
		}
		if original.Status == invoicedomain.InvoiceStatusDraft || original.Status == invoicedomain.InvoiceStatusVoid {
			return invoicedomain.ErrInvoiceNotIssued
		}

		originalLines, err := s.repo.FindLines(ctx, tx, originalID)
		if err != nil {
			return err
		}

		noteID := s.genID.Generate()
		lines := make([]invoicedomain.InvoiceLine, len(originalLines))
		for i, line := range originalLines {
			lines[i] = invoicedomain.InvoiceLine{
				ID:           s.genID.Generate(),
				InvoiceID:    noteID,
				Description:  line.Description,
				LineType:     line.LineType,
				Quantity:     line.Quantity,
				UnitPrice:    line.UnitPrice.Neg(),
				Discount:     line.Discount.Neg(),
				TaxRate:      line.TaxRate,
				TaxAmount:    line.TaxAmount.Neg(),
				TotalWithTax: line.TotalWithTax.Neg(),
				IsGatewayFee: line.IsGatewayFee,
				CreatedAt:    now,
			}
		}

		note = &invoicedomain.Invoice{
			ID:               noteID,
			CustomerID:       original.CustomerID,
			Type:             invoicedomain.InvoiceTypeCreditNote,
			CreditNoteFor:    &original.ID,
			CurrencyCode:     original.CurrencyCode,
			BaseCurrencyCode: original.BaseCurrencyCode,
			ExchangeRate:     original.ExchangeRate,
			ExchangeRateDate: original.ExchangeRateDate,
			Subtotal:         original.Subtotal.Neg(),
			DiscountAmount:   original.DiscountAmount.Neg(),
			TaxRate:          original.TaxRate,
			TaxName:          original.TaxName,
			TaxAmount:        original.TaxAmount.Neg(),
			TotalAmount:      original.TotalAmount.Neg(),
			BaseTotalAmount:  original.BaseTotalAmount.Neg(),
			AmountPaid:       decimal.Zero,
			AmountDue:        original.TotalAmount.Neg(),
			Status:           invoicedomain.InvoiceStatusIssued,
			IssueDate:        &now,
			DueDate:          &now,
			Metadata:         map[string]any{"reason": reason},
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		return s.repo.Insert(ctx, tx, note, lines)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credit note issued",
		zap.String("original_invoice_id", originalID.String()),
		zap.String("credit_note_id", note.ID.String()),
	)
	return note, nil
}

func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	return s.repo.MarkOverdue(ctx, nil, now)
}

// distributeTax splits the invoice tax amount across lines proportionally to
// their net amounts, with the last line absorbing the rounding remainder.
func distributeTax(taxAmount decimal.Decimal, lineSubtotals, discounts []decimal.Decimal, taxable decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(lineSubtotals))
	if taxAmount.IsZero() || !taxable.IsPositive() {
		return shares
	}
	allocated := decimal.Zero
	for i := range lineSubtotals {
		if i == len(lineSubtotals)-1 {
			shares[i] = taxAmount.Sub(allocated)
			break
		}
		net := lineSubtotals[i].Sub(discounts[i])
		share := money.Round(taxAmount.Mul(net).Div(taxable))
		shares[i] = share
		allocated = allocated.Add(share)
	}
	return shares
}
