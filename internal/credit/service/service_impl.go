package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revara/internal/clock"
	creditdomain "github.com/smallbiznis/revara/internal/credit/domain"
	"github.com/smallbiznis/revara/internal/events"
	"github.com/smallbiznis/revara/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Outbox *events.Outbox
}

type Ledger struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	outbox *events.Outbox
}

func NewLedger(p Params) creditdomain.Ledger {
	return &Ledger{
		db:     p.DB,
		log:    p.Log.Named("credit.ledger"),
		genID:  p.GenID,
		clock:  p.Clock,
		outbox: p.Outbox,
	}
}

func (l *Ledger) Grant(ctx context.Context, tx *gorm.DB, movement creditdomain.Movement) (*creditdomain.CreditTransaction, error) {
	if !movement.Amount.IsPositive() {
		return nil, creditdomain.ErrInvalidCreditAmount
	}
	if strings.TrimSpace(movement.Reference) == "" {
		return nil, creditdomain.ErrMissingReference
	}

	var entry *creditdomain.CreditTransaction
	err := l.inTx(ctx, tx, func(tx *gorm.DB) error {
		credit, err := l.lockBalance(ctx, tx, movement.CustomerID, movement.Currency)
		if err != nil {
			return err
		}

		balance := credit.Balance.Add(movement.Amount)
		if err := l.writeBalance(ctx, tx, credit, balance); err != nil {
			return err
		}

		entry, err = l.appendEntry(ctx, tx, movement, movement.Amount, balance)
		if err != nil {
			return err
		}

		// The event commits with the balance change it describes.
		return l.outbox.PublishTx(ctx, tx, events.Event{
			CustomerID: movement.CustomerID,
			Type:       events.EventCreditBalanceAdjusted,
			DedupeKey:  "credit.balance_adjusted:" + entry.ID.String(),
			Payload: map[string]any{
				"type":      string(entry.Type),
				"amount":    entry.Amount.String(),
				"balance":   entry.BalanceAfter.String(),
				"currency":  entry.Currency,
				"reference": entry.Reference,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) Consume(ctx context.Context, tx *gorm.DB, movement creditdomain.Movement) (decimal.Decimal, error) {
	if movement.Amount.IsNegative() {
		return decimal.Zero, creditdomain.ErrInvalidCreditAmount
	}
	if strings.TrimSpace(movement.Reference) == "" {
		return decimal.Zero, creditdomain.ErrMissingReference
	}
	if movement.Amount.IsZero() {
		return decimal.Zero, nil
	}

	consumed := decimal.Zero
	err := l.inTx(ctx, tx, func(tx *gorm.DB) error {
		credit, err := l.lockBalance(ctx, tx, movement.CustomerID, movement.Currency)
		if err != nil {
			return err
		}
		if !credit.Balance.IsPositive() {
			return nil
		}

		consumed = decimal.Min(credit.Balance, movement.Amount)
		balance := credit.Balance.Sub(consumed)
		if err := l.writeBalance(ctx, tx, credit, balance); err != nil {
			return err
		}

		_, err = l.appendEntry(ctx, tx, movement, consumed.Neg(), balance)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return consumed, nil
}

func (l *Ledger) Balance(ctx context.Context, customerID snowflake.ID, currency string) (decimal.Decimal, error) {
	var credit creditdomain.CustomerCredit
	err := l.db.WithContext(ctx).
		Where("customer_id = ? AND currency = ?", customerID, strings.ToUpper(currency)).
		First(&credit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return credit.Balance, nil
}

func (l *Ledger) inTx(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return l.db.WithContext(ctx).Transaction(fn)
}

// lockBalance loads the balance row under a row lock, creating it lazily on
// first touch.
func (l *Ledger) lockBalance(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, currency string) (*creditdomain.CustomerCredit, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))

	var credit creditdomain.CustomerCredit
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("customer_id = ? AND currency = ?", customerID, currency).
		First(&credit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		credit = creditdomain.CustomerCredit{
			ID:         l.genID.Generate(),
			CustomerID: customerID,
			Currency:   currency,
			Balance:    decimal.Zero,
			CreatedAt:  l.clock.Now(),
			UpdatedAt:  l.clock.Now(),
		}
		if err := tx.WithContext(ctx).Create(&credit).Error; err != nil {
			return nil, err
		}
		return &credit, nil
	}
	if err != nil {
		return nil, err
	}
	return &credit, nil
}

func (l *Ledger) writeBalance(ctx context.Context, tx *gorm.DB, credit *creditdomain.CustomerCredit, balance decimal.Decimal) error {
	credit.Balance = balance
	return tx.WithContext(ctx).Model(&creditdomain.CustomerCredit{}).
		Where("id = ?", credit.ID).
		Updates(map[string]any{
			"balance":    balance,
			"updated_at": l.clock.Now(),
		}).Error
}

func (l *Ledger) appendEntry(ctx context.Context, tx *gorm.DB, movement creditdomain.Movement, amount, balanceAfter decimal.Decimal) (*creditdomain.CreditTransaction, error) {
	entry := creditdomain.CreditTransaction{
		ID:           l.genID.Generate(),
		CustomerID:   movement.CustomerID,
		Currency:     strings.ToUpper(strings.TrimSpace(movement.Currency)),
		Type:         movement.Type,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reference:    movement.Reference,
		InvoiceID:    movement.InvoiceID,
		PaymentID:    movement.PaymentID,
		CreatedAt:    l.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}
