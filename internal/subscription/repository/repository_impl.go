package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/revara/internal/subscription/domain"
	"github.com/smallbiznis/revara/pkg/db"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return r.conn(tx).WithContext(ctx).Create(sub).Error
}

func (r *Repository) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := r.conn(tx).WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ClaimDue locks and returns subscriptions whose next billing instant has
// arrived. Rows claimed by a concurrent worker are skipped, which shards the
// sweep across scheduler replicas.
func (r *Repository) ClaimDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := db.ForUpdateSkipLocked(r.conn(tx).WithContext(ctx)).
		Where("status IN ? AND next_billing_at IS NOT NULL AND next_billing_at <= ?",
			[]subscriptiondomain.SubscriptionStatus{
				subscriptiondomain.StatusActive,
				subscriptiondomain.StatusPastDue,
			}, now).
		Order("next_billing_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// ClaimExpiredTrials locks and returns trialing subscriptions whose trial has
// run out.
func (r *Repository) ClaimExpiredTrials(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := db.ForUpdateSkipLocked(r.conn(tx).WithContext(ctx)).
		Where("status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?",
			subscriptiondomain.StatusTrialing, now).
		Order("trial_ends_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *Repository) Update(ctx context.Context, tx *gorm.DB, id snowflake.ID, fields map[string]any) error {
	return r.conn(tx).WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *Repository) InsertHistory(ctx context.Context, tx *gorm.DB, row *subscriptiondomain.BillingHistory) error {
	return r.conn(tx).WithContext(ctx).Create(row).Error
}

// History lists the billing history for one subscription, newest first.
func (r *Repository) History(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.BillingHistory, error) {
	var rows []subscriptiondomain.BillingHistory
	err := r.conn(tx).WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	return rows, err
}
