package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/events"
	subscriptiondomain "github.com/smallbiznis/revara/internal/subscription/domain"
	"github.com/smallbiznis/revara/internal/subscription/repository"
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
	Repo   *repository.Repository
	Outbox *events.Outbox
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   *repository.Repository
	outbox *events.Outbox
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("subscription.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		outbox: p.Outbox,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.Subscription, error) {
	if !req.Amount.IsPositive() {
		return nil, subscriptiondomain.ErrInvalidPlanAmount
	}
	interval := req.Interval
	if interval == "" {
		interval = subscriptiondomain.IntervalMonthly
	}
	startAt := req.StartAt
	if startAt.IsZero() {
		startAt = s.clock.Now()
	}

	sub := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		CustomerID:         req.CustomerID,
		PlanCode:           req.PlanCode,
		Description:        req.Description,
		Amount:             req.Amount,
		Currency:           strings.ToUpper(req.Currency),
		Interval:           interval,
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: startAt,
		CurrentPeriodEnd:   interval.Advance(startAt),
		CreatedAt:          startAt,
		UpdatedAt:          startAt,
	}
	if req.TrialDays > 0 {
		trialEnd := startAt.AddDate(0, 0, req.TrialDays)
		sub.Status = subscriptiondomain.StatusTrialing
		sub.TrialEndsAt = &trialEnd
		// First charge happens when the trial converts.
	} else {
		sub.NextBillingAt = &startAt
	}

	if err := s.repo.Insert(ctx, nil, sub); err != nil {
		return nil, err
	}
	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan", sub.PlanCode),
		zap.String("status", string(sub.Status)),
	)
	return sub, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.repo.FindByID(ctx, nil, id)
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, atPeriodEnd bool) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscriptiondomain.StatusCancelled {
		return nil, subscriptiondomain.ErrInvalidTransition
	}

	now := s.clock.Now()
	fields := map[string]any{"updated_at": now}
	if atPeriodEnd && sub.Status.Billable() {
		fields["cancel_at_period_end"] = true
	} else {
		fields["status"] = subscriptiondomain.StatusCancelled
		fields["cancelled_at"] = now
		fields["next_billing_at"] = nil
	}
	if err := s.repo.Update(ctx, nil, id, fields); err != nil {
		return nil, err
	}

	if !atPeriodEnd || !sub.Status.Billable() {
		s.outbox.Emit(ctx, events.Event{
			CustomerID: sub.CustomerID,
			Type:       events.EventSubscriptionCancelled,
			DedupeKey:  "subscription.cancelled:" + sub.ID.String(),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"plan":            sub.PlanCode,
			},
		})
	}
	return s.repo.FindByID(ctx, nil, id)
}

func (s *Service) Pause(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != subscriptiondomain.StatusActive {
		return nil, subscriptiondomain.ErrInvalidTransition
	}

	err = s.repo.Update(ctx, nil, id, map[string]any{
		"status":          subscriptiondomain.StatusPaused,
		"next_billing_at": nil,
		"updated_at":      s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, nil, id)
}

func (s *Service) Resume(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != subscriptiondomain.StatusPaused {
		return nil, subscriptiondomain.ErrInvalidTransition
	}

	// Resuming starts a fresh period; the paused gap is not billed.
	now := s.clock.Now()
	err = s.repo.Update(ctx, nil, id, map[string]any{
		"status":               subscriptiondomain.StatusActive,
		"current_period_start": now,
		"current_period_end":   sub.Interval.Advance(now),
		"next_billing_at":      now,
		"updated_at":           now,
	})
	if err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, nil, id)
}
