package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/jobtrail/jobtrail/internal/account/domain"
	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	paymentdomain "github.com/jobtrail/jobtrail/internal/payment/domain"
	subscriptiondomain "github.com/jobtrail/jobtrail/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Plans      *config.PlanConfigHolder
	AccountSvc accountdomain.Service
	CreditSvc  creditdomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	plans      *config.PlanConfigHolder
	accountSvc accountdomain.Service
	creditSvc  creditdomain.Service
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		plans:      p.Plans,
		accountSvc: p.AccountSvc,
		creditSvc:  p.CreditSvc,
	}
}

func (s *Service) Apply(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}

	switch event.Type {
	case paymentdomain.EventTypeSubscriptionActivated:
		return s.applyActivated(ctx, event)
	case paymentdomain.EventTypeSubscriptionUpdated:
		return s.applyUpdated(ctx, event)
	case paymentdomain.EventTypeSubscriptionCanceled:
		return s.applyCanceled(ctx, event)
	case paymentdomain.EventTypePaymentFailed:
		return s.applyStatus(ctx, event, subscriptiondomain.SubscriptionStatusPastDue)
	case paymentdomain.EventTypePaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, event)
	default:
		s.log.Error("unrecognized subscription event type",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ProviderEventID),
		)
		return subscriptiondomain.ErrUnknownEventType
	}
}

func (s *Service) applyActivated(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	plan, err := s.resolvePlan(event.PriceRef)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (id, account_id, external_subscription_id, price_ref, status, current_period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_subscription_id) DO UPDATE SET
		   price_ref = EXCLUDED.price_ref,
		   status = EXCLUDED.status,
		   current_period_end = EXCLUDED.current_period_end,
		   updated_at = EXCLUDED.updated_at`,
		s.genID.Generate(),
		event.AccountID,
		event.ExternalSubscriptionID,
		event.PriceRef,
		statusFromEvent(event),
		event.CurrentPeriodEnd,
		now,
		now,
	).Error
	if err != nil {
		return err
	}

	return s.applyPlan(ctx, event.AccountID, plan)
}

func (s *Service) applyUpdated(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	existing, err := s.findByExternalID(ctx, event.ExternalSubscriptionID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		// Update delivered before (or instead of) the create: treat as
		// activation, the claim gate already deduplicated it.
		return s.applyActivated(ctx, event)
	}
	if err != nil {
		return err
	}
	if existing.Status == subscriptiondomain.SubscriptionStatusCanceled {
		// Canceled is terminal.
		return nil
	}

	// Refresh status from the event itself. A routine update delivered
	// while the subscription is past_due must not restore active; only
	// payment.succeeded does that.
	err = s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET price_ref = ?, status = ?, current_period_end = ?, updated_at = ?
		 WHERE external_subscription_id = ?`,
		event.PriceRef,
		statusFromEvent(event),
		event.CurrentPeriodEnd,
		s.clock.Now(),
		event.ExternalSubscriptionID,
	).Error
	if err != nil {
		return err
	}

	if event.PriceRef != existing.PriceRef {
		plan, err := s.resolvePlan(event.PriceRef)
		if err != nil {
			return err
		}
		return s.applyPlan(ctx, existing.AccountID, plan)
	}
	return nil
}

func (s *Service) applyCanceled(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	existing, err := s.findByExternalID(ctx, event.ExternalSubscriptionID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE external_subscription_id = ?`,
		subscriptiondomain.SubscriptionStatusCanceled,
		s.clock.Now(),
		event.ExternalSubscriptionID,
	).Error
	if err != nil {
		return err
	}

	// Downgrade to the free tier effective immediately, no pro-rating.
	return s.applyPlan(ctx, existing.AccountID, config.PlanFree)
}

// applyStatus refreshes status only. Payment failure starts the grace
// period: allocation stays untouched so a transient card failure does not
// cut the account off.
func (s *Service) applyStatus(ctx context.Context, event *paymentdomain.SubscriptionEvent, status subscriptiondomain.SubscriptionStatus) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ?
		 WHERE external_subscription_id = ? AND status != ?`,
		status,
		s.clock.Now(),
		event.ExternalSubscriptionID,
		subscriptiondomain.SubscriptionStatusCanceled,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Warn("status event for unknown or canceled subscription",
			zap.String("external_subscription_id", event.ExternalSubscriptionID),
			zap.String("event_type", event.Type),
		)
	}
	return nil
}

func (s *Service) applyPaymentSucceeded(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	// Restore active only from past_due; a success on an active
	// subscription is a routine renewal.
	result := s.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ?
		 WHERE external_subscription_id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusActive,
		s.clock.Now(),
		event.ExternalSubscriptionID,
		subscriptiondomain.SubscriptionStatusPastDue,
	)
	return result.Error
}

func (s *Service) GetByAccountID(ctx context.Context, accountID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Service) applyPlan(ctx context.Context, accountID snowflake.ID, plan string) error {
	if err := s.creditSvc.UpdatePlanAllocation(ctx, accountID, plan); err != nil {
		return err
	}
	return s.accountSvc.SetPlan(ctx, accountID, plan)
}

func (s *Service) resolvePlan(priceRef string) (string, error) {
	if priceRef == "" {
		return "", subscriptiondomain.ErrUnknownPriceRef
	}
	plan, ok := s.cfg.Billing.PricePlans[priceRef]
	if !ok {
		s.log.Error("price reference has no plan mapping", zap.String("price_ref", priceRef))
		return "", subscriptiondomain.ErrUnknownPriceRef
	}
	if !s.plans.Get().KnownPlan(plan) {
		s.log.Error("price maps to unknown plan", zap.String("price_ref", priceRef), zap.String("plan", plan))
		return "", subscriptiondomain.ErrUnknownPriceRef
	}
	return plan, nil
}

// statusFromEvent maps the adapter's normalized event status onto the
// mirror's state machine. Events without a status (invoice payloads)
// default to active.
func statusFromEvent(event *paymentdomain.SubscriptionEvent) subscriptiondomain.SubscriptionStatus {
	switch event.Status {
	case paymentdomain.StatusPastDue:
		return subscriptiondomain.SubscriptionStatusPastDue
	case paymentdomain.StatusCanceled:
		return subscriptiondomain.SubscriptionStatusCanceled
	default:
		return subscriptiondomain.SubscriptionStatusActive
	}
}

func (s *Service) findByExternalID(ctx context.Context, externalID string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "external_subscription_id = ?", externalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
