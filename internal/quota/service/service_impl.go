package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	quotadomain "github.com/jobtrail/jobtrail/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Plans *config.PlanConfigHolder
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	plans *config.PlanConfigHolder
}

func NewService(p Params) quotadomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("quota.service"),
		clock: p.Clock,
		plans: p.Plans,
	}
}

func (s *Service) RemainingFree(ctx context.Context, accountID snowflake.ID, plan, operationKind string) (int, error) {
	limit := s.plans.Get().FreeLimit(plan, operationKind)
	if limit <= 0 {
		return 0, nil
	}

	var counter quotadomain.DailyUsageCounter
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND operation_kind = ? AND date_key = ?",
			accountID, operationKind, quotadomain.DateKey(s.clock.Now())).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := limit - counter.Count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *Service) IncrementUsage(ctx context.Context, accountID snowflake.ID, operationKind string) error {
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO daily_usage_counters (account_id, operation_kind, date_key, count)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT (account_id, operation_kind, date_key)
		 DO UPDATE SET count = daily_usage_counters.count + 1`,
		accountID,
		operationKind,
		quotadomain.DateKey(s.clock.Now()),
	).Error
}
