package ratelimit

import (
	"context"
	"fmt"

	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyOperation = "ratelimit:%s:%s"

// OperationLimiter gates costly endpoints per (operation, identity) pair.
// It prefers the shared Redis bucket; without one it degrades to a
// process-local bucket. A shared-store failure fails OPEN: a limiter
// outage must never take down paid features.
type OperationLimiter struct {
	log    *zap.Logger
	plans  *config.PlanConfigHolder
	bucket *TokenBucket
	local  *LocalBucket
}

type Params struct {
	fx.In

	Log   *zap.Logger
	Cfg   config.Config
	Plans *config.PlanConfigHolder
	Clock clock.Clock
}

func NewOperationLimiter(p Params) *OperationLimiter {
	limiter := &OperationLimiter{
		log:   p.Log.Named("ratelimit"),
		plans: p.Plans,
	}

	if p.Cfg.RateLimit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     p.Cfg.RateLimit.RedisAddr,
			Password: p.Cfg.RateLimit.RedisPassword,
			DB:       p.Cfg.RateLimit.RedisDB,
		})
		limiter.bucket = NewTokenBucket(client)
	} else {
		limiter.log.Warn("no shared rate limit store configured, using process-local buckets")
		limiter.local = NewLocalBucket(p.Clock)
	}

	return limiter
}

// Allow admits or rejects one request for an operation/identity pair.
func (l *OperationLimiter) Allow(ctx context.Context, operation, identity string) *Result {
	op, ok := l.plans.Get().Operations[operation]
	if !ok || op.Rate <= 0 || op.Burst <= 0 {
		return &Result{Allowed: true}
	}

	key := fmt.Sprintf(keyOperation, operation, identity)

	if l.bucket != nil {
		result, err := l.bucket.Allow(ctx, key, op.Rate, op.Burst)
		if err != nil {
			l.log.Warn("rate limit store unreachable, failing open",
				zap.String("operation", operation),
				zap.Error(err),
			)
			return &Result{Allowed: true}
		}
		return result
	}

	return l.local.Allow(key, op.Rate, op.Burst)
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewOperationLimiter),
)
