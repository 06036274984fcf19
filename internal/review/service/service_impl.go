package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jobtrail/jobtrail/internal/config"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	"github.com/jobtrail/jobtrail/internal/observability/metrics"
	"github.com/jobtrail/jobtrail/internal/providers/ai"
	quotadomain "github.com/jobtrail/jobtrail/internal/quota/domain"
	"github.com/jobtrail/jobtrail/internal/ratelimit"
	"github.com/jobtrail/jobtrail/internal/review/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	settleAttempts = 3
	settleBackoff  = 100 * time.Millisecond
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Plans     *config.PlanConfigHolder
	Limiter   *ratelimit.OperationLimiter
	QuotaSvc  quotadomain.Service
	CreditSvc creditdomain.Service
	AI        ai.Client
	Metrics   *metrics.Metrics `optional:"true"`
}

// Service runs the gated operation pipeline: rate limit, daily free quota,
// credit settlement around the upstream call.
type Service struct {
	log       *zap.Logger
	cfg       config.Config
	plans     *config.PlanConfigHolder
	limiter   *ratelimit.OperationLimiter
	quotaSvc  quotadomain.Service
	creditSvc creditdomain.Service
	ai        ai.Client
	metrics   *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:       p.Log.Named("review.service"),
		cfg:       p.Cfg,
		plans:     p.Plans,
		limiter:   p.Limiter,
		quotaSvc:  p.QuotaSvc,
		creditSvc: p.CreditSvc,
		ai:        p.AI,
		metrics:   p.Metrics,
	}
}

func (s *Service) Perform(ctx context.Context, req domain.PerformRequest) (*domain.PerformResult, error) {
	if !domain.ValidOperation(req.Operation) {
		return nil, domain.ErrUnknownOperation
	}
	account := req.Account

	rl := s.limiter.Allow(ctx, req.Operation, account.ID.String())
	if !rl.Allowed {
		s.metrics.RecordRateLimitDenied(req.Operation)
		return nil, &domain.RateLimitedError{Operation: req.Operation, ResetIn: rl.ResetIn}
	}
	s.metrics.RecordRateLimitAllowed(req.Operation)

	remaining, err := s.quotaSvc.RemainingFree(ctx, account.ID, account.Plan, req.Operation)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return s.performFree(ctx, req, remaining)
	}

	if req.Operation == domain.OperationCompanyInfo {
		return s.performDirect(ctx, req)
	}
	return s.performReserved(ctx, req)
}

// performFree runs the operation against the daily free quota. The counter
// is only incremented once the upstream call succeeded, so a failed call
// does not burn a free use.
func (s *Service) performFree(ctx context.Context, req domain.PerformRequest, remaining int) (*domain.PerformResult, error) {
	result, err := s.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.quotaSvc.IncrementUsage(ctx, req.Account.ID, req.Operation); err != nil {
		// The work is already done; losing one increment under-counts in
		// the user's favor, so log and return the result.
		s.log.Error("failed to increment daily usage",
			zap.Int64("account_id", int64(req.Account.ID)),
			zap.String("operation", req.Operation),
			zap.Error(err),
		)
	}
	s.metrics.RecordQuotaWaived(req.Operation)

	return &domain.PerformResult{
		Content:       result.Content,
		FreeUsed:      true,
		FreeRemaining: remaining - 1,
	}, nil
}

// performReserved holds the full cost up front, runs the upstream call and
// settles the reservation by outcome. A partial upstream result settles at
// half cost: the hold is released and the half amount is taken as a
// best-effort partial debit.
func (s *Service) performReserved(ctx context.Context, req domain.PerformRequest) (*domain.PerformResult, error) {
	cost := s.plans.Get().Cost(req.Operation)
	account := req.Account

	reservation, err := s.creditSvc.ReserveCredits(ctx, account.ID, cost, req.Operation, req.SubjectID)
	if err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredits) {
			return nil, s.insufficient(ctx, account.ID, cost)
		}
		return nil, err
	}

	result, err := s.generate(ctx, req)
	if err != nil {
		// The settle must survive a caller disconnect, otherwise the hold
		// leaks until the stale-reservation sweep.
		s.settle(context.WithoutCancel(ctx), "cancel", func(sctx context.Context) error {
			return s.creditSvc.CancelReservation(sctx, reservation.ID)
		})
		return nil, err
	}

	if result.Partial {
		settleCtx := context.WithoutCancel(ctx)
		s.settle(settleCtx, "cancel", func(sctx context.Context) error {
			return s.creditSvc.CancelReservation(sctx, reservation.ID)
		})
		consumed, perr := s.creditSvc.ConsumePartialCredits(settleCtx, account.ID, cost/2, creditdomain.ReasonPartialConsume, req.SubjectID)
		if perr != nil {
			s.log.Error("partial settlement failed",
				zap.Int64("account_id", int64(account.ID)),
				zap.Error(perr),
			)
		}
		return &domain.PerformResult{
			Content:         result.Content,
			CreditsConsumed: consumed,
		}, nil
	}

	s.settle(context.WithoutCancel(ctx), "confirm", func(sctx context.Context) error {
		return s.creditSvc.ConfirmReservation(sctx, reservation.ID)
	})

	return &domain.PerformResult{
		Content:         result.Content,
		CreditsConsumed: cost,
	}, nil
}

// performDirect is for operations whose outcome is known synchronously: the
// upstream call runs first and the debit is taken only after it succeeded.
func (s *Service) performDirect(ctx context.Context, req domain.PerformRequest) (*domain.PerformResult, error) {
	cost := s.plans.Get().Cost(req.Operation)
	account := req.Account

	enough, err := s.creditSvc.HasEnoughCredits(ctx, account.ID, cost)
	if err != nil {
		return nil, err
	}
	if !enough {
		return nil, s.insufficient(ctx, account.ID, cost)
	}

	result, err := s.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	settleCtx := context.WithoutCancel(ctx)
	if _, err := s.creditSvc.ConsumeCredits(settleCtx, account.ID, cost, creditdomain.ReasonConsume, req.SubjectID); err != nil {
		if !errors.Is(err, creditdomain.ErrInsufficientCredits) {
			return nil, err
		}
		// Balance drained between check and debit. The work already
		// happened, so take whatever is left rather than give it away.
		consumed, perr := s.creditSvc.ConsumePartialCredits(settleCtx, account.ID, cost, creditdomain.ReasonPartialConsume, req.SubjectID)
		if perr != nil {
			return nil, perr
		}
		return &domain.PerformResult{Content: result.Content, CreditsConsumed: consumed}, nil
	}

	return &domain.PerformResult{Content: result.Content, CreditsConsumed: cost}, nil
}

func (s *Service) generate(ctx context.Context, req domain.PerformRequest) (*ai.GenerateResult, error) {
	callCtx := ctx
	if s.cfg.AI.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.AI.Timeout)
		defer cancel()
	}

	result, err := s.ai.Generate(callCtx, ai.GenerateRequest{
		OperationKind: req.Operation,
		SubjectID:     req.SubjectID,
		Prompt:        req.Prompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ai.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrUpstream
		}
		return nil, err
	}
	return result, nil
}

// settle drives a reservation to a terminal state with bounded retries.
// A hold that cannot be settled here is picked up by the stale-reservation
// sweep, so failure is logged, not returned.
func (s *Service) settle(ctx context.Context, outcome string, fn func(context.Context) error) {
	var err error
	for attempt := 0; attempt < settleAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			s.metrics.RecordReservation(outcome)
			return
		}
		time.Sleep(settleBackoff * time.Duration(attempt+1))
	}
	s.log.Error("reservation settlement exhausted retries",
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	s.metrics.RecordReservation(outcome + "_failed")
}

func (s *Service) insufficient(ctx context.Context, accountID snowflake.ID, required float64) error {
	available := 0.0
	if balance, err := s.creditSvc.GetBalance(ctx, accountID); err == nil {
		available = balance.CreditsAvailable
	}
	return &domain.InsufficientCreditsError{Required: required, Available: available}
}
