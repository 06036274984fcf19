package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/jobtrail/jobtrail/internal/account/domain"
	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	creditservice "github.com/jobtrail/jobtrail/internal/credit/service"
	"github.com/jobtrail/jobtrail/internal/providers/ai"
	quotadomain "github.com/jobtrail/jobtrail/internal/quota/domain"
	quotaservice "github.com/jobtrail/jobtrail/internal/quota/service"
	"github.com/jobtrail/jobtrail/internal/ratelimit"
	"github.com/jobtrail/jobtrail/internal/review/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDBSeq int
var testDBSeqMu sync.Mutex

type aiMock struct {
	result *ai.GenerateResult
	err    error
	calls  int
}

func (m *aiMock) Generate(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type fixture struct {
	svc       *Service
	creditSvc creditdomain.Service
	quotaSvc  quotadomain.Service
	ai        *aiMock
	node      *snowflake.Node
	clock     *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	testDBSeqMu.Lock()
	testDBSeq++
	seq := testDBSeq
	testDBSeqMu.Unlock()

	dsn := fmt.Sprintf("file:review_test_%d?mode=memory&cache=shared", seq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&creditdomain.Balance{},
		&creditdomain.Reservation{},
		&creditdomain.Transaction{},
		&quotadomain.DailyUsageCounter{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	plans := config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())
	log := zap.NewNop()

	creditSvc := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fakeClock,
		Plans: plans,
	})
	quotaSvc := quotaservice.NewService(quotaservice.Params{
		DB:    db,
		Log:   log,
		Clock: fakeClock,
		Plans: plans,
	})
	limiter := ratelimit.NewOperationLimiter(ratelimit.Params{
		Log:   log,
		Cfg:   config.Config{},
		Plans: plans,
		Clock: fakeClock,
	})
	aiClient := &aiMock{result: &ai.GenerateResult{Content: "ok"}}

	svc := NewService(Params{
		Log:       log,
		Cfg:       config.Config{},
		Plans:     plans,
		Limiter:   limiter,
		QuotaSvc:  quotaSvc,
		CreditSvc: creditSvc,
		AI:        aiClient,
	}).(*Service)

	return &fixture{
		svc:       svc,
		creditSvc: creditSvc,
		quotaSvc:  quotaSvc,
		ai:        aiClient,
		node:      node,
		clock:     fakeClock,
	}
}

func (f *fixture) newAccount(t *testing.T, plan string) *accountdomain.Account {
	t.Helper()
	account := &accountdomain.Account{ID: f.node.Generate(), Plan: plan}
	require.NoError(t, f.creditSvc.EnsureBalance(context.Background(), account.ID, plan))
	return account
}

func (f *fixture) exhaustFreeQuota(t *testing.T, account *accountdomain.Account, operation string) {
	t.Helper()
	ctx := context.Background()
	for {
		remaining, err := f.quotaSvc.RemainingFree(ctx, account.ID, account.Plan, operation)
		require.NoError(t, err)
		if remaining == 0 {
			return
		}
		require.NoError(t, f.quotaSvc.IncrementUsage(ctx, account.ID, operation))
	}
}

func performReq(account *accountdomain.Account, operation string) domain.PerformRequest {
	return domain.PerformRequest{
		Account:   account,
		Operation: operation,
		SubjectID: "app-1",
		Prompt:    "review my application",
	}
}

func TestPerform_FreeQuotaFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanFree)

	result, err := f.svc.Perform(ctx, performReq(account, domain.OperationReview))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.True(t, result.FreeUsed)
	assert.Zero(t, result.FreeRemaining)
	assert.Zero(t, result.CreditsConsumed)

	// Free work leaves the balance untouched.
	balance, err := f.creditSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.CreditsAvailable)
}

func TestPerform_FreeFailureDoesNotBurnQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanFree)
	f.ai.err = ai.ErrUnavailable

	_, err := f.svc.Perform(ctx, performReq(account, domain.OperationReview))
	assert.ErrorIs(t, err, domain.ErrUpstream)

	remaining, err := f.quotaSvc.RemainingFree(ctx, account.ID, account.Plan, domain.OperationReview)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestPerform_ReservedPathConsumesCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanFree)
	f.exhaustFreeQuota(t, account, domain.OperationReview)

	result, err := f.svc.Perform(ctx, performReq(account, domain.OperationReview))
	require.NoError(t, err)
	assert.False(t, result.FreeUsed)
	assert.Equal(t, 5.0, result.CreditsConsumed)

	balance, err := f.creditSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, balance.CreditsAvailable)

	entries, err := f.creditSvc.ListTransactions(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, -5.0, entries[0].Delta)
	assert.Equal(t, creditdomain.ReasonReservationSpent, entries[0].Reason)
}

func TestPerform_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanFree)
	f.exhaustFreeQuota(t, account, domain.OperationReview)

	_, err := f.creditSvc.ConsumeCredits(ctx, account.ID, 7, creditdomain.ReasonConsume, "")
	require.NoError(t, err)

	_, err = f.svc.Perform(ctx, performReq(account, domain.OperationReview))

	var insufficientErr *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, 5.0, insufficientErr.Required)
	assert.Equal(t, 3.0, insufficientErr.Available)

	// The upstream service must never be called for work we cannot bill.
	assert.Zero(t, f.ai.calls)
}

func TestPerform_UpstreamFailureReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanFree)
	f.exhaustFreeQuota(t, account, domain.OperationReview)
	f.ai.err = ai.ErrUnavailable

	_, err := f.svc.Perform(ctx, performReq(account, domain.OperationReview))
	assert.ErrorIs(t, err, domain.ErrUpstream)

	// The hold is cancelled: no charge for work that never happened.
	balance, err := f.creditSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.CreditsAvailable)

	entries, err := f.creditSvc.ListTransactions(ctx, account.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPerform_PartialResultSettlesAtHalfCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanFree)
	f.exhaustFreeQuota(t, account, domain.OperationReview)
	f.ai.result = &ai.GenerateResult{Content: "partial", Partial: true}

	result, err := f.svc.Perform(ctx, performReq(account, domain.OperationReview))
	require.NoError(t, err)
	assert.Equal(t, "partial", result.Content)
	assert.Equal(t, 2.5, result.CreditsConsumed)

	balance, err := f.creditSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 7.5, balance.CreditsAvailable)

	entries, err := f.creditSvc.ListTransactions(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, creditdomain.ReasonPartialConsume, entries[0].Reason)
}

func TestPerform_DirectConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanFree)
	f.exhaustFreeQuota(t, account, domain.OperationCompanyInfo)

	result, err := f.svc.Perform(ctx, performReq(account, domain.OperationCompanyInfo))
	require.NoError(t, err)
	assert.Equal(t, 2.0, result.CreditsConsumed)

	balance, err := f.creditSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 8.0, balance.CreditsAvailable)

	// Direct consumption never leaves a reservation behind.
	entries, err := f.creditSvc.ListTransactions(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, creditdomain.ReasonConsume, entries[0].Reason)
}

func TestPerform_DirectConsume_UpstreamFailureIsFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanFree)
	f.exhaustFreeQuota(t, account, domain.OperationCompanyInfo)
	f.ai.err = ai.ErrUnavailable

	_, err := f.svc.Perform(ctx, performReq(account, domain.OperationCompanyInfo))
	assert.ErrorIs(t, err, domain.ErrUpstream)

	balance, err := f.creditSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.CreditsAvailable)
}

func TestPerform_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.newAccount(t, config.PlanTeam)

	// The review bucket bursts at 10; the eleventh hits the limiter.
	var err error
	for i := 0; i < 11; i++ {
		_, err = f.svc.Perform(ctx, performReq(account, domain.OperationReview))
		if err != nil {
			break
		}
	}

	var rateLimitedErr *domain.RateLimitedError
	require.ErrorAs(t, err, &rateLimitedErr)
	assert.Equal(t, domain.OperationReview, rateLimitedErr.Operation)
	assert.Greater(t, rateLimitedErr.ResetIn, time.Duration(0))
}

func TestPerform_UnknownOperation(t *testing.T) {
	f := newFixture(t)
	account := f.newAccount(t, config.PlanFree)

	_, err := f.svc.Perform(context.Background(), performReq(account, "summarize"))
	assert.ErrorIs(t, err, domain.ErrUnknownOperation)
}
