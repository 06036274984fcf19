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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDBSeq int
var testDBSeqMu sync.Mutex

func newTestService(t *testing.T) (*Service, creditdomain.Service) {
	t.Helper()

	testDBSeqMu.Lock()
	testDBSeq++
	seq := testDBSeq
	testDBSeqMu.Unlock()

	dsn := fmt.Sprintf("file:account_test_%d?mode=memory&cache=shared", seq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&creditdomain.Balance{},
		&creditdomain.Reservation{},
		&creditdomain.Transaction{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	plans := config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())
	log := zap.NewNop()

	creditSvc := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)),
		Plans: plans,
	})

	svc := NewService(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Plans:     plans,
		CreditSvc: creditSvc,
	}).(*Service)

	return svc, creditSvc
}

func TestResolve_CreatesAccountWithBalance(t *testing.T) {
	svc, creditSvc := newTestService(t)
	ctx := context.Background()

	account, err := svc.Resolve(ctx, accountdomain.Identity{UserID: "user-1"})
	require.NoError(t, err)
	require.NotNil(t, account.UserID)
	assert.Equal(t, "user-1", *account.UserID)
	assert.Equal(t, config.PlanFree, account.Plan)

	// First activity provisions the free-tier balance.
	balance, err := creditSvc.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance.CreditsAvailable)
}

func TestResolve_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, accountdomain.Identity{UserID: "user-1"})
	require.NoError(t, err)

	second, err := svc.Resolve(ctx, accountdomain.Identity{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolve_GuestIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	account, err := svc.Resolve(ctx, accountdomain.Identity{GuestID: "guest-abc"})
	require.NoError(t, err)
	require.NotNil(t, account.GuestID)
	assert.Equal(t, "guest-abc", *account.GuestID)
	assert.Nil(t, account.UserID)
}

func TestResolve_InvalidIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, accountdomain.Identity{})
	assert.ErrorIs(t, err, accountdomain.ErrInvalidIdentity)

	// Exactly one identity kind is allowed.
	_, err = svc.Resolve(ctx, accountdomain.Identity{UserID: "u", GuestID: "g"})
	assert.ErrorIs(t, err, accountdomain.ErrInvalidIdentity)
}

func TestSetPlan(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	account, err := svc.Resolve(ctx, accountdomain.Identity{UserID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, svc.SetPlan(ctx, account.ID, config.PlanPro))

	updated, err := svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, config.PlanPro, updated.Plan)

	node, _ := snowflake.NewNode(2)
	assert.ErrorIs(t, svc.SetPlan(ctx, node.Generate(), config.PlanPro), accountdomain.ErrNotFound)
}
