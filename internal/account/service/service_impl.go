package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/jobtrail/jobtrail/internal/account/domain"
	"github.com/jobtrail/jobtrail/internal/config"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	"github.com/jobtrail/jobtrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Plans     *config.PlanConfigHolder
	CreditSvc creditdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	plans     *config.PlanConfigHolder
	creditSvc creditdomain.Service
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("account.service"),
		genID:     p.GenID,
		plans:     p.Plans,
		creditSvc: p.CreditSvc,
	}
}

func (s *Service) Resolve(ctx context.Context, identity accountdomain.Identity) (*accountdomain.Account, error) {
	identity.UserID = strings.TrimSpace(identity.UserID)
	identity.GuestID = strings.TrimSpace(identity.GuestID)
	if !identity.Valid() {
		return nil, accountdomain.ErrInvalidIdentity
	}

	if existing, err := s.find(ctx, identity); err == nil {
		return existing, nil
	} else if !errors.Is(err, accountdomain.ErrNotFound) {
		return nil, err
	}

	account := &accountdomain.Account{
		ID:   s.genID.Generate(),
		Plan: config.PlanFree,
	}
	if identity.UserID != "" {
		account.UserID = &identity.UserID
	} else {
		account.GuestID = &identity.GuestID
	}

	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Another handler won the insert race.
			return s.find(ctx, identity)
		}
		return nil, err
	}

	if err := s.creditSvc.EnsureBalance(ctx, account.ID, account.Plan); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, accountdomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) SetPlan(ctx context.Context, id snowflake.ID, plan string) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE accounts SET plan = ? WHERE id = ?`, plan, id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrNotFound
	}
	return nil
}

func (s *Service) find(ctx context.Context, identity accountdomain.Identity) (*accountdomain.Account, error) {
	var account accountdomain.Account
	query := s.db.WithContext(ctx)
	if identity.UserID != "" {
		query = query.Where("user_id = ?", identity.UserID)
	} else {
		query = query.Where("guest_id = ?", identity.GuestID)
	}
	err := query.First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, accountdomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}
