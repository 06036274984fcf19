package service

import (
	"context"
	"strings"

	billingeventdomain "github.com/jobtrail/jobtrail/internal/billingevent/domain"
	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) billingeventdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("billingevent.service"),
		clock: p.Clock,
	}
}

func (s *Service) Claim(ctx context.Context, externalEventID, eventType string, payload []byte) (bool, error) {
	externalEventID = strings.TrimSpace(externalEventID)
	if externalEventID == "" {
		return false, billingeventdomain.ErrInvalidEventID
	}

	record := billingeventdomain.ProcessedEvent{
		ExternalEventID: externalEventID,
		EventType:       strings.TrimSpace(eventType),
		Payload:         datatypes.JSON(payload),
		ClaimedAt:       s.clock.Now(),
	}
	err := s.db.WithContext(ctx).Create(&record).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.log.Debug("duplicate webhook event absorbed",
				zap.String("event_id", externalEventID),
				zap.String("event_type", eventType),
			)
			return false, nil
		}
		return false, err
	}
	return true, nil
}
