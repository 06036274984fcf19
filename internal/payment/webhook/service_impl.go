package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	billingeventdomain "github.com/jobtrail/jobtrail/internal/billingevent/domain"
	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	obsmetrics "github.com/jobtrail/jobtrail/internal/observability/metrics"
	paymentdomain "github.com/jobtrail/jobtrail/internal/payment/domain"
	"github.com/jobtrail/jobtrail/internal/payment/stripe"
	subscriptiondomain "github.com/jobtrail/jobtrail/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log             *zap.Logger
	Cfg             config.Config
	Clock           clock.Clock
	ClaimSvc        billingeventdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log             *zap.Logger
	adapter         paymentdomain.Adapter
	claimSvc        billingeventdomain.Service
	subscriptionSvc subscriptiondomain.Service
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) (paymentdomain.Service, error) {
	adapter, err := stripe.NewAdapter(p.Cfg.Billing.WebhookSecret, p.Clock)
	if err != nil {
		return nil, err
	}
	return &Service{
		log:             p.Log.Named("payment.webhook"),
		adapter:         adapter,
		claimSvc:        p.ClaimSvc,
		subscriptionSvc: p.SubscriptionSvc,
		obsMetrics:      p.ObsMetrics,
	}, nil
}

// IngestWebhook handles one delivery end to end. Signature failures leave
// no state behind; duplicates are absorbed silently by the claim gate.
func (s *Service) IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordWebhookEvent("signature_invalid")
		return err
	}

	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.obsMetrics.RecordWebhookEvent("ignored")
			s.log.Debug("webhook event type ignored")
			return nil
		}
		s.obsMetrics.RecordWebhookEvent("invalid")
		return err
	}

	claimed, err := s.claimSvc.Claim(ctx, event.ProviderEventID, event.Type, event.RawPayload)
	if err != nil {
		return err
	}
	if !claimed {
		s.obsMetrics.RecordWebhookEvent("duplicate")
		return nil
	}

	if err := s.subscriptionSvc.Apply(ctx, event); err != nil {
		s.obsMetrics.RecordWebhookEvent("failed")
		s.log.Error("subscription event processing failed",
			zap.String("event_id", event.ProviderEventID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return err
	}

	s.obsMetrics.RecordWebhookEvent("processed")
	return nil
}
