package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jobtrail/jobtrail/internal/clock"
	"github.com/jobtrail/jobtrail/internal/config"
	paymentdomain "github.com/jobtrail/jobtrail/internal/payment/domain"
	subscriptiondomain "github.com/jobtrail/jobtrail/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type claimMock struct {
	claimed     bool
	err         error
	calls       int
	lastPayload []byte
}

func (m *claimMock) Claim(ctx context.Context, externalEventID, eventType string, payload []byte) (bool, error) {
	m.calls++
	m.lastPayload = payload
	return m.claimed, m.err
}

type subscriptionMock struct {
	applied []*paymentdomain.SubscriptionEvent
	err     error
}

func (m *subscriptionMock) Apply(ctx context.Context, event *paymentdomain.SubscriptionEvent) error {
	m.applied = append(m.applied, event)
	return m.err
}

func (m *subscriptionMock) GetByAccountID(ctx context.Context, accountID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return nil, subscriptiondomain.ErrSubscriptionNotFound
}

func newTestService(t *testing.T, claims *claimMock, subs *subscriptionMock) *Service {
	t.Helper()

	svc, err := NewService(Params{
		Log:             zap.NewNop(),
		Cfg:             config.Config{Billing: config.BillingConfig{WebhookSecret: testSecret}},
		Clock:           clock.NewFakeClock(testNow),
		ClaimSvc:        claims,
		SubscriptionSvc: subs,
	})
	require.NoError(t, err)
	return svc.(*Service)
}

func sign(t *testing.T, payload []byte) http.Header {
	t.Helper()

	timestamp := fmt.Sprintf("%d", testNow.Unix())
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, err := mac.Write([]byte(timestamp + "." + string(payload)))
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func subscriptionPayload(eventID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "customer.subscription.created",
		"data": {
			"object": {
				"id": "sub_1",
				"metadata": {"account_id": "1234567890123456789"},
				"items": {"data": [{"price": {"id": "price_pro"}}]}
			}
		}
	}`, eventID))
}

func TestIngestWebhook_Processed(t *testing.T) {
	claims := &claimMock{claimed: true}
	subs := &subscriptionMock{}
	svc := newTestService(t, claims, subs)

	payload := subscriptionPayload("evt_1")
	require.NoError(t, svc.IngestWebhook(context.Background(), payload, sign(t, payload)))

	assert.Equal(t, 1, claims.calls)
	require.Len(t, subs.applied, 1)
	assert.Equal(t, "evt_1", subs.applied[0].ProviderEventID)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionActivated, subs.applied[0].Type)
	// The raw delivery travels with the claim for retention.
	assert.JSONEq(t, string(payload), string(claims.lastPayload))
}

func TestIngestWebhook_BadSignature(t *testing.T) {
	claims := &claimMock{claimed: true}
	subs := &subscriptionMock{}
	svc := newTestService(t, claims, subs)

	payload := subscriptionPayload("evt_1")
	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1,v1=deadbeef")

	err := svc.IngestWebhook(context.Background(), payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	// Nothing may be claimed or applied on a signature failure.
	assert.Zero(t, claims.calls)
	assert.Empty(t, subs.applied)
}

func TestIngestWebhook_Duplicate(t *testing.T) {
	claims := &claimMock{claimed: false}
	subs := &subscriptionMock{}
	svc := newTestService(t, claims, subs)

	payload := subscriptionPayload("evt_1")
	require.NoError(t, svc.IngestWebhook(context.Background(), payload, sign(t, payload)))

	// Duplicate answers success without reprocessing.
	assert.Empty(t, subs.applied)
}

func TestIngestWebhook_IgnoredType(t *testing.T) {
	claims := &claimMock{claimed: true}
	subs := &subscriptionMock{}
	svc := newTestService(t, claims, subs)

	payload := []byte(`{"id": "evt_x", "type": "charge.refunded", "data": {"object": {}}}`)
	require.NoError(t, svc.IngestWebhook(context.Background(), payload, sign(t, payload)))

	assert.Zero(t, claims.calls)
	assert.Empty(t, subs.applied)
}

func TestIngestWebhook_InvalidJSON(t *testing.T) {
	svc := newTestService(t, &claimMock{claimed: true}, &subscriptionMock{})

	err := svc.IngestWebhook(context.Background(), []byte(`{"id":`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestIngestWebhook_ApplyFailureSurfaces(t *testing.T) {
	applyErr := errors.New("boom")
	claims := &claimMock{claimed: true}
	subs := &subscriptionMock{err: applyErr}
	svc := newTestService(t, claims, subs)

	payload := subscriptionPayload("evt_1")
	err := svc.IngestWebhook(context.Background(), payload, sign(t, payload))
	assert.ErrorIs(t, err, applyErr)
}
