package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jobtrail/jobtrail/internal/clock"
	paymentdomain "github.com/jobtrail/jobtrail/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T) (*Adapter, *clock.FakeClock) {
	t.Helper()

	clk := clock.NewFakeClock(testNow)
	adapter, err := NewAdapter(testSecret, clk)
	require.NoError(t, err)
	return adapter, clk
}

func signedHeaders(t *testing.T, payload []byte, secret string, at time.Time) http.Header {
	t.Helper()

	timestamp := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	_, err := mac.Write([]byte(timestamp + "." + string(payload)))
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func TestNewAdapter_RequiresSecret(t *testing.T) {
	_, err := NewAdapter("  ", clock.NewFakeClock(testNow))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)

	_, err = NewAdapter(testSecret, nil)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestVerify(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)
	now := testNow

	assert.NoError(t, adapter.Verify(ctx, payload, signedHeaders(t, payload, testSecret, now)))

	// Wrong secret.
	err := adapter.Verify(ctx, payload, signedHeaders(t, payload, "whsec_other", now))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	// Tampered payload.
	err = adapter.Verify(ctx, []byte(`{"id":"evt_2"}`), signedHeaders(t, payload, testSecret, now))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	// Missing header.
	err = adapter.Verify(ctx, payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	// Garbage header.
	headers := http.Header{}
	headers.Set("Stripe-Signature", "not-a-signature")
	err = adapter.Verify(ctx, payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestVerify_TimestampWindow(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)

	// Inside the window.
	assert.NoError(t, adapter.Verify(ctx, payload, signedHeaders(t, payload, testSecret, testNow.Add(-4*time.Minute))))

	// A validly signed payload captured earlier must not replay outside
	// the window.
	err := adapter.Verify(ctx, payload, signedHeaders(t, payload, testSecret, testNow.Add(-6*time.Minute)))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = adapter.Verify(ctx, payload, signedHeaders(t, payload, testSecret, testNow.Add(6*time.Minute)))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	// Non-numeric timestamp.
	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=yesterday,v1=deadbeef")
	err = adapter.Verify(ctx, payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestParse_SubscriptionCreated(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	payload := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.created",
		"created": 1710072000,
		"data": {
			"object": {
				"id": "sub_1",
				"status": "active",
				"current_period_end": 1712750400,
				"metadata": {"account_id": "1234567890123456789"},
				"items": {"data": [{"price": {"id": "price_pro"}}]}
			}
		}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ProviderEventID)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionActivated, event.Type)
	assert.Equal(t, "sub_1", event.ExternalSubscriptionID)
	assert.Equal(t, "price_pro", event.PriceRef)
	assert.Equal(t, int64(1234567890123456789), int64(event.AccountID))
	require.NotNil(t, event.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1712750400, 0).UTC(), *event.CurrentPeriodEnd)
	assert.Equal(t, paymentdomain.StatusActive, event.Status)
}

func TestParse_SubscriptionUpdatedCarriesStatus(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	payload := []byte(`{
		"id": "evt_7",
		"type": "customer.subscription.updated",
		"data": {
			"object": {
				"id": "sub_1",
				"status": "past_due",
				"metadata": {"account_id": "1234567890123456789"},
				"items": {"data": [{"price": {"id": "price_pro"}}]}
			}
		}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionUpdated, event.Type)
	assert.Equal(t, paymentdomain.StatusPastDue, event.Status)
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, paymentdomain.StatusActive, normalizeStatus("active"))
	assert.Equal(t, paymentdomain.StatusActive, normalizeStatus("trialing"))
	assert.Equal(t, paymentdomain.StatusActive, normalizeStatus(""))
	assert.Equal(t, paymentdomain.StatusPastDue, normalizeStatus("past_due"))
	assert.Equal(t, paymentdomain.StatusPastDue, normalizeStatus("unpaid"))
	assert.Equal(t, paymentdomain.StatusCanceled, normalizeStatus("canceled"))
	assert.Equal(t, paymentdomain.StatusCanceled, normalizeStatus("incomplete_expired"))
}

func TestParse_SubscriptionDeleted(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	payload := []byte(`{
		"id": "evt_2",
		"type": "customer.subscription.deleted",
		"data": {
			"object": {
				"id": "sub_1",
				"metadata": {"account_id": "1234567890123456789"}
			}
		}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionCanceled, event.Type)
}

func TestParse_InvoicePaymentFailed(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	payload := []byte(`{
		"id": "evt_3",
		"type": "invoice.payment_failed",
		"data": {
			"object": {
				"id": "in_1",
				"subscription": "sub_1"
			}
		}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypePaymentFailed, event.Type)
	assert.Equal(t, "sub_1", event.ExternalSubscriptionID)
}

func TestParse_InvoiceWithoutSubscriptionIgnored(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	payload := []byte(`{
		"id": "evt_4",
		"type": "invoice.payment_succeeded",
		"data": {"object": {"id": "in_oneoff"}}
	}`)

	_, err := adapter.Parse(context.Background(), payload)
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
}

func TestParse_UnknownTypeIgnored(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	payload := []byte(`{"id": "evt_5", "type": "charge.refunded", "data": {"object": {}}}`)
	_, err := adapter.Parse(context.Background(), payload)
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
}

func TestParse_MissingAccountMetadata(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	payload := []byte(`{
		"id": "evt_6",
		"type": "customer.subscription.created",
		"data": {"object": {"id": "sub_1", "metadata": {}}}
	}`)

	_, err := adapter.Parse(context.Background(), payload)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAccount)
}

func TestParse_MalformedJSON(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	_, err := adapter.Parse(context.Background(), []byte(`{"id": `))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}
