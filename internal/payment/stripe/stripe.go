// Package stripe decodes Stripe-format webhook deliveries into the
// closed subscription event union.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jobtrail/jobtrail/internal/clock"
	paymentdomain "github.com/jobtrail/jobtrail/internal/payment/domain"
)

// signatureTolerance bounds how old (or how far in the future) a signed
// timestamp may be. Captured deliveries outside the window are rejected
// even with a valid signature.
const signatureTolerance = 5 * time.Minute

type Adapter struct {
	webhookSecret string
	clock         clock.Clock
}

func NewAdapter(webhookSecret string, clk clock.Clock) (*Adapter, error) {
	webhookSecret = strings.TrimSpace(webhookSecret)
	if webhookSecret == "" || clk == nil {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: webhookSecret, clock: clk}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	age := a.clock.Now().Sub(time.Unix(signedAt, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.SubscriptionEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "customer.subscription.created":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionActivated)
	case "customer.subscription.updated":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionUpdated)
	case "customer.subscription.deleted":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionCanceled)
	case "invoice.payment_failed":
		return a.parseInvoice(event, payload, paymentdomain.EventTypePaymentFailed)
	case "invoice.payment_succeeded":
		return a.parseInvoice(event, payload, paymentdomain.EventTypePaymentSucceeded)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeSubscription struct {
	ID               string             `json:"id"`
	Status           string             `json:"status"`
	CurrentPeriodEnd int64              `json:"current_period_end"`
	Created          int64              `json:"created"`
	Items            stripeItemList     `json:"items"`
	Metadata         map[string]any     `json:"metadata"`
}

type stripeItemList struct {
	Data []stripeItem `json:"data"`
}

type stripeItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeInvoice struct {
	ID           string         `json:"id"`
	Subscription string         `json:"subscription"`
	Created      int64          `json:"created"`
	Metadata     map[string]any `json:"metadata"`
}

func (a *Adapter) parseSubscription(event stripeEvent, payload []byte, eventType string) (*paymentdomain.SubscriptionEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	accountID, err := parseAccountID(sub.Metadata)
	if err != nil {
		return nil, err
	}

	priceRef := ""
	if len(sub.Items.Data) > 0 {
		priceRef = strings.TrimSpace(sub.Items.Data[0].Price.ID)
	}

	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}

	return &paymentdomain.SubscriptionEvent{
		ProviderEventID:        event.ID,
		Type:                   eventType,
		AccountID:              accountID,
		ExternalSubscriptionID: sub.ID,
		PriceRef:               priceRef,
		Status:                 normalizeStatus(sub.Status),
		CurrentPeriodEnd:       periodEnd,
		OccurredAt:             timestamp(sub.Created, event.Created),
		RawPayload:             payload,
	}, nil
}

// normalizeStatus folds Stripe's subscription status vocabulary into the
// three states the synchronizer tracks.
func normalizeStatus(status string) string {
	switch strings.TrimSpace(status) {
	case "past_due", "unpaid":
		return paymentdomain.StatusPastDue
	case "canceled", "incomplete_expired":
		return paymentdomain.StatusCanceled
	default:
		return paymentdomain.StatusActive
	}
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte, eventType string) (*paymentdomain.SubscriptionEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.Subscription) == "" {
		return nil, paymentdomain.ErrEventIgnored
	}

	accountID, err := parseAccountID(invoice.Metadata)
	if err != nil && !errors.Is(err, paymentdomain.ErrInvalidAccount) {
		return nil, err
	}

	return &paymentdomain.SubscriptionEvent{
		ProviderEventID:        event.ID,
		Type:                   eventType,
		AccountID:              accountID,
		ExternalSubscriptionID: strings.TrimSpace(invoice.Subscription),
		OccurredAt:             timestamp(invoice.Created, event.Created),
		RawPayload:             payload,
	}, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func parseAccountID(metadata map[string]any) (snowflake.ID, error) {
	raw := readMetadataValue(metadata, "account_id")
	if raw == "" {
		return 0, paymentdomain.ErrInvalidAccount
	}
	accountID, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, paymentdomain.ErrInvalidAccount
	}
	return accountID, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
