// Package domain defines the closed union of payment-processor events the
// webhook accepts, and the adapter contract for decoding them.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	EventTypeSubscriptionActivated = "subscription.activated"
	EventTypeSubscriptionUpdated   = "subscription.updated"
	EventTypeSubscriptionCanceled  = "subscription.canceled"
	EventTypePaymentFailed         = "payment.failed"
	EventTypePaymentSucceeded      = "payment.succeeded"
)

// Normalized subscription statuses carried on subscription events. The
// adapter folds the processor's wider status vocabulary into these.
const (
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// SubscriptionEvent is the decoded form of a processor delivery. Unknown
// shapes are rejected by the adapter with ErrEventIgnored rather than
// best-effort field extraction.
type SubscriptionEvent struct {
	ProviderEventID        string
	Type                   string
	AccountID              snowflake.ID
	ExternalSubscriptionID string
	PriceRef               string
	Status                 string
	CurrentPeriodEnd       *time.Time
	OccurredAt             time.Time
	RawPayload             []byte
}

// Adapter verifies and decodes one processor's webhook format.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*SubscriptionEvent, error)
}

// Service ingests a raw webhook delivery end to end: verify, claim,
// dispatch.
type Service interface {
	IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrInvalidConfig    = errors.New("invalid_config")
)
