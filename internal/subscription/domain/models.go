// Package domain contains the subscription mirror kept in sync with the
// external payment processor's state machine.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/jobtrail/jobtrail/internal/payment/domain"
)

// SubscriptionStatus follows the external lifecycle:
// none -> active -> {past_due <-> active} -> canceled (terminal).
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is one-to-one with a paying account and mutated only by
// the synchronizer.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey"`
	AccountID              snowflake.ID       `gorm:"not null;uniqueIndex"`
	ExternalSubscriptionID string             `gorm:"type:text;not null;uniqueIndex"`
	PriceRef               string             `gorm:"type:text;not null;default:''"`
	Status                 SubscriptionStatus `gorm:"type:text;not null"`
	CurrentPeriodEnd       *time.Time         `gorm:""`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

type Service interface {
	// Apply translates one deduplicated processor event into subscription
	// and allocation state. Callers guarantee at-most-once invocation per
	// distinct event id via the claim gate.
	Apply(ctx context.Context, event *paymentdomain.SubscriptionEvent) error

	GetByAccountID(ctx context.Context, accountID snowflake.ID) (*Subscription, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrUnknownPriceRef      = errors.New("unknown_price_ref")
	ErrUnknownEventType     = errors.New("unknown_event_type")
)
