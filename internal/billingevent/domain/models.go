// Package domain contains the processed-event claim table that
// deduplicates webhook deliveries.
package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// ProcessedEvent existence means an event is being handled or was
// handled. Insertion is the atomic claim gate: first writer wins. The
// raw delivery is retained on the claim row for replay and audit.
type ProcessedEvent struct {
	ExternalEventID string         `gorm:"type:text;primaryKey"`
	EventType       string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	ClaimedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProcessedEvent) TableName() string { return "processed_events" }

type Service interface {
	// Claim returns true when this caller won the claim and must process
	// the event, false when the event was already claimed. Duplicate
	// delivery is not an error: callers respond success without
	// reprocessing so the sender does not retry.
	Claim(ctx context.Context, externalEventID, eventType string, payload []byte) (bool, error)
}

var ErrInvalidEventID = errors.New("invalid_event_id")
