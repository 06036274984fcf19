// Package domain contains the credit ledger models: balances, reservations
// and the immutable transaction log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Balance is the per-account credit balance. CreditsAvailable is never
// negative after any committed operation; every mutation goes through a
// single conditional UPDATE at the storage layer.
type Balance struct {
	AccountID         snowflake.ID `gorm:"primaryKey"`
	CreditsAvailable  float64      `gorm:"not null;default:0"`
	MonthlyAllocation float64      `gorm:"not null;default:0"`
	NextResetAt       time.Time    `gorm:"not null"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balances" }

// ReservationState is the lifecycle of an optimistic hold.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationConfirmed ReservationState = "confirmed"
	ReservationCancelled ReservationState = "cancelled"
)

// Reservation debits the balance at creation time and is terminal once
// confirmed or cancelled.
type Reservation struct {
	ID            snowflake.ID     `gorm:"primaryKey"`
	AccountID     snowflake.ID     `gorm:"not null;index"`
	Amount        float64          `gorm:"not null"`
	OperationKind string           `gorm:"type:text;not null"`
	SubjectID     string           `gorm:"type:text;not null;default:''"`
	State         ReservationState `gorm:"type:text;not null;default:held;index:ix_reservations_state_created,priority:1"`
	CreatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_reservations_state_created,priority:2"`
	ResolvedAt    *time.Time       `gorm:""`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "reservations" }

// Transaction is an immutable ledger entry for a committed debit or
// credit. Balances can be recomputed from transactions for reconciliation.
type Transaction struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	AccountID snowflake.ID      `gorm:"not null;index:ix_credit_transactions_account_created,priority:1"`
	Delta     float64           `gorm:"not null"`
	Reason    string            `gorm:"type:text;not null"`
	SubjectID string            `gorm:"type:text;not null;default:''"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_credit_transactions_account_created,priority:2"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

const (
	ReasonConsume          = "consume"
	ReasonPartialConsume   = "partial_consume"
	ReasonReservationSpent = "reservation_confirmed"
	ReasonAllocationGrant  = "allocation_grant"
	ReasonAllocationReset  = "allocation_reset"
)
