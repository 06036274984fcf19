package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// EnsureBalance lazily creates the balance row for an account with the
	// plan's allocation. Creating an existing balance is a no-op.
	EnsureBalance(ctx context.Context, accountID snowflake.ID, plan string) error

	// HasEnoughCredits is advisory only: balance can change between check
	// and mutate, so callers must treat the mutating call as authoritative.
	HasEnoughCredits(ctx context.Context, accountID snowflake.ID, amount float64) (bool, error)

	ConsumeCredits(ctx context.Context, accountID snowflake.ID, amount float64, reason, subjectID string) (*Transaction, error)

	// ConsumePartialCredits debits min(requested, available) and reports
	// what was actually taken. Zero is a valid outcome.
	ConsumePartialCredits(ctx context.Context, accountID snowflake.ID, requested float64, reason, subjectID string) (float64, error)

	ReserveCredits(ctx context.Context, accountID snowflake.ID, amount float64, operationKind, subjectID string) (*Reservation, error)

	// ConfirmReservation transitions held -> confirmed and writes the
	// transaction entry. Confirming an already confirmed reservation is a
	// no-op success.
	ConfirmReservation(ctx context.Context, reservationID snowflake.ID) error

	// CancelReservation transitions held -> cancelled and credits the hold
	// back. Cancelling an already cancelled reservation is a no-op success.
	CancelReservation(ctx context.Context, reservationID snowflake.ID) error

	// UpdatePlanAllocation sets the monthly allocation for the new plan.
	// On upgrade, the positive allocation delta is granted immediately and
	// in full; downgrades never claw back available credits mid-period.
	UpdatePlanAllocation(ctx context.Context, accountID snowflake.ID, newPlan string) error

	// ResetExpiredAllocations resets balances whose period has elapsed to
	// their monthly allocation. Idempotent per period.
	ResetExpiredAllocations(ctx context.Context) (int, error)

	// CancelStaleReservations refunds holds that have been pending longer
	// than ttl. A stuck held reservation is money in limbo.
	CancelStaleReservations(ctx context.Context, ttl time.Duration) (int, error)

	GetBalance(ctx context.Context, accountID snowflake.ID) (*Balance, error)
	GetReservation(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]Transaction, error)
}

var (
	ErrInsufficientCredits    = errors.New("insufficient_credits")
	ErrInvalidStateTransition = errors.New("invalid_state_transition")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrBalanceNotFound        = errors.New("balance_not_found")
	ErrReservationNotFound    = errors.New("reservation_not_found")
)
