// Package domain contains the account identity model owned by the ledger.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Account identifies a paying user or an anonymous guest. Exactly one of
// UserID/GuestID is set, enforced by a CHECK constraint.
type Account struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    *string      `gorm:"type:text;uniqueIndex:ux_accounts_user_id"`
	GuestID   *string      `gorm:"type:text;uniqueIndex:ux_accounts_guest_id"`
	Plan      string       `gorm:"type:text;not null;default:free"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Identity is what arrives on a request: a trusted user id from the
// gateway, or a client-held guest id.
type Identity struct {
	UserID  string
	GuestID string
}

func (i Identity) Valid() bool {
	return (i.UserID != "") != (i.GuestID != "")
}

type Service interface {
	// Resolve returns the account for an identity, creating it (with a
	// free-tier balance) on first activity.
	Resolve(ctx context.Context, identity Identity) (*Account, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Account, error)
	SetPlan(ctx context.Context, id snowflake.ID, plan string) error
}

var (
	ErrInvalidIdentity = errors.New("invalid_identity")
	ErrNotFound        = errors.New("account_not_found")
)
