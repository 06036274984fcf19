// Package domain contains the daily free quota counters consulted before
// any ledger work happens.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// DailyUsageCounter is one row per account/operation/day. Counters are
// only ever incremented; the next day's key supersedes them naturally.
type DailyUsageCounter struct {
	AccountID     snowflake.ID `gorm:"primaryKey"`
	OperationKind string       `gorm:"type:text;primaryKey"`
	DateKey       string       `gorm:"type:text;primaryKey"`
	Count         int          `gorm:"not null;default:0"`
}

// TableName sets the database table name.
func (DailyUsageCounter) TableName() string { return "daily_usage_counters" }

// DateKey renders a calendar day in the fixed reference timezone (UTC).
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type Service interface {
	// RemainingFree returns limit(plan, operation) minus today's count,
	// floored at zero.
	RemainingFree(ctx context.Context, accountID snowflake.ID, plan, operationKind string) (int, error)

	// IncrementUsage bumps today's counter, creating it if absent. The
	// increment is an atomic upsert, not read-then-write.
	IncrementUsage(ctx context.Context, accountID snowflake.ID, operationKind string) error
}
