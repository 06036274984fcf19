package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	accountdomain "github.com/jobtrail/jobtrail/internal/account/domain"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
)

// Operation kinds gated by credits and rate limits.
const (
	OperationReview           = "review"
	OperationConversationTurn = "conversation_turn"
	OperationCompanyInfo      = "company_info"
)

func ValidOperation(kind string) bool {
	switch kind {
	case OperationReview, OperationConversationTurn, OperationCompanyInfo:
		return true
	}
	return false
}

type PerformRequest struct {
	Account   *accountdomain.Account
	Operation string
	SubjectID string
	Prompt    string
}

type PerformResult struct {
	Content         string
	CreditsConsumed float64
	FreeUsed        bool
	FreeRemaining   int
}

type Service interface {
	Perform(ctx context.Context, req PerformRequest) (*PerformResult, error)
}

var (
	ErrUnknownOperation = errors.New("unknown operation kind")
	ErrUpstream         = errors.New("upstream service unavailable")
)

// RateLimitedError reports how long the caller should wait before retrying.
type RateLimitedError struct {
	Operation string
	ResetIn   time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Operation, e.ResetIn)
}

// InsufficientCreditsError carries the shortfall so callers can render an
// actionable message.
type InsufficientCreditsError struct {
	Required  float64
	Available float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %.1f, have %.1f", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return creditdomain.ErrInsufficientCredits
}
