package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/jobtrail/jobtrail/internal/account/domain"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	paymentdomain "github.com/jobtrail/jobtrail/internal/payment/domain"
	reviewdomain "github.com/jobtrail/jobtrail/internal/review/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	// Populated for insufficient_credits responses.
	RequiredCredits  float64 `json:"required_credits,omitempty"`
	AvailableCredits float64 `json:"available_credits,omitempty"`

	// Populated for rate_limited responses.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if payload.RetryAfterSeconds > 0 {
			c.Header("Retry-After", fmt.Sprintf("%d", payload.RetryAfterSeconds))
		}
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var insufficientErr *reviewdomain.InsufficientCreditsError
	if errors.As(err, &insufficientErr) {
		return http.StatusPaymentRequired, errorPayload{
			Type:             "insufficient_credits",
			Message:          insufficientErr.Error(),
			RequiredCredits:  insufficientErr.Required,
			AvailableCredits: insufficientErr.Available,
		}
	}

	var rateLimitedErr *reviewdomain.RateLimitedError
	if errors.As(err, &rateLimitedErr) {
		retryAfter := int(rateLimitedErr.ResetIn.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return http.StatusTooManyRequests, errorPayload{
			Type:              "rate_limited",
			Message:           rateLimitedErr.Error(),
			RetryAfterSeconds: retryAfter,
		}
	}

	switch {
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, accountdomain.ErrInvalidIdentity):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, paymentdomain.ErrInvalidAccount):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_webhook",
			Message: "webhook rejected",
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, reviewdomain.ErrUnknownOperation),
		errors.Is(err, creditdomain.ErrInvalidAmount):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, reviewdomain.ErrUpstream):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "upstream service unavailable",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, accountdomain.ErrNotFound),
		errors.Is(err, creditdomain.ErrBalanceNotFound),
		errors.Is(err, creditdomain.ErrReservationNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
