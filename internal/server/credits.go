package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	reviewdomain "github.com/jobtrail/jobtrail/internal/review/domain"
)

type balanceResponse struct {
	CreditsAvailable  float64   `json:"credits_available"`
	MonthlyAllocation float64   `json:"monthly_allocation"`
	NextResetAt       time.Time `json:"next_reset_at"`
	Plan              string    `json:"plan"`
}

func (s *Server) GetBalance(c *gin.Context) {
	account, ok := accountFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), account.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		CreditsAvailable:  balance.CreditsAvailable,
		MonthlyAllocation: balance.MonthlyAllocation,
		NextResetAt:       balance.NextResetAt,
		Plan:              account.Plan,
	})
}

type transactionResponse struct {
	ID        string         `json:"id"`
	Delta     float64        `json:"delta"`
	Reason    string         `json:"reason"`
	SubjectID string         `json:"subject_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Server) ListTransactions(c *gin.Context) {
	account, ok := accountFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	transactions, err := s.creditSvc.ListTransactions(c.Request.Context(), account.ID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]transactionResponse, 0, len(transactions))
	for _, txn := range transactions {
		items = append(items, transactionResponse{
			ID:        txn.ID.String(),
			Delta:     txn.Delta,
			Reason:    txn.Reason,
			SubjectID: txn.SubjectID,
			Metadata:  txn.Metadata,
			CreatedAt: txn.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"transactions": items})
}

type dailyFreeEntry struct {
	Operation string `json:"operation"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// GetDailyFree reports the caller's remaining free uses for every gated
// operation today.
func (s *Server) GetDailyFree(c *gin.Context) {
	account, ok := accountFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	operations := []string{
		reviewdomain.OperationReview,
		reviewdomain.OperationConversationTurn,
		reviewdomain.OperationCompanyInfo,
	}

	planCfg := s.plans.Get()
	entries := make([]dailyFreeEntry, 0, len(operations))
	for _, op := range operations {
		remaining, err := s.quotaSvc.RemainingFree(c.Request.Context(), account.ID, account.Plan, op)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		entries = append(entries, dailyFreeEntry{
			Operation: op,
			Limit:     planCfg.FreeLimit(account.Plan, op),
			Remaining: remaining,
		})
	}

	c.JSON(http.StatusOK, gin.H{"daily_free": entries})
}
