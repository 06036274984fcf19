package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	reviewdomain "github.com/jobtrail/jobtrail/internal/review/domain"
)

type performRequest struct {
	SubjectID string `json:"subject_id"`
	Prompt    string `json:"prompt" binding:"required"`
}

type performResponse struct {
	Content         string  `json:"content"`
	CreditsConsumed float64 `json:"credits_consumed"`
	FreeUsed        bool    `json:"free_used"`
	FreeRemaining   int     `json:"free_remaining"`
}

func (s *Server) PerformReview(c *gin.Context) {
	s.performOperation(c, reviewdomain.OperationReview)
}

func (s *Server) PerformConversationTurn(c *gin.Context) {
	s.performOperation(c, reviewdomain.OperationConversationTurn)
}

func (s *Server) PerformCompanyInfo(c *gin.Context) {
	s.performOperation(c, reviewdomain.OperationCompanyInfo)
}

func (s *Server) performOperation(c *gin.Context, operation string) {
	account, ok := accountFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req performRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.reviewSvc.Perform(c.Request.Context(), reviewdomain.PerformRequest{
		Account:   account,
		Operation: operation,
		SubjectID: req.SubjectID,
		Prompt:    req.Prompt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, performResponse{
		Content:         result.Content,
		CreditsConsumed: result.CreditsConsumed,
		FreeUsed:        result.FreeUsed,
		FreeRemaining:   result.FreeRemaining,
	})
}
