// Package ai wraps the externally hosted content-generation service used
// for document reviews, conversation turns and company research.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jobtrail/jobtrail/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type GenerateRequest struct {
	OperationKind string `json:"operation_kind"`
	SubjectID     string `json:"subject_id,omitempty"`
	Prompt        string `json:"prompt"`
}

// GenerateResult carries the produced content. Partial means the service
// completed some but not all of the requested work; billing policy treats
// that as a half-cost outcome.
type GenerateResult struct {
	Content string `json:"content"`
	Partial bool   `json:"partial"`
}

type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

var ErrUnavailable = errors.New("ai_service_unavailable")

type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) Client {
	timeout := cfg.AI.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &httpClient{
		baseURL: cfg.AI.BaseURL,
		apiKey:  cfg.AI.APIKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.Named("providers.ai"),
	}
}

func (c *httpClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if c.baseURL == "" {
		return nil, ErrUnavailable
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("ai request failed", zap.Error(err))
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, ErrUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ai service returned status %d", resp.StatusCode)
	}

	var result GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ErrUnavailable
	}
	return &result, nil
}

var Module = fx.Module("providers.ai",
	fx.Provide(NewClient),
)
