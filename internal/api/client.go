package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lamim/distillforge/internal/backend"
	"github.com/lamim/distillforge/internal/config"
	"github.com/lamim/distillforge/internal/util"
)

// DefaultHTTPTimeout is the default timeout for HTTP requests
const DefaultHTTPTimeout = 120 * time.Second

// maxErrorBody bounds how much of a non-JSON error body ends up in an error message
const maxErrorBody = 512

// Client sends chat completion requests to one OpenAI-compatible endpoint.
// It makes a single attempt per call; retries belong to the caller.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	rpm        int
	pacer      *Pacer
	logger     *slog.Logger
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	TopK        int       `json:"top_k,omitempty"` // honored by vLLM and similar servers
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// NewClient creates a client for the endpoint described by modelCfg.
// Clients sharing a pacer share per-model pacing.
func NewClient(modelCfg config.ModelConfig, apiKey string, pacer *Pacer, logger *slog.Logger) *Client {
	timeout := DefaultHTTPTimeout
	if modelCfg.HTTPTimeoutSeconds > 0 {
		timeout = time.Duration(modelCfg.HTTPTimeoutSeconds) * time.Second
	}
	if pacer == nil {
		pacer = NewPacer(logger)
	}
	if apiKey == "" && !isLocalEndpoint(modelCfg.BaseURL) {
		logger.Warn("No API key found for model endpoint", "base_url", modelCfg.BaseURL)
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    modelCfg.BaseURL,
		apiKey:     apiKey,
		rpm:        modelCfg.RateLimitPerMinute,
		pacer:      pacer,
		logger:     logger,
	}
}

// Generate implements backend.Backend
func (c *Client) Generate(ctx context.Context, req backend.Request) (string, error) {
	var messages []message
	if req.Params.SystemPrompt != "" {
		messages = append(messages, message{Role: "system", Content: req.Params.SystemPrompt})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	if err := c.pacer.Wait(ctx, c.baseURL+":"+req.ModelID, c.rpm); err != nil {
		return "", fmt.Errorf("pacing wait failed: %w", err)
	}
	resp, err := c.chat(ctx, chatRequest{
		Model:       req.ModelID,
		Messages:    messages,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		TopK:        req.Params.TopK,
		MaxTokens:   req.Params.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		c.logger.Debug("Completion truncated at max_tokens", "model", req.ModelID, "max_tokens", req.Params.MaxTokens)
	}
	return choice.Message.Content, nil
}

// chat makes one chat completion call
func (c *Client) chat(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("API response",
		"endpoint", endpoint,
		"model", req.Model,
		"status", httpResp.StatusCode,
		"duration", time.Since(start))

	if httpResp.StatusCode != http.StatusOK {
		isRetryable := isStatusCodeRetryable(httpResp.StatusCode)

		var eb errorBody
		if err := json.Unmarshal(respBody, &eb); err == nil && eb.Error.Message != "" {
			return nil, &APIError{
				Message:    eb.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       eb.Error.Type,
				Code:       codeString(eb.Error.Code),
				Retryable:  isRetryable,
			}
		}

		return nil, &APIError{
			Message:    fmt.Sprintf("API request failed with status %d: %s", httpResp.StatusCode, util.TruncateString(string(respBody), maxErrorBody)),
			StatusCode: httpResp.StatusCode,
			Retryable:  isRetryable,
		}
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}
	c.logger.Debug("Token usage",
		"model", req.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return &resp, nil
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// codeString renders an error code that providers send as either a string or a number
func codeString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func isLocalEndpoint(baseURL string) bool {
	return strings.Contains(baseURL, "localhost") || strings.Contains(baseURL, "127.0.0.1")
}

// APIError represents an error returned by the API
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

// RateLimited reports whether the provider throttled the request
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

var _ backend.Backend = (*Client)(nil)
