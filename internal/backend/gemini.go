package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gemini calls Google's Gemini models through the generative-ai-go SDK
type Gemini struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGemini creates a Gemini backend authenticated with apiKey
func NewGemini(ctx context.Context, apiKey string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini backend requires an API key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, logger: logger}, nil
}

// Generate implements Backend
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	// GenerativeModel carries mutable settings, so build one per call
	model := g.client.GenerativeModel(req.ModelID)
	if req.Params.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.Params.MaxTokens))
	}
	model.SetTemperature(float32(req.Params.Temperature))
	if req.Params.TopP > 0 {
		model.SetTopP(float32(req.Params.TopP))
	}
	if req.Params.TopK > 0 {
		model.SetTopK(int32(req.Params.TopK))
	}
	if req.Params.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.Params.SystemPrompt)},
		}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", &GeminiError{Err: err}
	}

	text := responseText(resp)
	g.logger.Debug("Gemini response", "model", req.ModelID, "length", len(text))
	return text, nil
}

// GeminiError wraps a failed Gemini call
type GeminiError struct {
	Err error
}

func (e *GeminiError) Error() string {
	return fmt.Sprintf("gemini generate failed: %v", e.Err)
}

func (e *GeminiError) Unwrap() error {
	return e.Err
}

// RateLimited reports a 429 over REST or RESOURCE_EXHAUSTED over gRPC
func (e *GeminiError) RateLimited() bool {
	var apiErr *googleapi.Error
	if errors.As(e.Err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests
	}
	if st, ok := status.FromError(e.Err); ok {
		return st.Code() == codes.ResourceExhausted
	}
	return false
}

// Close releases the underlying client
func (g *Gemini) Close() error {
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		// First candidate only
		break
	}
	return sb.String()
}
