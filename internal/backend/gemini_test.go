package backend

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGeminiErrorRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rest 429", &googleapi.Error{Code: http.StatusTooManyRequests, Message: "quota exceeded"}, true},
		{"rest 500", &googleapi.Error{Code: http.StatusInternalServerError}, false},
		{"grpc resource exhausted", status.Error(codes.ResourceExhausted, "quota exceeded"), true},
		{"grpc unavailable", status.Error(codes.Unavailable, "try again"), false},
		{"wrapped grpc", fmt.Errorf("rpc: %w", status.Error(codes.ResourceExhausted, "quota")), true},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("route gemini-pro: %w", &GeminiError{Err: tt.err})
			assert.Equal(t, tt.want, IsRateLimited(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "gemini generate failed")
		})
	}
}
