package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoffDelayCapsAt30Seconds(t *testing.T) {
	require.Equal(t, time.Second, backoffDelay(0))
	require.Equal(t, 2*time.Second, backoffDelay(1))
	require.Equal(t, 30*time.Second, backoffDelay(10))
}

func TestErrorCodeRetryable(t *testing.T) {
	retryable := []ErrorCode{ErrRateLimit, ErrServerError, ErrTimeout, ErrNetwork}
	for _, code := range retryable {
		require.True(t, code.retryable(), "%s should be retryable", code)
	}

	notRetryable := []ErrorCode{ErrInvalidInput, ErrInvalidAPIKey, ErrNotFound, ErrEmptyResponse, ErrNoMessageOutput}
	for _, code := range notRetryable {
		require.False(t, code.retryable(), "%s should not be retryable", code)
	}
}

func TestCallSuccessParsesOutputText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := responsesResponse{}
		resp.Output = []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}{
			{Type: "message", Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{{Type: "output_text", Text: "hello there"}}},
		}
		resp.Usage.TotalTokens = 12
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 1}, zap.NewNop())
	result := c.Call(context.Background(), "hi", "conv-1", "prompt-1", "user-1")
	require.True(t, result.Success)
	require.Equal(t, "hello there", result.Response)
	require.Equal(t, 12, result.TokensUsed)
}

func TestCallRateLimitStatusMapsToRateLimitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 1}, zap.NewNop())
	result := c.Call(context.Background(), "hi", "conv-1", "prompt-1", "user-1")
	require.False(t, result.Success)
	require.Equal(t, ErrRateLimit, result.ErrorCode)
}

func TestCallUnauthorizedMapsToInvalidAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 1}, zap.NewNop())
	result := c.Call(context.Background(), "hi", "conv-1", "prompt-1", "user-1")
	require.False(t, result.Success)
	require.Equal(t, ErrInvalidAPIKey, result.ErrorCode)
}

func TestCallEmptyOutputMapsToNoMessageOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(responsesResponse{})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 1}, zap.NewNop())
	result := c.Call(context.Background(), "hi", "conv-1", "prompt-1", "user-1")
	require.False(t, result.Success)
	require.Equal(t, ErrNoMessageOutput, result.ErrorCode)
}

func TestNewClampsMaxRetries(t *testing.T) {
	c := New(Config{MaxRetries: 0}, zap.NewNop())
	require.Equal(t, 1, c.cfg.MaxRetries)

	c = New(Config{MaxRetries: 99}, zap.NewNop())
	require.Equal(t, 5, c.cfg.MaxRetries)
}
