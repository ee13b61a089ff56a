// Package llmclient implements the typed call to the external LLM
// responses API (C4): categorized errors, per-call timeout, exponential
// backoff across a bounded number of attempts.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/metrics"
)

// ErrorCode categorizes LLM call failures (spec §4.4).
type ErrorCode string

const (
	ErrInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrInvalidAPIKey   ErrorCode = "INVALID_API_KEY"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrRateLimit       ErrorCode = "RATE_LIMIT"
	ErrServerError     ErrorCode = "SERVER_ERROR"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrNetwork         ErrorCode = "NETWORK"
	ErrEmptyResponse   ErrorCode = "EMPTY_RESPONSE"
	ErrNoMessageOutput ErrorCode = "NO_MESSAGE_OUTPUT"
)

// retryable reports whether the client's inner backoff should retry this code.
func (c ErrorCode) retryable() bool {
	switch c {
	case ErrRateLimit, ErrServerError, ErrTimeout, ErrNetwork:
		return true
	default:
		return false
	}
}

// Result is the outcome of a Call.
type Result struct {
	Success    bool
	Response   string
	TokensUsed int
	ErrorCode  ErrorCode
	Err        error
}

// Config configures the client.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int // clamped to 1-5 by New
}

// Client calls the external LLM /responses and /conversations endpoints.
type Client struct {
	cfg            Config
	http           *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// New builds an LLM client with a tuned transport and a circuit breaker
// guarding the external call, matching the teacher's whatsapp client shape.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxRetries > 5 {
		cfg.MaxRetries = 5
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-client",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
	return &Client{
		cfg:            cfg,
		http:           &http.Client{Transport: transport, Timeout: cfg.Timeout},
		circuitBreaker: cb,
		logger:         logger,
	}
}

type responsesRequest struct {
	Prompt       promptRef        `json:"prompt"`
	Input        []inputMessage   `json:"input"`
	Conversation string           `json:"conversation"`
	User         string           `json:"user,omitempty"`
}

type promptRef struct {
	ID string `json:"id"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
	Status string `json:"status"`
}

// Call invokes the LLM responses API for one message, retrying internally
// with exponential backoff on retryable error codes.
func (c *Client) Call(ctx context.Context, messageText, conversationID, promptID, userID string) Result {
	timer := prometheusTimer()
	var last Result
attemptLoop:
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		last = c.attempt(ctx, messageText, conversationID, promptID, userID)
		if last.Success || !last.ErrorCode.retryable() {
			break
		}
		if attempt < c.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				last = Result{ErrorCode: ErrTimeout, Err: ctx.Err()}
				break attemptLoop
			case <-time.After(backoffDelay(attempt)):
			}
		}
	}
	outcome := "error"
	if last.Success {
		outcome = "success"
	}
	metrics.LLMCallDuration.WithLabelValues(outcome).Observe(timer())
	if !last.Success {
		metrics.LLMErrorsTotal.WithLabelValues(string(last.ErrorCode)).Inc()
	}
	return last
}

// backoffDelay is min(2^attempt * 1000ms, 30s).
func backoffDelay(attempt int) time.Duration {
	ms := math.Pow(2, float64(attempt)) * 1000
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Client) attempt(ctx context.Context, messageText, conversationID, promptID, userID string) Result {
	res, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.doCall(ctx, messageText, conversationID, promptID, userID)
	})
	if err != nil {
		if res != nil {
			return res.(Result)
		}
		return Result{ErrorCode: ErrServerError, Err: err}
	}
	return res.(Result)
}

func (c *Client) doCall(ctx context.Context, messageText, conversationID, promptID, userID string) (Result, error) {
	body := responsesRequest{
		Prompt:       promptRef{ID: promptID},
		Input:        []inputMessage{{Role: "user", Content: messageText}},
		Conversation: conversationID,
		User:         userID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Result{ErrorCode: ErrInvalidInput, Err: err}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/responses", bytes.NewReader(data))
	if err != nil {
		return Result{ErrorCode: ErrInvalidInput, Err: err}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{ErrorCode: ErrTimeout, Err: err}, nil
		}
		return Result{ErrorCode: ErrNetwork, Err: err}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{ErrorCode: ErrNetwork, Err: err}, nil
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{ErrorCode: ErrInvalidAPIKey, Err: fmt.Errorf("llm: status %d", resp.StatusCode)}, nil
	case resp.StatusCode == http.StatusNotFound:
		return Result{ErrorCode: ErrNotFound, Err: fmt.Errorf("llm: status %d", resp.StatusCode)}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{ErrorCode: ErrRateLimit, Err: fmt.Errorf("llm: status %d", resp.StatusCode)}, nil
	case resp.StatusCode >= 500:
		return Result{ErrorCode: ErrServerError, Err: fmt.Errorf("llm: status %d", resp.StatusCode)}, nil
	case resp.StatusCode >= 400:
		return Result{ErrorCode: ErrInvalidInput, Err: fmt.Errorf("llm: status %d", resp.StatusCode)}, nil
	}

	var parsed responsesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{ErrorCode: ErrEmptyResponse, Err: err}, nil
	}
	if len(parsed.Output) == 0 {
		return Result{ErrorCode: ErrNoMessageOutput}, nil
	}

	var text string
	for _, out := range parsed.Output {
		if out.Type != "message" {
			continue
		}
		for _, content := range out.Content {
			if content.Type == "output_text" {
				text += content.Text
			}
		}
	}
	if text == "" {
		return Result{ErrorCode: ErrEmptyResponse}, nil
	}

	return Result{Success: true, Response: text, TokensUsed: parsed.Usage.TotalTokens}, nil
}

// CreateConversation creates a new LLM-side conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/conversations", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

// ConnectionTest opens and immediately abandons a short-lived conversation,
// returning its latency as a health signal.
func (c *Client) ConnectionTest(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.CreateConversation(ctx)
	return time.Since(start), err
}

func prometheusTimer() func() float64 {
	start := time.Now()
	return func() float64 { return time.Since(start).Seconds() }
}
