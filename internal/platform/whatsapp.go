package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/convoy-platform/message-core/internal/metrics"
)

// whatsappMessage is the Meta Graph API outbound message payload.
type whatsappMessage struct {
	MessagingProduct string               `json:"messaging_product"`
	To               string               `json:"to"`
	Type             string               `json:"type"`
	Text             whatsappText         `json:"text"`
}

type whatsappText struct {
	Body string `json:"body"`
}

type whatsappAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *whatsappAPIError `json:"error,omitempty"`
}

type whatsappAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WhatsAppSender sends outbound messages through the Meta Graph API,
// grounded on the teacher's pkg/whatsapp/client.go (tuned transport,
// rate limiter, circuit breaker, categorized errors).
type WhatsAppSender struct {
	baseURL        string
	http           *http.Client
	limiter        *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewWhatsAppSender builds a WhatsApp Graph API sender.
func NewWhatsAppSender(baseURL string, logger *zap.Logger) *WhatsAppSender {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &WhatsAppSender{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(100), 100),
		circuitBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "whatsapp-send",
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
		}),
		logger: logger,
	}
}

func (s *WhatsAppSender) Send(ctx context.Context, phoneNumberID, customerPhone, text, accessToken, metaPhoneNumberID string) SendResult {
	timer := time.Now()
	res := s.send(ctx, customerPhone, text, accessToken, metaPhoneNumberID)
	outcome := "error"
	if res.Success {
		outcome = "success"
	}
	metrics.PlatformSendDuration.WithLabelValues("whatsapp", outcome).Observe(time.Since(timer).Seconds())
	return res
}

func (s *WhatsAppSender) send(ctx context.Context, customerPhone, text, accessToken, metaPhoneNumberID string) SendResult {
	if err := s.limiter.Wait(ctx); err != nil {
		return SendResult{ErrorCode: ErrNetwork, Retryable: true, Err: err}
	}

	payload := whatsappMessage{
		MessagingProduct: "whatsapp",
		To:               customerPhone,
		Type:             "text",
		Text:             whatsappText{Body: text},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Err: err}
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, metaPhoneNumberID)
	result, err := s.circuitBreaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return SendResult{Err: err}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := s.http.Do(req)
		if err != nil {
			return SendResult{ErrorCode: ErrNetwork, Retryable: true, Err: err}, nil
		}
		defer resp.Body.Close()

		var parsed whatsappAPIResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&parsed); decErr != nil {
			return SendResult{ErrorCode: ErrNetwork, Retryable: true, Err: decErr}, nil
		}

		if parsed.Error != nil {
			return mapWhatsAppError(resp.StatusCode, parsed.Error), nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return SendResult{ErrorCode: ErrRateLimit, Retryable: true}, nil
		}
		if len(parsed.Messages) == 0 {
			return SendResult{ErrorCode: ErrNetwork, Retryable: true}, nil
		}
		return SendResult{Success: true, MessageID: parsed.Messages[0].ID}, nil
	})
	if err != nil {
		if sr, ok := result.(SendResult); ok {
			return sr
		}
		return SendResult{ErrorCode: ErrNetwork, Retryable: true, Err: err}
	}
	return result.(SendResult)
}

// mapWhatsAppError maps a Graph API error code to the platform taxonomy
// (spec §4.5): 131047 is a closed customer-service window, non-retryable.
func mapWhatsAppError(status int, apiErr *whatsappAPIError) SendResult {
	switch apiErr.Code {
	case 131047:
		return SendResult{ErrorCode: ErrWindowExpired, Retryable: false, Err: fmt.Errorf("whatsapp: %s", apiErr.Message)}
	}
	if status == http.StatusTooManyRequests {
		return SendResult{ErrorCode: ErrRateLimit, Retryable: true, Err: fmt.Errorf("whatsapp: %s", apiErr.Message)}
	}
	return SendResult{ErrorCode: ErrNetwork, Retryable: true, Err: fmt.Errorf("whatsapp: %s", apiErr.Message)}
}

func (s *WhatsAppSender) SendTypingIndicator(ctx context.Context, phoneNumberID, customerPhone, accessToken, metaPhoneNumberID string) {
	go func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		url := fmt.Sprintf("%s/%s/messages", s.baseURL, metaPhoneNumberID)
		body, _ := json.Marshal(map[string]any{
			"messaging_product": "whatsapp",
			"status":            "read",
			"typing_indicator":  map[string]string{"type": "text"},
		})
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		resp, err := s.http.Do(req)
		if err != nil {
			s.logger.Debug("whatsapp: typing indicator failed", zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}

var _ Sender = (*WhatsAppSender)(nil)
