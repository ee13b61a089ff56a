package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/metrics"
)

type instagramMessage struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type instagramAPIResponse struct {
	MessageID string                `json:"message_id"`
	Error     *instagramAPIError    `json:"error,omitempty"`
}

type instagramAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// InstagramSender sends outbound DMs through the Meta Graph API's Instagram
// messaging surface, generalized from WhatsAppSender's transport shape.
type InstagramSender struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewInstagramSender builds an Instagram messaging sender.
func NewInstagramSender(baseURL string, logger *zap.Logger) *InstagramSender {
	return &InstagramSender{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (s *InstagramSender) Send(ctx context.Context, phoneNumberID, customerPhone, text, accessToken, metaPhoneNumberID string) SendResult {
	start := time.Now()
	res := s.send(ctx, customerPhone, text, accessToken, metaPhoneNumberID)
	outcome := "error"
	if res.Success {
		outcome = "success"
	}
	metrics.PlatformSendDuration.WithLabelValues("instagram", outcome).Observe(time.Since(start).Seconds())
	return res
}

func (s *InstagramSender) send(ctx context.Context, customerPhone, text, accessToken, metaPhoneNumberID string) SendResult {
	payload := instagramMessage{}
	payload.Recipient.ID = customerPhone
	payload.Message.Text = text
	data, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Err: err}
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, metaPhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return SendResult{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return SendResult{ErrorCode: ErrNetwork, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	var parsed instagramAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return SendResult{ErrorCode: ErrNetwork, Retryable: true, Err: err}
	}
	if parsed.Error != nil {
		return mapInstagramError(resp.StatusCode, parsed.Error)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return SendResult{ErrorCode: ErrRateLimit, Retryable: true}
	}
	return SendResult{Success: true, MessageID: parsed.MessageID}
}

// mapInstagramError maps an Instagram Graph API error code to the platform
// taxonomy (spec §4.5): error 551 means the recipient cannot currently
// receive messages, a transient condition worth retrying.
func mapInstagramError(status int, apiErr *instagramAPIError) SendResult {
	switch apiErr.Code {
	case 551:
		return SendResult{ErrorCode: ErrUserUnavailable, Retryable: true, Err: fmt.Errorf("instagram: %s", apiErr.Message)}
	}
	if status == http.StatusTooManyRequests {
		return SendResult{ErrorCode: ErrRateLimit, Retryable: true, Err: fmt.Errorf("instagram: %s", apiErr.Message)}
	}
	return SendResult{ErrorCode: ErrNetwork, Retryable: true, Err: fmt.Errorf("instagram: %s", apiErr.Message)}
}

func (s *InstagramSender) SendTypingIndicator(ctx context.Context, phoneNumberID, customerPhone, accessToken, metaPhoneNumberID string) {
	go func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		url := fmt.Sprintf("%s/%s/messages", s.baseURL, metaPhoneNumberID)
		body, _ := json.Marshal(map[string]any{
			"recipient":    map[string]string{"id": customerPhone},
			"sender_action": "typing_on",
		})
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		resp, err := s.http.Do(req)
		if err != nil {
			s.logger.Debug("instagram: typing indicator failed", zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}

var _ Sender = (*InstagramSender)(nil)
