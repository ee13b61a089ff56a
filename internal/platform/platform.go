// Package platform implements the unified outbound send client (C5):
// dispatch across WhatsApp/Instagram/Webchat with per-platform error
// taxonomy and payload shape, generalized from the teacher's single-platform
// WhatsApp client (pkg/whatsapp/client.go, pkg/whatsapp/types.go).
package platform

import (
	"context"

	"github.com/convoy-platform/message-core/internal/models"
)

// ErrorCode is a platform-agnostic outbound-send error category.
type ErrorCode string

const (
	ErrWindowExpired    ErrorCode = "WINDOW_EXPIRED"
	ErrRateLimit        ErrorCode = "RATE_LIMIT"
	ErrUserUnavailable  ErrorCode = "USER_UNAVAILABLE"
	ErrNetwork          ErrorCode = "NETWORK"
	ErrUnsupported      ErrorCode = "UNSUPPORTED_PLATFORM"
)

// maxTextLength is the per-platform truncation limit; WhatsApp's 4096 chars
// is the tightest and is applied uniformly per spec §4.5.
const maxTextLength = 4096

// SendResult is the outcome of a Send call.
type SendResult struct {
	Success     bool
	MessageID   string
	ErrorCode   ErrorCode
	Retryable   bool
	Err         error
}

// Sender is the unified outbound dispatch surface the worker (C9) calls
// through, regardless of which platform a message came from.
type Sender interface {
	Send(ctx context.Context, phoneNumberID, customerPhone, text string, accessToken, metaPhoneNumberID string) SendResult
	SendTypingIndicator(ctx context.Context, phoneNumberID, customerPhone string, accessToken, metaPhoneNumberID string)
}

// Truncate applies the platform's text length limit.
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTextLength {
		return text
	}
	return string(runes[:maxTextLength])
}

// Dispatcher routes Send/SendTypingIndicator calls to the Sender registered
// for a QueuedMessage's platform_type.
type Dispatcher struct {
	senders map[models.Platform]Sender
}

// NewDispatcher builds a Dispatcher from per-platform senders.
func NewDispatcher(whatsapp, instagram, webchat Sender) *Dispatcher {
	return &Dispatcher{senders: map[models.Platform]Sender{
		models.PlatformWhatsApp:  whatsapp,
		models.PlatformInstagram: instagram,
		models.PlatformWebchat:   webchat,
	}}
}

// Send dispatches to the Sender registered for platform.
func (d *Dispatcher) Send(ctx context.Context, platform models.Platform, phoneNumberID, customerPhone, text, accessToken, metaPhoneNumberID string) SendResult {
	sender, ok := d.senders[platform]
	if !ok {
		return SendResult{ErrorCode: ErrUnsupported, Retryable: false}
	}
	return sender.Send(ctx, phoneNumberID, customerPhone, Truncate(text), accessToken, metaPhoneNumberID)
}

// SendTypingIndicator dispatches a fire-and-forget typing indicator, which
// also marks the inbound message read where the platform supports it.
func (d *Dispatcher) SendTypingIndicator(ctx context.Context, platform models.Platform, phoneNumberID, customerPhone, accessToken, metaPhoneNumberID string) {
	if sender, ok := d.senders[platform]; ok {
		sender.SendTypingIndicator(ctx, phoneNumberID, customerPhone, accessToken, metaPhoneNumberID)
	}
}
