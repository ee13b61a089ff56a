package platform

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/convoy-platform/message-core/internal/models"
)

func TestTruncateLeavesShortTextUntouched(t *testing.T) {
	require.Equal(t, "hello", Truncate("hello"))
}

func TestTruncateCapsAtMaxLength(t *testing.T) {
	text := strings.Repeat("a", maxTextLength+500)
	truncated := Truncate(text)
	require.Len(t, truncated, maxTextLength)
}

type recordingSender struct {
	sent bool
}

func (r *recordingSender) Send(ctx context.Context, phoneNumberID, customerPhone, text, accessToken, metaPhoneNumberID string) SendResult {
	r.sent = true
	return SendResult{Success: true, MessageID: "sent-1"}
}

func (r *recordingSender) SendTypingIndicator(ctx context.Context, phoneNumberID, customerPhone, accessToken, metaPhoneNumberID string) {
}

func TestDispatcherRoutesByPlatform(t *testing.T) {
	whatsapp := &recordingSender{}
	instagram := &recordingSender{}
	webchat := &recordingSender{}
	d := NewDispatcher(whatsapp, instagram, webchat)

	result := d.Send(context.Background(), models.PlatformInstagram, "p1", "+1555", "hi", "tok", "meta1")
	require.True(t, result.Success)
	require.True(t, instagram.sent)
	require.False(t, whatsapp.sent)
	require.False(t, webchat.sent)
}

func TestDispatcherUnknownPlatformIsUnsupported(t *testing.T) {
	d := NewDispatcher(&recordingSender{}, &recordingSender{}, &recordingSender{})

	result := d.Send(context.Background(), models.Platform("sms"), "p1", "+1555", "hi", "tok", "meta1")
	require.False(t, result.Success)
	require.Equal(t, ErrUnsupported, result.ErrorCode)
	require.False(t, result.Retryable)
}

func TestWebchatSenderPushesToBusAndAlwaysSucceeds(t *testing.T) {
	bus := NewInProcessBus()
	ch := bus.Subscribe("p1", "+1555")
	sender := NewWebchatSender(bus, nil)

	result := sender.Send(context.Background(), "p1", "+1555", "hello customer", "", "")
	require.True(t, result.Success)

	select {
	case text := <-ch:
		require.Equal(t, "hello customer", text)
	case <-time.After(time.Second):
		t.Fatal("expected push to subscriber")
	}
}
