package platform

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/metrics"
)

// LiveBus pushes an outgoing message to a customer's live webchat session,
// best-effort, per spec §4.9 step 12.
type LiveBus interface {
	Push(phoneNumberID, customerPhone, text string)
}

// WebchatSender delivers synchronously through an in-process LiveBus rather
// than an external HTTP API. LiveBus.Push returns no error, so Send always
// reports success.
type WebchatSender struct {
	bus    LiveBus
	logger *zap.Logger
}

// NewWebchatSender builds a webchat sender over the given live-session bus.
func NewWebchatSender(bus LiveBus, logger *zap.Logger) *WebchatSender {
	return &WebchatSender{bus: bus, logger: logger}
}

func (s *WebchatSender) Send(ctx context.Context, phoneNumberID, customerPhone, text, accessToken, metaPhoneNumberID string) SendResult {
	start := time.Now()
	defer func() {
		metrics.PlatformSendDuration.WithLabelValues("webchat", "success").Observe(time.Since(start).Seconds())
	}()
	s.bus.Push(phoneNumberID, customerPhone, text)
	return SendResult{Success: true, MessageID: ""}
}

func (s *WebchatSender) SendTypingIndicator(ctx context.Context, phoneNumberID, customerPhone, accessToken, metaPhoneNumberID string) {
	s.bus.Push(phoneNumberID, customerPhone, "")
}

var _ Sender = (*WebchatSender)(nil)

// InProcessBus is an in-memory LiveBus keyed by (phone_number_id,
// customer_phone), fanning out pushed text to subscriber channels.
type InProcessBus struct {
	subscribe chan subscription
	pushes    chan pushEvent
}

type subscription struct {
	key string
	ch  chan string
}

type pushEvent struct {
	key  string
	text string
}

// NewInProcessBus starts an in-process live-session bus.
func NewInProcessBus() *InProcessBus {
	b := &InProcessBus{
		subscribe: make(chan subscription),
		pushes:    make(chan pushEvent, 256),
	}
	go b.run()
	return b
}

func (b *InProcessBus) run() {
	subs := make(map[string][]chan string)
	for {
		select {
		case sub := <-b.subscribe:
			subs[sub.key] = append(subs[sub.key], sub.ch)
		case ev := <-b.pushes:
			for _, ch := range subs[ev.key] {
				select {
				case ch <- ev.text:
				default:
				}
			}
		}
	}
}

func busKey(phoneNumberID, customerPhone string) string {
	return phoneNumberID + ":" + customerPhone
}

// Push fans an outgoing message out to any live subscriber for this pair.
func (b *InProcessBus) Push(phoneNumberID, customerPhone, text string) {
	b.pushes <- pushEvent{key: busKey(phoneNumberID, customerPhone), text: text}
}

// Subscribe registers a channel to receive pushes for a given pair.
func (b *InProcessBus) Subscribe(phoneNumberID, customerPhone string) <-chan string {
	ch := make(chan string, 16)
	b.subscribe <- subscription{key: busKey(phoneNumberID, customerPhone), ch: ch}
	return ch
}
