// Package models defines the storage-neutral entity types shared across the
// message-processing core.
package models

import "time"

// Platform identifies the channel a message arrived on or is sent through.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
	PlatformWebchat   Platform = "webchat"
)

// Sender identifies who authored a MessageRecord.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// MessageStatus tracks delivery lifecycle of a persisted MessageRecord.
type MessageStatus string

const (
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
	MessageStatusPending MessageStatus = "pending"
)

// QueuedMessage is the unit of work enqueued by the ingress layer and
// dequeued by a worker. Ordering within a queue keyed by PhoneNumberID must
// preserve enqueue order.
type QueuedMessage struct {
	MessageID     string
	PhoneNumberID string
	CustomerPhone string
	MessageText   string
	PlatformType  Platform
	Timestamp     time.Time
	RetryCount    uint32
	EnqueuedAt    time.Time
	LastError     string
}

// ProcessingLease is a time-bounded claim on a dequeued QueuedMessage. Only
// its holder may complete or fail the underlying message.
type ProcessingLease struct {
	LeaseID       string
	MessageID     string
	PhoneNumberID string
	ExpiresAt     time.Time
}

// DistributedLock guarantees exclusive ownership of a resource key, modulo
// expiry. Resource is conventionally "customer:<phone_number_id>:<customer_phone>".
type DistributedLock struct {
	LockID    string
	Resource  string
	ExpiresAt time.Time
}

// Session is a cached, worker-local snapshot of everything needed to
// service one message for a (phone_number_id, customer_phone) pair.
type Session struct {
	UserID               string
	AgentID              string
	PromptID             string
	ConversationID       string
	OpenAIConversationID string
	AccessToken          string
	MetaPhoneNumberID    string
	Platform             Platform
}

// CreditBalance is the cached view of a user's remaining credit balance.
// The persistent store remains authoritative.
type CreditBalance struct {
	UserID      string
	Remaining   int64
	LastUpdated time.Time
}

// MessageRecord is a persisted message, one half of a user/agent exchange
// within a conversation.
type MessageRecord struct {
	MessageID        string
	ConversationID   string
	Sender           Sender
	Text             string
	Status           MessageStatus
	SequenceNo       uint64
	PlatformMessageID string
	Timestamp        time.Time
}

// Meeting is the persisted outcome of a successful booking action (C7).
type Meeting struct {
	MeetingID      string
	UserID         string
	ConversationID string
	GoogleEventID  string
	MeetLink       string
	Status         string
	CreatedAt      time.Time
}

// CalendarToken holds a user's Google Calendar OAuth2 credentials. Token
// refresh overwrites AccessToken/TokenExpiry (and RefreshToken, when the
// provider rotates it) in place.
type CalendarToken struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	Scope        string
}

// MeetingData is the structured booking action parsed out of an LLM reply
// by the action detector (C6).
type MeetingData struct {
	Name          string
	Email         string
	Title         string
	Participants  []string
	MeetingTime   time.Time
	FriendlyTime  string
}
