// Package repository implements the Postgres-backed persistence surfaces
// consumed by session, credit, booking, and persistence: the narrow
// interfaces those packages declare are satisfied here by SQL held in
// package-level constants and run directly over database/sql + lib/pq.
// Grounded on the teacher's MessageRepository
// (internal/repository/message_repository.go): SQL as constants, promauto
// operation/duration metrics, pkg/errors wrapping throughout.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/models"
	"github.com/convoy-platform/message-core/internal/session"
)

var (
	repoOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_repository_operations_total",
			Help: "Total number of Postgres repository operations.",
		},
		[]string{"operation", "status"},
	)
	repoOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_repository_operation_duration_seconds",
			Help:    "Duration of Postgres repository operations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

const defaultQueryTimeout = 10 * time.Second

// Config mirrors the subset of config.DatabaseConfig the repository needs
// to size the connection pool; kept decoupled from the config package to
// avoid an import cycle (cmd/core wires the two together).
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open configures db's connection pool. The caller owns db's lifecycle
// (created via sql.Open against a "postgres" DSN, driver registered by the
// blank lib/pq import above).
func Open(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func timer(op string) func() {
	start := time.Now()
	return func() { repoOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }
}

func recordOutcome(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	repoOps.WithLabelValues(op, status).Inc()
}

// Repository is the single Postgres-backed type that implements every
// narrow interface declared by session, credit, booking, and persistence
// (session.Repository, credit.Repository, booking.Repository,
// persistence.Repository). One type, one connection pool, one set of
// SQL constants -- mirroring the teacher's single MessageRepository
// rather than one struct per interface.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

// New builds a Repository over db, which must already be open and pingable.
func New(db *sql.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// --- session.Repository -----------------------------------------------

const resolveAgentSQL = `
	SELECT a.agent_id, a.user_id, a.prompt_id, a.access_token, pn.meta_phone_number_id, pn.platform
	FROM phone_numbers pn
	JOIN agents a ON a.agent_id = pn.agent_id
	WHERE pn.phone_number_id = $1`

// ResolveAgent joins phone_numbers -> agents to find the tenant owning
// phoneNumberID. Returns session.ErrNoAgent if no row matches.
func (r *Repository) ResolveAgent(ctx context.Context, phoneNumberID string) (*session.AgentBinding, error) {
	defer timer("resolve_agent")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var b session.AgentBinding
	err := r.db.QueryRowContext(ctx, resolveAgentSQL, phoneNumberID).Scan(
		&b.AgentID, &b.UserID, &b.PromptID, &b.AccessToken, &b.MetaPhoneNumberID, &b.Platform,
	)
	if errors.Is(err, sql.ErrNoRows) {
		recordOutcome("resolve_agent", session.ErrNoAgent)
		return nil, session.ErrNoAgent
	}
	recordOutcome("resolve_agent", err)
	if err != nil {
		return nil, errors.Wrap(err, "repository: resolve agent")
	}
	return &b, nil
}

const activeConversationSQL = `
	SELECT conversation_id, COALESCE(openai_conversation_id, '')
	FROM conversations
	WHERE agent_id = $1 AND customer_phone = $2 AND is_active = true`

// ActiveConversation looks up the active conversation for (agentID,
// customerPhone), if any.
func (r *Repository) ActiveConversation(ctx context.Context, agentID, customerPhone string) (string, string, bool, error) {
	defer timer("active_conversation")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var conversationID, openaiConversationID string
	err := r.db.QueryRowContext(ctx, activeConversationSQL, agentID, customerPhone).Scan(&conversationID, &openaiConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		recordOutcome("active_conversation", nil)
		return "", "", false, nil
	}
	recordOutcome("active_conversation", err)
	if err != nil {
		return "", "", false, errors.Wrap(err, "repository: active conversation lookup")
	}
	return conversationID, openaiConversationID, true, nil
}

const createConversationSQL = `
	INSERT INTO conversations (conversation_id, agent_id, customer_phone, created_at, last_message_at, is_active)
	VALUES ($1, $2, $3, now(), now(), true)
	RETURNING conversation_id`

// CreateConversation inserts a fresh active conversation row.
func (r *Repository) CreateConversation(ctx context.Context, agentID, customerPhone string) (string, error) {
	defer timer("create_conversation")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	conversationID := uuid.NewString()
	_, err := r.db.ExecContext(ctx, createConversationSQL, conversationID, agentID, customerPhone)
	recordOutcome("create_conversation", err)
	if err != nil {
		return "", errors.Wrap(err, "repository: create conversation")
	}
	return conversationID, nil
}

const setOpenAIConversationIDSQL = `
	UPDATE conversations SET openai_conversation_id = $2 WHERE conversation_id = $1 AND openai_conversation_id IS NULL`

// SetOpenAIConversationID persists the LLM-side conversation id the first
// time it's materialized; the NULL guard enforces the write-once invariant
// at the database layer too.
func (r *Repository) SetOpenAIConversationID(ctx context.Context, conversationID, openaiConversationID string) error {
	defer timer("set_openai_conversation_id")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, setOpenAIConversationIDSQL, conversationID, openaiConversationID)
	recordOutcome("set_openai_conversation_id", err)
	if err != nil {
		return errors.Wrap(err, "repository: set openai conversation id")
	}
	return nil
}

const nextSequenceNumberSQL = `
	UPDATE conversations SET sequence_counter = sequence_counter + 1 WHERE conversation_id = $1
	RETURNING sequence_counter`

// NextSequenceNumber atomically increments and returns conversationID's
// sequence counter, the source of each MessageRecord.sequence_no.
func (r *Repository) NextSequenceNumber(ctx context.Context, conversationID string) (uint64, error) {
	defer timer("next_sequence_number")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var seq uint64
	err := r.db.QueryRowContext(ctx, nextSequenceNumberSQL, conversationID).Scan(&seq)
	recordOutcome("next_sequence_number", err)
	if err != nil {
		return 0, errors.Wrap(err, "repository: allocate sequence number")
	}
	return seq, nil
}

// --- credit.Repository --------------------------------------------------

const creditBalanceSQL = `SELECT remaining_credits FROM credits WHERE user_id = $1`

// Balance reads the authoritative remaining credit balance for userID.
func (r *Repository) Balance(ctx context.Context, userID string) (int64, bool, error) {
	defer timer("credit_balance")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var remaining int64
	err := r.db.QueryRowContext(ctx, creditBalanceSQL, userID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		recordOutcome("credit_balance", nil)
		return 0, false, nil
	}
	recordOutcome("credit_balance", err)
	if err != nil {
		return 0, false, errors.Wrap(err, "repository: read credit balance")
	}
	return remaining, true, nil
}

const conditionalDeductSQL = `
	UPDATE credits SET remaining_credits = remaining_credits - $2, last_updated = now()
	WHERE user_id = $1 AND remaining_credits >= $2
	RETURNING remaining_credits`

// ConditionalDeduct atomically decrements userID's balance by amount, only
// if sufficient funds remain.
func (r *Repository) ConditionalDeduct(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	defer timer("conditional_deduct")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var newRemaining int64
	err := r.db.QueryRowContext(ctx, conditionalDeductSQL, userID, amount).Scan(&newRemaining)
	if errors.Is(err, sql.ErrNoRows) {
		recordOutcome("conditional_deduct", nil)
		return 0, false, nil
	}
	recordOutcome("conditional_deduct", err)
	if err != nil {
		return 0, false, errors.Wrap(err, "repository: conditional deduct")
	}
	return newRemaining, true, nil
}

// --- booking.Repository ---------------------------------------------------

const resolveUserIDSQL = `
	SELECT a.user_id
	FROM conversations c
	JOIN agents a ON a.agent_id = c.agent_id
	WHERE c.conversation_id = $1`

// ResolveUserID walks conversation -> agent -> user to find the tenant
// behind a conversation, for booking attribution.
func (r *Repository) ResolveUserID(ctx context.Context, conversationID string) (string, error) {
	defer timer("resolve_user_id")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var userID string
	err := r.db.QueryRowContext(ctx, resolveUserIDSQL, conversationID).Scan(&userID)
	recordOutcome("resolve_user_id", err)
	if err != nil {
		return "", errors.Wrap(err, "repository: resolve user id")
	}
	return userID, nil
}

const calendarTokenSQL = `
	SELECT user_id, access_token, refresh_token, token_expiry, scope
	FROM google_calendar_tokens WHERE user_id = $1`

// CalendarToken reads a user's stored Google Calendar OAuth2 credentials.
func (r *Repository) CalendarToken(ctx context.Context, userID string) (*models.CalendarToken, bool, error) {
	defer timer("calendar_token")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var t models.CalendarToken
	err := r.db.QueryRowContext(ctx, calendarTokenSQL, userID).Scan(
		&t.UserID, &t.AccessToken, &t.RefreshToken, &t.TokenExpiry, &t.Scope,
	)
	if errors.Is(err, sql.ErrNoRows) {
		recordOutcome("calendar_token", nil)
		return nil, false, nil
	}
	recordOutcome("calendar_token", err)
	if err != nil {
		return nil, false, errors.Wrap(err, "repository: read calendar token")
	}
	return &t, true, nil
}

const saveCalendarTokenSQL = `
	INSERT INTO google_calendar_tokens (user_id, access_token, refresh_token, token_expiry, scope)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id) DO UPDATE SET
		access_token = EXCLUDED.access_token,
		refresh_token = EXCLUDED.refresh_token,
		token_expiry = EXCLUDED.token_expiry,
		scope = EXCLUDED.scope`

// SaveCalendarToken upserts a user's calendar credentials, called when the
// OAuth2 token source hands back a refreshed access (and maybe refresh)
// token.
func (r *Repository) SaveCalendarToken(ctx context.Context, token models.CalendarToken) error {
	defer timer("save_calendar_token")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, saveCalendarTokenSQL, token.UserID, token.AccessToken, token.RefreshToken, token.TokenExpiry, token.Scope)
	recordOutcome("save_calendar_token", err)
	if err != nil {
		return errors.Wrap(err, "repository: save calendar token")
	}
	return nil
}

const saveMeetingSQL = `
	INSERT INTO meetings (meeting_id, user_id, conversation_id, google_event_id, meet_link, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// SaveMeeting persists a successfully booked meeting record.
func (r *Repository) SaveMeeting(ctx context.Context, meeting models.Meeting) error {
	defer timer("save_meeting")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, saveMeetingSQL,
		meeting.MeetingID, meeting.UserID, meeting.ConversationID, meeting.GoogleEventID, meeting.MeetLink, meeting.Status, meeting.CreatedAt,
	)
	recordOutcome("save_meeting", err)
	if err != nil {
		return errors.Wrap(err, "repository: save meeting")
	}
	return nil
}

// --- persistence.Repository -----------------------------------------------

const storeMessageSQL = `
	INSERT INTO messages (message_id, conversation_id, sender, text, status, sequence_no, platform_message_id, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	ON CONFLICT (conversation_id, sequence_no) DO NOTHING`

// StoreMessage persists one half of a user/agent exchange. The unique
// constraint on (conversation_id, sequence_no) makes this safe to retry.
func (r *Repository) StoreMessage(ctx context.Context, record models.MessageRecord) error {
	defer timer("store_message")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, storeMessageSQL,
		record.MessageID, record.ConversationID, record.Sender, record.Text, record.Status,
		record.SequenceNo, record.PlatformMessageID, record.Timestamp,
	)
	recordOutcome("store_message", err)
	if err != nil {
		return errors.Wrap(err, "repository: store message")
	}
	return nil
}

const trackDeliverySQL = `
	INSERT INTO message_delivery_status (message_id, platform_message_id, status)
	VALUES ($1, $2, $3)
	ON CONFLICT (message_id) DO UPDATE SET platform_message_id = EXCLUDED.platform_message_id, status = EXCLUDED.status`

// TrackDelivery upserts the delivery status for a sent message.
func (r *Repository) TrackDelivery(ctx context.Context, messageID, platformMessageID string, status models.MessageStatus) error {
	defer timer("track_delivery")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, trackDeliverySQL, messageID, platformMessageID, status)
	recordOutcome("track_delivery", err)
	if err != nil {
		return errors.Wrap(err, "repository: track delivery")
	}
	return nil
}

const updateConversationActivitySQL = `UPDATE conversations SET last_message_at = now() WHERE conversation_id = $1`

// UpdateConversationActivity bumps a conversation's last-activity timestamp.
func (r *Repository) UpdateConversationActivity(ctx context.Context, conversationID string) error {
	defer timer("update_conversation_activity")()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, updateConversationActivitySQL, conversationID)
	recordOutcome("update_conversation_activity", err)
	if err != nil {
		return errors.Wrap(err, "repository: update conversation activity")
	}
	return nil
}
