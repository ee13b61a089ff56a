// Package session implements the session cache (C2): resolving and caching
// everything a worker needs to service one message for a
// (phone_number_id, customer_phone) pair, write-through to a repository.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/models"
	"github.com/convoy-platform/message-core/internal/storage"
)

// cacheTTL is the session cache lifetime (spec: 300s).
const cacheTTL = 300 * time.Second

// ErrNoAgent is returned when phone_number_id has no agent mapped to it.
var ErrNoAgent = errors.New("session: no agent mapped to phone_number_id")

// Repository is the narrow persistence surface session needs: resolving the
// phone_numbers -> agents -> users -> conversations join, lazily creating a
// conversation, and handing out the per-conversation sequence counter.
type Repository interface {
	ResolveAgent(ctx context.Context, phoneNumberID string) (*AgentBinding, error)
	ActiveConversation(ctx context.Context, agentID, customerPhone string) (conversationID string, openaiConversationID string, found bool, err error)
	CreateConversation(ctx context.Context, agentID, customerPhone string) (conversationID string, err error)
	SetOpenAIConversationID(ctx context.Context, conversationID, openaiConversationID string) error
	NextSequenceNumber(ctx context.Context, conversationID string) (uint64, error)
}

// AgentBinding is the result of resolving phone_number_id -> agent -> user.
type AgentBinding struct {
	AgentID           string
	UserID            string
	PromptID          string
	AccessToken       string
	MetaPhoneNumberID string
	Platform          models.Platform
}

// Cache resolves, caches, and write-throughs Session values.
type Cache struct {
	store  storage.Store
	repo   Repository
	logger *zap.Logger

	// mu serializes lazy-creation of a given (phone_number_id, customer_phone)
	// session so two concurrent first-messages don't race to create two
	// conversations. The distributed lock (C1) already serializes the rest
	// of the pipeline per-customer, but session resolution can race ahead of
	// lock acquisition in principle, so this guards the cache itself.
	mu sync.Mutex
}

// New builds a session cache over the given storage backend and repository.
func New(store storage.Store, repo Repository, logger *zap.Logger) *Cache {
	return &Cache{store: store, repo: repo, logger: logger}
}

func cacheKey(phoneNumberID, customerPhone string) string {
	return fmt.Sprintf("session:%s:%s", phoneNumberID, customerPhone)
}

// GetOrCreate resolves the session for a (phone_number_id, customer_phone)
// pair, serving from cache when present. Returns (nil, nil) when no agent
// is mapped to phoneNumberID (a business-rule halt, not an error).
func (c *Cache) GetOrCreate(ctx context.Context, phoneNumberID, customerPhone string) (*models.Session, error) {
	key := cacheKey(phoneNumberID, customerPhone)

	if raw, err := c.store.Get(ctx, key); err == nil {
		var sess models.Session
		if jsonErr := json.Unmarshal(raw, &sess); jsonErr == nil {
			return &sess, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("session: cache read failed", zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the lock: another goroutine may have just populated it.
	if raw, err := c.store.Get(ctx, key); err == nil {
		var sess models.Session
		if jsonErr := json.Unmarshal(raw, &sess); jsonErr == nil {
			return &sess, nil
		}
	}

	binding, err := c.repo.ResolveAgent(ctx, phoneNumberID)
	if err != nil {
		if errors.Is(err, ErrNoAgent) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "session: resolve agent")
	}

	conversationID, openaiConversationID, found, err := c.repo.ActiveConversation(ctx, binding.AgentID, customerPhone)
	if err != nil {
		return nil, errors.Wrap(err, "session: active conversation lookup")
	}
	if !found {
		conversationID, err = c.repo.CreateConversation(ctx, binding.AgentID, customerPhone)
		if err != nil {
			return nil, errors.Wrap(err, "session: create conversation")
		}
	}

	sess := models.Session{
		UserID:               binding.UserID,
		AgentID:              binding.AgentID,
		PromptID:             binding.PromptID,
		ConversationID:       conversationID,
		OpenAIConversationID: openaiConversationID,
		AccessToken:          binding.AccessToken,
		MetaPhoneNumberID:    binding.MetaPhoneNumberID,
		Platform:             binding.Platform,
	}

	if err := c.put(ctx, key, sess); err != nil {
		c.logger.Warn("session: cache write failed", zap.Error(err))
	}
	return &sess, nil
}

// UpdateOpenAIConversationID persists and caches the LLM-side conversation
// id the first time a worker materializes it. Per spec this field is
// mutated exactly once for the lifetime of the conversation.
func (c *Cache) UpdateOpenAIConversationID(ctx context.Context, phoneNumberID, customerPhone, conversationID, openaiConversationID string) error {
	if err := c.repo.SetOpenAIConversationID(ctx, conversationID, openaiConversationID); err != nil {
		return errors.Wrap(err, "session: persist openai conversation id")
	}

	key := cacheKey(phoneNumberID, customerPhone)
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		return nil // nothing cached yet; next GetOrCreate will read it fresh
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil
	}
	sess.OpenAIConversationID = openaiConversationID
	return c.put(ctx, key, sess)
}

func (c *Cache) put(ctx context.Context, key string, sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, data, cacheTTL)
}

// NextSequencePair allocates the incoming and outgoing sequence numbers for
// a conversation sequentially, never in parallel, so no gap or interleave
// can occur between the two calls.
func (c *Cache) NextSequencePair(ctx context.Context, conversationID string) (incoming, outgoing uint64, err error) {
	incoming, err = c.repo.NextSequenceNumber(ctx, conversationID)
	if err != nil {
		return 0, 0, errors.Wrap(err, "session: allocate incoming sequence")
	}
	outgoing, err = c.repo.NextSequenceNumber(ctx, conversationID)
	if err != nil {
		return 0, 0, errors.Wrap(err, "session: allocate outgoing sequence")
	}
	return incoming, outgoing, nil
}
