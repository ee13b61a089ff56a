// Package worker implements the worker (C9): the single-message lifecycle
// that orchestrates session resolution, credit check, the LLM call, action
// detection and booking, outbound send, and async persistence, all under a
// per-customer lock. Grounded on the teacher's MessageConsumer.processQueue
// loop (internal/queue/consumer.go) and MessageService.ProcessMessage
// (internal/services/message_service.go): circuit breaker around the
// external call, Prometheus timers, structured status updates.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/action"
	"github.com/convoy-platform/message-core/internal/booking"
	"github.com/convoy-platform/message-core/internal/credit"
	"github.com/convoy-platform/message-core/internal/llmclient"
	"github.com/convoy-platform/message-core/internal/metrics"
	"github.com/convoy-platform/message-core/internal/models"
	"github.com/convoy-platform/message-core/internal/persistence"
	"github.com/convoy-platform/message-core/internal/platform"
	"github.com/convoy-platform/message-core/internal/session"
	"github.com/convoy-platform/message-core/internal/storage"
	"github.com/convoy-platform/message-core/internal/validate"
)

// Outcome is the terminal disposition of one ProcessOne call, replacing
// exceptions-for-control-flow (spec §9: ProcessResult sum type) with a
// plain value the manager can use for health accounting.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeLockFailed         Outcome = "lock_failed"
	OutcomeInsufficientCredit Outcome = "insufficient_credits"
	OutcomeLLMFailed          Outcome = "llm_failed"
	OutcomeSendFailed         Outcome = "send_failed"
	OutcomeMissingAgent       Outcome = "missing_agent"
	OutcomeInvalidMessage     Outcome = "invalid_message"
	OutcomeInternal           Outcome = "internal"
)

// Config carries per-worker tunables (spec §6's worker section).
type Config struct {
	LockTTL        time.Duration
	LockMaxRetries int
	RateLimitRetry RateLimitRetryConfig
}

// RateLimitRetryConfig configures the outer rate-limit recovery protocol
// (spec §4.4), distinct from the LLM client's own inner backoff.
type RateLimitRetryConfig struct {
	Enabled        bool
	RetryDelays    []time.Duration
	InitialMessage string
	FinalMessage   string
}

// Worker processes one QueuedMessage end-to-end under a per-customer lock.
type Worker struct {
	id          string
	cfg         Config
	store       storage.Store
	sessions    *session.Cache
	ledger      *credit.Ledger
	llm         *llmclient.Client
	dispatcher  *platform.Dispatcher
	booker      *booking.Booker
	persistence *persistence.Executor
	logger      *zap.Logger
}

// New constructs a worker with a fresh id.
func New(cfg Config, store storage.Store, sessions *session.Cache, ledger *credit.Ledger, llm *llmclient.Client, dispatcher *platform.Dispatcher, booker *booking.Booker, persist *persistence.Executor, logger *zap.Logger) *Worker {
	return &Worker{
		id:          uuid.NewString(),
		cfg:         cfg,
		store:       store,
		sessions:    sessions,
		ledger:      ledger,
		llm:         llm,
		dispatcher:  dispatcher,
		booker:      booker,
		persistence: persist,
		logger:      logger,
	}
}

// ID returns the worker's identity, used by the manager's health tracking.
func (w *Worker) ID() string { return w.id }

// ProcessOne runs the full 15-step lifecycle against a dequeued message and
// its lease. Failure at any step releases the lock and disposes of the
// lease with an appropriate retryable flag; the lock is always released in
// a guaranteed-execution block regardless of exit path (step 15).
func (w *Worker) ProcessOne(ctx context.Context, msg models.QueuedMessage, lease models.ProcessingLease) Outcome {
	logger := w.logger.With(zap.String("message_id", msg.MessageID), zap.String("lease_id", lease.LeaseID), zap.String("worker_id", w.id))

	// Step 1: validate required fields.
	if err := validate.QueuedMessage(msg); err != nil {
		w.fail(ctx, lease, err.Error(), false)
		return w.record(OutcomeInvalidMessage)
	}

	// Step 2: acquire the per-customer lock.
	resource := fmt.Sprintf("customer:%s:%s", msg.PhoneNumberID, msg.CustomerPhone)
	lockTimer := time.Now()
	lock, err := w.store.Acquire(ctx, resource, w.cfg.LockTTL, w.cfg.LockMaxRetries)
	metrics.LockWaitSeconds.Observe(time.Since(lockTimer).Seconds())
	if err != nil || lock == nil {
		if err != nil {
			logger.Warn("worker: lock acquire errored", zap.Error(err))
		}
		w.fail(ctx, lease, "lock", true)
		return w.record(OutcomeLockFailed)
	}
	defer func() {
		// Step 15: the lock is always released, regardless of exit path.
		if relErr := w.store.Release(context.Background(), *lock); relErr != nil {
			logger.Warn("worker: lock release failed", zap.Error(relErr))
		}
	}()

	return w.processUnderLock(ctx, logger, msg, lease)
}

func (w *Worker) processUnderLock(ctx context.Context, logger *zap.Logger, msg models.QueuedMessage, lease models.ProcessingLease) Outcome {
	// Step 3: resolve session.
	sess, err := w.sessions.GetOrCreate(ctx, msg.PhoneNumberID, msg.CustomerPhone)
	if err != nil {
		w.fail(ctx, lease, "session resolve", true)
		return w.record(OutcomeInternal)
	}
	if sess == nil {
		logger.Warn("worker: no agent mapped to phone_number_id, dropping message")
		w.complete(ctx, lease)
		return w.record(OutcomeMissingAgent)
	}

	// Step 4: fire-and-forget typing indicator.
	w.dispatcher.SendTypingIndicator(ctx, sess.Platform, msg.PhoneNumberID, msg.CustomerPhone, sess.AccessToken, sess.MetaPhoneNumberID)

	// Step 5: credit check.
	hasEnough, err := w.ledger.HasEnough(ctx, sess.UserID, 1)
	if err != nil {
		w.fail(ctx, lease, "credit check", true)
		return w.record(OutcomeInternal)
	}
	if !hasEnough {
		logger.Warn("worker: insufficient credits, dropping message", zap.String("user_id", sess.UserID))
		w.complete(ctx, lease)
		return w.record(OutcomeInsufficientCredit)
	}

	// Step 6: allocate incoming/outgoing sequence numbers sequentially.
	incomingSeq, outgoingSeq, err := w.sessions.NextSequencePair(ctx, sess.ConversationID)
	if err != nil {
		w.fail(ctx, lease, "sequence allocation", true)
		return w.record(OutcomeInternal)
	}

	// Step 7: schedule incoming message persistence.
	w.persistence.StoreIncomingMessage(msg.MessageID, sess.ConversationID, msg.MessageText, incomingSeq)

	// Step 8: ensure LLM-side conversation id exists.
	openaiConversationID := sess.OpenAIConversationID
	if openaiConversationID == "" {
		openaiConversationID, err = w.llm.CreateConversation(ctx)
		if err != nil {
			w.fail(ctx, lease, "llm conversation create", true)
			return w.record(OutcomeInternal)
		}
		if err := w.sessions.UpdateOpenAIConversationID(ctx, msg.PhoneNumberID, msg.CustomerPhone, sess.ConversationID, openaiConversationID); err != nil {
			logger.Warn("worker: persist openai conversation id failed", zap.Error(err))
		}
	}

	// Step 9: invoke the LLM, applying the outer rate-limit retry protocol.
	reply, ok := w.callLLMWithOuterRetry(ctx, logger, sess, msg, openaiConversationID, outgoingSeq)
	if !ok {
		// Any LLM failure that survives callLLMWithOuterRetry (a non-rate-limit
		// error, or rate-limit recovery exhausted) ends the job here with no
		// further retry and no credit debit; the lease is completed.
		w.complete(ctx, lease)
		return w.record(OutcomeLLMFailed)
	}

	// Step 10: action detection and optional booking.
	finalText := w.applyAction(ctx, sess, reply)

	// Step 11: send the final reply.
	sendResult := w.dispatcher.Send(ctx, sess.Platform, msg.PhoneNumberID, msg.CustomerPhone, finalText, sess.AccessToken, sess.MetaPhoneNumberID)
	if !sendResult.Success {
		w.fail(ctx, lease, string(sendResult.ErrorCode), sendResult.Retryable)
		return w.record(OutcomeSendFailed)
	}

	// Step 12: webchat live-session push is handled inside WebchatSender.Send.

	// Step 13: schedule remaining async persistence.
	w.persistence.StoreOutgoingMessage(uuid.NewString(), sess.ConversationID, finalText, outgoingSeq, sendResult.MessageID)
	w.persistence.TrackDelivery(msg.MessageID, sendResult.MessageID, models.MessageStatusSent)
	w.persistence.UpdateConversationActivity(sess.ConversationID)
	w.persistence.DeductCredits(sess.UserID, 1)

	// Step 14: complete the lease.
	w.complete(ctx, lease)
	return w.record(OutcomeSuccess)
}

// callLLMWithOuterRetry applies the worker-level rate-limit recovery
// protocol (spec §4.4): on RATE_LIMIT it sends a busy message, waits
// through a configured delay sequence, and re-invokes the client between
// each. If the last attempt still fails, a final message is sent and the
// caller is told to stop (ok=false) without a retry or credit debit.
func (w *Worker) callLLMWithOuterRetry(ctx context.Context, logger *zap.Logger, sess *models.Session, msg models.QueuedMessage, openaiConversationID string, outgoingSeq uint64) (string, bool) {
	result := w.llm.Call(ctx, msg.MessageText, openaiConversationID, sess.PromptID, sess.UserID)
	if result.Success {
		return result.Response, true
	}
	if result.ErrorCode != llmclient.ErrRateLimit || !w.cfg.RateLimitRetry.Enabled {
		return "", false
	}

	w.dispatcher.Send(ctx, sess.Platform, msg.PhoneNumberID, msg.CustomerPhone, w.cfg.RateLimitRetry.InitialMessage, sess.AccessToken, sess.MetaPhoneNumberID)

	for _, delay := range w.cfg.RateLimitRetry.RetryDelays {
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(delay):
		}
		result = w.llm.Call(ctx, msg.MessageText, openaiConversationID, sess.PromptID, sess.UserID)
		if result.Success {
			return result.Response, true
		}
		if result.ErrorCode != llmclient.ErrRateLimit {
			break
		}
	}

	w.dispatcher.Send(ctx, sess.Platform, msg.PhoneNumberID, msg.CustomerPhone, w.cfg.RateLimitRetry.FinalMessage, sess.AccessToken, sess.MetaPhoneNumberID)
	logger.Warn("worker: llm rate-limit recovery exhausted", zap.String("error_code", string(result.ErrorCode)))
	return "", false
}

// applyAction runs the action detector on the LLM reply and, if a booking
// action is found, invokes the booker and adjusts the user-facing text.
func (w *Worker) applyAction(ctx context.Context, sess *models.Session, reply string) string {
	detected := action.Detect(reply)
	if detected.MeetingData == nil {
		return detected.CleanedResponse
	}

	result := w.booker.BookFromModel(ctx, sess.ConversationID, *detected.MeetingData)
	if result.Success {
		return detected.CleanedResponse + "\n\n" + booking.ConfirmationLine(result.MeetLink)
	}
	return detected.CleanedResponse + "\n\n" + result.SoftError
}

func (w *Worker) complete(ctx context.Context, lease models.ProcessingLease) {
	if err := w.store.Complete(ctx, lease); err != nil {
		w.logger.Warn("worker: lease complete failed", zap.Error(err), zap.String("lease_id", lease.LeaseID))
	}
	metrics.QueueOps.WithLabelValues("complete", "success").Inc()
}

func (w *Worker) fail(ctx context.Context, lease models.ProcessingLease, reason string, retryable bool) {
	if err := w.store.Fail(ctx, lease, reason, retryable); err != nil {
		w.logger.Warn("worker: lease fail failed", zap.Error(err), zap.String("lease_id", lease.LeaseID))
	}
	metrics.QueueOps.WithLabelValues("fail", reason).Inc()
}

func (w *Worker) record(outcome Outcome) Outcome {
	metrics.WorkerMessagesProcessed.WithLabelValues(string(outcome)).Inc()
	return outcome
}
