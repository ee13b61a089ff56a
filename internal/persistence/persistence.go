// Package persistence implements async persistence (C8): fire-and-forget
// writes scheduled after the outbound reply has already been acknowledged.
// Grounded on the teacher's MessageConsumer background-goroutine pattern
// (internal/queue/consumer.go: atomic.Bool running flag, sync.WaitGroup
// drain), generalized into a bounded-channel executor per spec.md §9's
// design note ("explicit background executor ... drained by a dedicated
// persistence worker").
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/credit"
	"github.com/convoy-platform/message-core/internal/metrics"
	"github.com/convoy-platform/message-core/internal/models"
)

const taskQueueCapacity = 4096

// Repository is the persistence surface C8 writes against.
type Repository interface {
	StoreMessage(ctx context.Context, record models.MessageRecord) error
	TrackDelivery(ctx context.Context, messageID, platformMessageID string, status models.MessageStatus) error
	UpdateConversationActivity(ctx context.Context, conversationID string) error
}

type taskKind string

const (
	kindIncoming   taskKind = "store_incoming"
	kindOutgoing   taskKind = "store_outgoing"
	kindDelivery   taskKind = "track_delivery"
	kindActivity   taskKind = "update_activity"
	kindCredit     taskKind = "deduct_credits"
)

type task struct {
	kind   taskKind
	record models.MessageRecord
	// delivery
	deliveryMessageID         string
	deliveryPlatformMessageID string
	deliveryStatus            models.MessageStatus
	// activity
	conversationID string
	// credit
	userID string
	amount int64
}

// Executor drains fire-and-forget persistence tasks on a dedicated
// goroutine pool. Failures are logged but never surface to the customer.
type Executor struct {
	repo    Repository
	ledger  *credit.Ledger
	logger  *zap.Logger
	tasks   chan task
	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds and starts a persistence executor with the given number of
// drain workers.
func New(repo Repository, ledger *credit.Ledger, logger *zap.Logger, workers int) *Executor {
	if workers <= 0 {
		workers = 4
	}
	e := &Executor{
		repo:   repo,
		ledger: ledger,
		logger: logger,
		tasks:  make(chan task, taskQueueCapacity),
	}
	e.running.Store(true)
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.drain()
	}
	return e
}

func (e *Executor) drain() {
	defer e.wg.Done()
	for t := range e.tasks {
		e.execute(t)
	}
}

func (e *Executor) execute(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch t.kind {
	case kindIncoming, kindOutgoing:
		err = e.repo.StoreMessage(ctx, t.record)
	case kindDelivery:
		err = e.repo.TrackDelivery(ctx, t.deliveryMessageID, t.deliveryPlatformMessageID, t.deliveryStatus)
	case kindActivity:
		err = e.repo.UpdateConversationActivity(ctx, t.conversationID)
	case kindCredit:
		err = e.ledger.Deduct(ctx, t.userID, t.amount)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
		e.logger.Error("persistence: task failed", zap.String("kind", string(t.kind)), zap.Error(err))
	}
	metrics.PersistenceTasksTotal.WithLabelValues(string(t.kind), outcome).Inc()
}

func (e *Executor) schedule(t task) {
	if !e.running.Load() {
		return
	}
	select {
	case e.tasks <- t:
	default:
		e.logger.Warn("persistence: task queue full, dropping task", zap.String("kind", string(t.kind)))
	}
}

// StoreIncomingMessage schedules persistence of the user's inbound message.
func (e *Executor) StoreIncomingMessage(messageID, conversationID, text string, seq uint64) {
	e.schedule(task{kind: kindIncoming, record: models.MessageRecord{
		MessageID:      messageID,
		ConversationID: conversationID,
		Sender:         models.SenderUser,
		Text:           text,
		Status:         models.MessageStatusSent,
		SequenceNo:     seq,
		Timestamp:      time.Now(),
	}})
}

// StoreOutgoingMessage schedules persistence of the agent's reply.
func (e *Executor) StoreOutgoingMessage(messageID, conversationID, text string, seq uint64, platformMessageID string) {
	e.schedule(task{kind: kindOutgoing, record: models.MessageRecord{
		MessageID:         messageID,
		ConversationID:    conversationID,
		Sender:            models.SenderAgent,
		Text:              text,
		Status:            models.MessageStatusSent,
		SequenceNo:        seq,
		PlatformMessageID: platformMessageID,
		Timestamp:         time.Now(),
	}})
}

// TrackDelivery schedules a delivery-status write.
func (e *Executor) TrackDelivery(messageID, platformMessageID string, status models.MessageStatus) {
	e.schedule(task{kind: kindDelivery, deliveryMessageID: messageID, deliveryPlatformMessageID: platformMessageID, deliveryStatus: status})
}

// UpdateConversationActivity schedules a conversation last-activity bump.
func (e *Executor) UpdateConversationActivity(conversationID string) {
	e.schedule(task{kind: kindActivity, conversationID: conversationID})
}

// DeductCredits schedules the credit debit without blocking reply latency.
// It is handled like the other tasks: a failed debit is logged and counted,
// and is not retried.
func (e *Executor) DeductCredits(userID string, amount int64) {
	e.schedule(task{kind: kindCredit, userID: userID, amount: amount})
}

// Shutdown stops accepting new tasks and waits (up to timeout) for queued
// tasks to drain.
func (e *Executor) Shutdown(timeout time.Duration) {
	e.running.Store(false)
	close(e.tasks)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("persistence: shutdown timed out waiting for queued tasks")
	}
}
