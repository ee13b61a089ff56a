// Package storage defines the single narrow abstraction (C1) that every
// other component in the core depends on for queueing, caching, locking,
// and deduplication. Two backends satisfy the interface: redisstore (an
// external KV) and memstore (in-process), with identical semantics.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/convoy-platform/message-core/internal/models"
)

// ErrNotFound is returned by cache/lock reads that miss.
var ErrNotFound = errors.New("storage: not found")

// QueueStats summarizes the state of a single phone-number queue.
type QueueStats struct {
	Depth      int
	InFlight   int
	Failed     int
}

// Store is the narrow persistence/coordination interface every component
// (C2-C9) is built against. No caller ever reaches past it into a specific
// backend's client.
type Store interface {
	// Queue operations.
	Enqueue(ctx context.Context, msg models.QueuedMessage) error
	Dequeue(ctx context.Context, phoneNumberID string, leaseTTL time.Duration) (*models.QueuedMessage, *models.ProcessingLease, error)
	Complete(ctx context.Context, lease models.ProcessingLease) error
	Fail(ctx context.Context, lease models.ProcessingLease, lastErr string, retryable bool) error
	Stats(ctx context.Context, phoneNumberID string) (QueueStats, error)

	// Cache operations (generic, string-keyed, byte-valued).
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	// Set operations.
	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int, error)

	// Distributed lock operations.
	Acquire(ctx context.Context, resource string, ttl time.Duration, maxRetries int) (*models.DistributedLock, error)
	Release(ctx context.Context, lock models.DistributedLock) error
	Extend(ctx context.Context, lock models.DistributedLock, ttl time.Duration) error

	// Dedup operations.
	IsDuplicate(ctx context.Context, phoneNumberID, content string) (bool, error)
	MarkProcessed(ctx context.Context, phoneNumberID, content string, ttl time.Duration) error

	// Close releases backend resources (connections, background goroutines).
	Close() error
}

// lockAcquireSleep is the fixed backoff between lock-acquisition attempts,
// per spec: 200ms between retries.
const lockAcquireSleep = 200 * time.Millisecond

// LockAcquireSleep exposes the retry interval for callers that want to
// reason about worst-case acquisition latency (e.g. the worker's own retry
// budget before giving up).
func LockAcquireSleep() time.Duration { return lockAcquireSleep }

// DedupKey computes the stable key used to detect a duplicate inbound
// message: a hash of (phone_number_id, message_content).
func DedupKey(phoneNumberID, content string) string {
	return "dedup:" + phoneNumberID + ":" + contentHash(content)
}
