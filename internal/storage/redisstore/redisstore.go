// Package redisstore backs storage.Store onto Redis: lists for
// per-phone-number queues, SETNX/compare-and-delete Lua for locks, sorted sets for lease
// expiry bookkeeping, and plain keys with EXPIRE for the cache.
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/models"
	"github.com/convoy-platform/message-core/internal/storage"
)

const (
	queueKeyPrefix   = "queue:"
	leaseKeyPrefix   = "lease:"
	leaseIndexKey    = "lease-index" // ZSET: member=leaseID, score=expiresAt unix
	failedKeyPrefix  = "failed:"
	lockKeyPrefix    = "lock:"

	sweepInterval = 60 * time.Second
)

// releaseScript deletes a lock key only if its stored value still matches
// the caller's lock ID, so a stale holder can never release a newer lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// extendScript bumps a lock's TTL only if its stored value still matches
// the caller's lock ID.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

type leaseRecord struct {
	Lease models.ProcessingLease `json:"lease"`
	Msg   models.QueuedMessage   `json:"msg"`
}

// Store is a Redis-backed storage.Store.
type Store struct {
	client *redis.Client
	logger *zap.Logger

	releaseSHA string
	extendSHA  string

	stop chan struct{}
	done chan struct{}
}

// Config carries the connection parameters for a Redis-backed store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis, registers the lock Lua scripts, and starts the janitor
// goroutine that sweeps expired leases back onto their queues.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "redisstore: ping")
	}

	releaseSHA, err := client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: load release script")
	}
	extendSHA, err := client.ScriptLoad(ctx, extendScript).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: load extend script")
	}

	s := &Store{
		client:     client,
		logger:     logger,
		releaseSHA: releaseSHA,
		extendSHA:  extendSHA,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.janitor()
	return s, nil
}

func (s *Store) Close() error {
	close(s.stop)
	<-s.done
	return s.client.Close()
}

func (s *Store) janitor() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.sweepExpiredLeases(context.Background()); err != nil {
				s.logger.Warn("redisstore: lease sweep failed", zap.Error(err))
			}
		}
	}
}

// sweepExpiredLeases re-enqueues messages whose processing lease has
// expired without a Complete/Fail call (worker crash recovery).
func (s *Store) sweepExpiredLeases(ctx context.Context) error {
	nowUnix := time.Now().Unix()
	ids, err := s.client.ZRangeByScore(ctx, leaseIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowUnix, 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw, err := s.client.Get(ctx, leaseKeyPrefix+id).Result()
		if errors.Is(err, redis.Nil) {
			s.client.ZRem(ctx, leaseIndexKey, id)
			continue
		}
		if err != nil {
			continue
		}
		var rec leaseRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		s.client.Del(ctx, leaseKeyPrefix+id)
		s.client.ZRem(ctx, leaseIndexKey, id)
		if err := s.requeue(ctx, rec.Msg, true); err != nil {
			s.logger.Warn("redisstore: failed to requeue expired lease", zap.Error(err), zap.String("lease_id", id))
		}
	}
	return nil
}

// --- Queue operations ---

func (s *Store) Enqueue(ctx context.Context, msg models.QueuedMessage) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "redisstore: marshal message")
	}
	return s.client.RPush(ctx, queueKeyPrefix+msg.PhoneNumberID, data).Err()
}

func (s *Store) Dequeue(ctx context.Context, phoneNumberID string, leaseTTL time.Duration) (*models.QueuedMessage, *models.ProcessingLease, error) {
	raw, err := s.client.LPop(ctx, queueKeyPrefix+phoneNumberID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "redisstore: lpop")
	}

	var msg models.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, nil, errors.Wrap(err, "redisstore: unmarshal message")
	}

	lease := models.ProcessingLease{
		LeaseID:       uuid.NewString(),
		MessageID:     msg.MessageID,
		PhoneNumberID: msg.PhoneNumberID,
		ExpiresAt:     time.Now().Add(leaseTTL),
	}
	rec := leaseRecord{Lease: lease, Msg: msg}
	recData, err := json.Marshal(rec)
	if err != nil {
		return nil, nil, errors.Wrap(err, "redisstore: marshal lease")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, leaseKeyPrefix+lease.LeaseID, recData, leaseTTL+sweepInterval)
	pipe.ZAdd(ctx, leaseIndexKey, redis.Z{Score: float64(lease.ExpiresAt.Unix()), Member: lease.LeaseID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "redisstore: persist lease")
	}

	return &msg, &lease, nil
}

func (s *Store) Complete(ctx context.Context, lease models.ProcessingLease) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, leaseKeyPrefix+lease.LeaseID)
	pipe.ZRem(ctx, leaseIndexKey, lease.LeaseID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Fail(ctx context.Context, lease models.ProcessingLease, lastErr string, retryable bool) error {
	raw, err := s.client.Get(ctx, leaseKeyPrefix+lease.LeaseID).Result()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, leaseKeyPrefix+lease.LeaseID)
	pipe.ZRem(ctx, leaseIndexKey, lease.LeaseID)
	if _, perr := pipe.Exec(ctx); perr != nil {
		return perr
	}
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "redisstore: load lease for fail")
	}

	var rec leaseRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return errors.Wrap(err, "redisstore: unmarshal lease for fail")
	}
	rec.Msg.LastError = lastErr
	return s.requeue(ctx, rec.Msg, retryable)
}

const maxRetries = 3

// requeue increments retry_count and either re-enqueues the message or
// parks it in the bounded per-phone-number failed list.
func (s *Store) requeue(ctx context.Context, msg models.QueuedMessage, retryable bool) error {
	msg.RetryCount++
	if !retryable || msg.RetryCount >= maxRetries {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		key := failedKeyPrefix + msg.PhoneNumberID
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -10000, -1)
		_, err = pipe.Exec(ctx)
		return err
	}
	return s.Enqueue(ctx, msg)
}

func (s *Store) Stats(ctx context.Context, phoneNumberID string) (storage.QueueStats, error) {
	pipe := s.client.Pipeline()
	depthCmd := pipe.LLen(ctx, queueKeyPrefix+phoneNumberID)
	failedCmd := pipe.LLen(ctx, failedKeyPrefix+phoneNumberID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return storage.QueueStats{}, err
	}

	ids, err := s.client.ZRange(ctx, leaseIndexKey, 0, -1).Result()
	if err != nil {
		return storage.QueueStats{}, err
	}
	inFlight := 0
	for _, id := range ids {
		raw, err := s.client.Get(ctx, leaseKeyPrefix+id).Result()
		if err != nil {
			continue
		}
		var rec leaseRecord
		if json.Unmarshal([]byte(raw), &rec) == nil && rec.Lease.PhoneNumberID == phoneNumberID {
			inFlight++
		}
	}

	return storage.QueueStats{
		Depth:    int(depthCmd.Val()),
		InFlight: inFlight,
		Failed:   int(failedCmd.Val()),
	}, nil
}

// --- Cache operations ---

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	return b, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// --- Set operations ---

func (s *Store) SAdd(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *Store) SRem(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) SCard(ctx context.Context, key string) (int, error) {
	n, err := s.client.SCard(ctx, key).Result()
	return int(n), err
}

// --- Lock operations ---

func (s *Store) Acquire(ctx context.Context, resource string, ttl time.Duration, maxRetries int) (*models.DistributedLock, error) {
	key := lockKeyPrefix + resource
	lockID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := s.client.SetNX(ctx, key, lockID, ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redisstore: setnx")
		}
		if ok {
			return &models.DistributedLock{LockID: lockID, Resource: resource, ExpiresAt: time.Now().Add(ttl)}, nil
		}
		if attempt >= maxRetries {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(storage.LockAcquireSleep()):
		}
	}
}

func (s *Store) Release(ctx context.Context, lock models.DistributedLock) error {
	key := lockKeyPrefix + lock.Resource
	return s.client.EvalSha(ctx, s.releaseSHA, []string{key}, lock.LockID).Err()
}

func (s *Store) Extend(ctx context.Context, lock models.DistributedLock, ttl time.Duration) error {
	key := lockKeyPrefix + lock.Resource
	res, err := s.client.EvalSha(ctx, s.extendSHA, []string{key}, lock.LockID, ttl.Milliseconds()).Result()
	if err != nil {
		return errors.Wrap(err, "redisstore: extend")
	}
	if n, ok := res.(int64); ok && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Dedup operations ---

func (s *Store) IsDuplicate(ctx context.Context, phoneNumberID, content string) (bool, error) {
	n, err := s.client.Exists(ctx, storage.DedupKey(phoneNumberID, content)).Result()
	return n > 0, err
}

func (s *Store) MarkProcessed(ctx context.Context, phoneNumberID, content string, ttl time.Duration) error {
	return s.client.Set(ctx, storage.DedupKey(phoneNumberID, content), "1", ttl).Err()
}

var _ storage.Store = (*Store)(nil)
