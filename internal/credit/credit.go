// Package credit implements the credit ledger (C3): a 300s cached balance
// backed by an atomic conditional decrement against the persistent store.
package credit

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/metrics"
	"github.com/convoy-platform/message-core/internal/storage"
)

const cacheTTL = 300 * time.Second

// ErrInsufficientCredits is returned by Deduct when the persistent balance
// is below the requested amount.
var ErrInsufficientCredits = errors.New("credit: insufficient credits")

// Repository is the persistent-store surface the ledger needs.
type Repository interface {
	// Balance reads the authoritative remaining balance. Returns
	// found=false if the user has no credits row.
	Balance(ctx context.Context, userID string) (remaining int64, found bool, err error)
	// ConditionalDeduct atomically decrements remaining by amount only if
	// remaining >= amount, returning the new balance and whether it applied.
	ConditionalDeduct(ctx context.Context, userID string, amount int64) (newRemaining int64, applied bool, err error)
}

// Ledger is the cached credit balance view over a Repository.
type Ledger struct {
	store  storage.Store
	repo   Repository
	logger *zap.Logger
}

// New builds a credit ledger.
func New(store storage.Store, repo Repository, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, repo: repo, logger: logger}
}

func cacheKey(userID string) string {
	return "credit:" + userID
}

// HasEnough reports whether userID's balance is at least amount, serving
// from cache when present. A user with no credits row is cached as zero to
// avoid repeat misses hammering the store.
func (l *Ledger) HasEnough(ctx context.Context, userID string, amount int64) (bool, error) {
	balance, err := l.cachedBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

func (l *Ledger) cachedBalance(ctx context.Context, userID string) (int64, error) {
	key := cacheKey(userID)
	if raw, err := l.store.Get(ctx, key); err == nil {
		return decodeBalance(raw), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		l.logger.Warn("credit: cache read failed", zap.Error(err))
	}

	remaining, found, err := l.repo.Balance(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "credit: read balance")
	}
	if !found {
		remaining = 0
	}
	if cerr := l.store.Set(ctx, key, encodeBalance(remaining), cacheTTL); cerr != nil {
		l.logger.Warn("credit: cache write failed", zap.Error(cerr))
	}
	return remaining, nil
}

// Deduct atomically decrements userID's balance by amount. On success the
// cache is updated with the new value in place (not invalidated), to avoid
// miss amplification under sustained traffic.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64) error {
	newRemaining, applied, err := l.repo.ConditionalDeduct(ctx, userID, amount)
	if err != nil {
		metrics.CreditDeductions.WithLabelValues("error").Inc()
		return errors.Wrap(err, "credit: conditional deduct")
	}
	if !applied {
		metrics.CreditDeductions.WithLabelValues("insufficient").Inc()
		return ErrInsufficientCredits
	}

	if cerr := l.store.Set(ctx, cacheKey(userID), encodeBalance(newRemaining), cacheTTL); cerr != nil {
		l.logger.Warn("credit: cache write failed after deduct", zap.Error(cerr))
	}
	metrics.CreditDeductions.WithLabelValues("success").Inc()
	return nil
}

func encodeBalance(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeBalance(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
