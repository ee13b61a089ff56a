package credit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/storage/memstore"
)

type fakeRepo struct {
	remaining int64
	found     bool
	balanceErr error
	deductApplied bool
	deductNew     int64
	deductErr     error
	deductCalls   int
}

func (f *fakeRepo) Balance(ctx context.Context, userID string) (int64, bool, error) {
	return f.remaining, f.found, f.balanceErr
}

func (f *fakeRepo) ConditionalDeduct(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	f.deductCalls++
	return f.deductNew, f.deductApplied, f.deductErr
}

func TestHasEnoughReadsThroughOnCacheMiss(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	repo := &fakeRepo{remaining: 100, found: true}
	l := New(store, repo, zap.NewNop())

	ok, err := l.HasEnough(context.Background(), "u1", 50)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.HasEnough(context.Background(), "u1", 150)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasEnoughCachesMissingUserAsZero(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	repo := &fakeRepo{found: false}
	l := New(store, repo, zap.NewNop())

	ok, err := l.HasEnough(context.Background(), "nobody", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeductAppliedUpdatesCacheInPlace(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	repo := &fakeRepo{deductApplied: true, deductNew: 40}
	l := New(store, repo, zap.NewNop())

	require.NoError(t, l.Deduct(context.Background(), "u1", 10))

	// HasEnough must now read the freshly-cached post-deduct value, not
	// hit the repository again.
	ok, err := l.HasEnough(context.Background(), "u1", 40)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, repo.deductCalls)
}

func TestDeductInsufficientReturnsSentinelError(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	repo := &fakeRepo{deductApplied: false, deductNew: 5}
	l := New(store, repo, zap.NewNop())

	err := l.Deduct(context.Background(), "u1", 100)
	require.ErrorIs(t, err, ErrInsufficientCredits)
}
