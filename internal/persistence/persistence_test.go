package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/credit"
	"github.com/convoy-platform/message-core/internal/models"
	"github.com/convoy-platform/message-core/internal/storage/memstore"
)

type fakeRepo struct {
	mu          sync.Mutex
	stored      []models.MessageRecord
	deliveries  int
	activityIDs []string
}

func (f *fakeRepo) StoreMessage(ctx context.Context, record models.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, record)
	return nil
}

func (f *fakeRepo) TrackDelivery(ctx context.Context, messageID, platformMessageID string, status models.MessageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries++
	return nil
}

func (f *fakeRepo) UpdateConversationActivity(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activityIDs = append(f.activityIDs, conversationID)
	return nil
}

type fakeCreditRepo struct{}

func (fakeCreditRepo) Balance(ctx context.Context, userID string) (int64, bool, error) {
	return 100, true, nil
}

func (fakeCreditRepo) ConditionalDeduct(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	return 100 - amount, true, nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestExecutorDrainsScheduledTasks(t *testing.T) {
	repo := &fakeRepo{}
	store := memstore.New()
	defer store.Close()
	ledger := credit.New(store, fakeCreditRepo{}, zap.NewNop())

	e := New(repo, ledger, zap.NewNop(), 2)
	defer e.Shutdown(time.Second)

	e.StoreIncomingMessage("m1", "conv-1", "hello", 1)
	e.StoreOutgoingMessage("m2", "conv-1", "hi back", 2, "wamid-1")
	e.TrackDelivery("m2", "wamid-1", models.MessageStatusSent)
	e.UpdateConversationActivity("conv-1")
	e.DeductCredits("u1", 5)

	waitUntil(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.stored) == 2 && repo.deliveries == 1 && len(repo.activityIDs) == 1
	})
}

func TestExecutorDropsTasksAfterShutdown(t *testing.T) {
	repo := &fakeRepo{}
	store := memstore.New()
	defer store.Close()
	ledger := credit.New(store, fakeCreditRepo{}, zap.NewNop())

	e := New(repo, ledger, zap.NewNop(), 1)
	e.Shutdown(time.Second)

	// Scheduling after shutdown must not panic or block.
	e.StoreIncomingMessage("m1", "conv-1", "hello", 1)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Empty(t, repo.stored)
}
