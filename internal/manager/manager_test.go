package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/booking"
	"github.com/convoy-platform/message-core/internal/credit"
	"github.com/convoy-platform/message-core/internal/llmclient"
	"github.com/convoy-platform/message-core/internal/models"
	"github.com/convoy-platform/message-core/internal/persistence"
	"github.com/convoy-platform/message-core/internal/platform"
	"github.com/convoy-platform/message-core/internal/session"
	"github.com/convoy-platform/message-core/internal/storage/memstore"
	"github.com/convoy-platform/message-core/internal/worker"
)

func TestHealthSuccessRateEmptyWindowIsOptimistic(t *testing.T) {
	h := newHealth()
	rate, n := h.successRate()
	require.Equal(t, float64(1), rate)
	require.Equal(t, 0, n)
}

func TestHealthRecordTracksSuccessRate(t *testing.T) {
	h := newHealth()
	for i := 0; i < 3; i++ {
		h.record(true, time.Minute)
	}
	for i := 0; i < 2; i++ {
		h.record(false, time.Minute)
	}
	rate, n := h.successRate()
	require.Equal(t, 5, n)
	require.InDelta(t, 0.6, rate, 0.001)
}

func TestHealthPruneDropsEntriesOutsideWindow(t *testing.T) {
	h := newHealth()
	h.window = append(h.window, outcomeAt{at: time.Now().Add(-time.Hour), success: false})
	h.window = append(h.window, outcomeAt{at: time.Now(), success: true})

	h.prune(time.Now(), time.Minute)
	require.Len(t, h.window, 1)
	require.True(t, h.window[0].success)
}

// The fakes below let a factory build a fully-wired worker.Worker whose
// session lookup always reports "no agent mapped" so ProcessOne completes
// deterministically (OutcomeMissingAgent, counted as healthy) without any
// network calls.

type noopSessionRepo struct{}

func (noopSessionRepo) ResolveAgent(ctx context.Context, phoneNumberID string) (*session.AgentBinding, error) {
	return nil, session.ErrNoAgent
}
func (noopSessionRepo) ActiveConversation(ctx context.Context, agentID, customerPhone string) (string, string, bool, error) {
	return "", "", false, nil
}
func (noopSessionRepo) CreateConversation(ctx context.Context, agentID, customerPhone string) (string, error) {
	return "", nil
}
func (noopSessionRepo) SetOpenAIConversationID(ctx context.Context, conversationID, openaiConversationID string) error {
	return nil
}
func (noopSessionRepo) NextSequenceNumber(ctx context.Context, conversationID string) (uint64, error) {
	return 1, nil
}

type noopCreditRepo struct{}

func (noopCreditRepo) Balance(ctx context.Context, userID string) (int64, bool, error) {
	return 0, false, nil
}
func (noopCreditRepo) ConditionalDeduct(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	return 0, false, nil
}

type noopBookingRepo struct{}

func (noopBookingRepo) ResolveUserID(ctx context.Context, conversationID string) (string, error) {
	return "", nil
}
func (noopBookingRepo) CalendarToken(ctx context.Context, userID string) (*models.CalendarToken, bool, error) {
	return nil, false, nil
}
func (noopBookingRepo) SaveCalendarToken(ctx context.Context, token models.CalendarToken) error {
	return nil
}
func (noopBookingRepo) SaveMeeting(ctx context.Context, meeting models.Meeting) error { return nil }

type noopCalendar struct{}

func (noopCalendar) CreateEvent(ctx context.Context, token models.CalendarToken, data models.MeetingData) (booking.EventResult, models.CalendarToken, error) {
	return booking.EventResult{}, token, nil
}

type noopPersistRepo struct{}

func (noopPersistRepo) StoreMessage(ctx context.Context, record models.MessageRecord) error {
	return nil
}
func (noopPersistRepo) TrackDelivery(ctx context.Context, messageID, platformMessageID string, status models.MessageStatus) error {
	return nil
}
func (noopPersistRepo) UpdateConversationActivity(ctx context.Context, conversationID string) error {
	return nil
}

func TestManagerStartFillsPoolToMinWorkers(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	logger := zap.NewNop()

	sessions := session.New(store, noopSessionRepo{}, logger)
	ledger := credit.New(store, noopCreditRepo{}, logger)
	llm := llmclient.New(llmclient.Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second, MaxRetries: 1}, logger)
	bus := platform.NewInProcessBus()
	sender := platform.NewWebchatSender(bus, logger)
	dispatcher := platform.NewDispatcher(sender, sender, sender)
	booker := booking.New(noopBookingRepo{}, noopCalendar{}, "no creds", logger)
	persist := persistence.New(noopPersistRepo{}, ledger, logger, 1)
	defer persist.Shutdown(time.Second)

	factory := func() *worker.Worker {
		return worker.New(worker.Config{LockTTL: time.Minute}, store, sessions, ledger, llm, dispatcher, booker, persist, logger)
	}

	m := New(Config{MinWorkers: 3, MaxWorkers: 3, Enabled: false, DrainTimeout: time.Second}, store, factory, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Shutdown()

	require.Eventually(t, func() bool {
		return m.ActiveWorkerCount() == 3
	}, time.Second, 10*time.Millisecond)
}

func TestManagerProcessesEnqueuedMessage(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	logger := zap.NewNop()

	sessions := session.New(store, noopSessionRepo{}, logger)
	ledger := credit.New(store, noopCreditRepo{}, logger)
	llm := llmclient.New(llmclient.Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second, MaxRetries: 1}, logger)
	bus := platform.NewInProcessBus()
	sender := platform.NewWebchatSender(bus, logger)
	dispatcher := platform.NewDispatcher(sender, sender, sender)
	booker := booking.New(noopBookingRepo{}, noopCalendar{}, "no creds", logger)
	persist := persistence.New(noopPersistRepo{}, ledger, logger, 1)
	defer persist.Shutdown(time.Second)

	factory := func() *worker.Worker {
		return worker.New(worker.Config{LockTTL: time.Minute}, store, sessions, ledger, llm, dispatcher, booker, persist, logger)
	}

	m := New(Config{MinWorkers: 1, MaxWorkers: 1, Enabled: false, DrainTimeout: time.Second}, store, factory, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Shutdown()

	require.NoError(t, store.Enqueue(context.Background(), models.QueuedMessage{
		MessageID: "m1", PhoneNumberID: "p1", CustomerPhone: "+1555", MessageText: "hi",
		PlatformType: models.PlatformWebchat,
	}))
	m.Notify()

	require.Eventually(t, func() bool {
		stats, err := store.Stats(context.Background(), "p1")
		require.NoError(t, err)
		return stats.Depth == 0 && stats.InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerShutdownStopsAllWorkers(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	logger := zap.NewNop()

	sessions := session.New(store, noopSessionRepo{}, logger)
	ledger := credit.New(store, noopCreditRepo{}, logger)
	llm := llmclient.New(llmclient.Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second, MaxRetries: 1}, logger)
	bus := platform.NewInProcessBus()
	sender := platform.NewWebchatSender(bus, logger)
	dispatcher := platform.NewDispatcher(sender, sender, sender)
	booker := booking.New(noopBookingRepo{}, noopCalendar{}, "no creds", logger)
	persist := persistence.New(noopPersistRepo{}, ledger, logger, 1)
	defer persist.Shutdown(time.Second)

	factory := func() *worker.Worker {
		return worker.New(worker.Config{LockTTL: time.Minute}, store, sessions, ledger, llm, dispatcher, booker, persist, logger)
	}

	m := New(Config{MinWorkers: 2, MaxWorkers: 2, Enabled: false, DrainTimeout: time.Second}, store, factory, logger)
	ctx := context.Background()
	m.Start(ctx)

	m.Shutdown()
	require.Equal(t, 0, m.ActiveWorkerCount())
}
