package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
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
)

// --- fakes shared across the table below ---

type fakeSessionRepo struct {
	resolveErr           error
	binding              *session.AgentBinding
	activeConversationID string
	openaiConversationID string
	found                bool
	createdID            string
	seq                  uint64
}

func (f *fakeSessionRepo) ResolveAgent(ctx context.Context, phoneNumberID string) (*session.AgentBinding, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.binding, nil
}

func (f *fakeSessionRepo) ActiveConversation(ctx context.Context, agentID, customerPhone string) (string, string, bool, error) {
	return f.activeConversationID, f.openaiConversationID, f.found, nil
}

func (f *fakeSessionRepo) CreateConversation(ctx context.Context, agentID, customerPhone string) (string, error) {
	return f.createdID, nil
}

func (f *fakeSessionRepo) SetOpenAIConversationID(ctx context.Context, conversationID, openaiConversationID string) error {
	return nil
}

func (f *fakeSessionRepo) NextSequenceNumber(ctx context.Context, conversationID string) (uint64, error) {
	f.seq++
	return f.seq, nil
}

type fakeCreditRepo struct {
	remaining int64
	found     bool
}

func (f *fakeCreditRepo) Balance(ctx context.Context, userID string) (int64, bool, error) {
	return f.remaining, f.found, nil
}

func (f *fakeCreditRepo) ConditionalDeduct(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	return f.remaining - amount, f.remaining >= amount, nil
}

type fakeBookingRepo struct{}

func (fakeBookingRepo) ResolveUserID(ctx context.Context, conversationID string) (string, error) {
	return "u1", nil
}
func (fakeBookingRepo) CalendarToken(ctx context.Context, userID string) (*models.CalendarToken, bool, error) {
	return nil, false, nil
}
func (fakeBookingRepo) SaveCalendarToken(ctx context.Context, token models.CalendarToken) error {
	return nil
}
func (fakeBookingRepo) SaveMeeting(ctx context.Context, meeting models.Meeting) error { return nil }

type fakeCalendar struct{}

func (fakeCalendar) CreateEvent(ctx context.Context, token models.CalendarToken, data models.MeetingData) (booking.EventResult, models.CalendarToken, error) {
	return booking.EventResult{}, token, nil
}

type fakePersistRepo struct {
	mu     sync.Mutex
	stored int
}

func (f *fakePersistRepo) StoreMessage(ctx context.Context, record models.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored++
	return nil
}
func (f *fakePersistRepo) TrackDelivery(ctx context.Context, messageID, platformMessageID string, status models.MessageStatus) error {
	return nil
}
func (f *fakePersistRepo) UpdateConversationActivity(ctx context.Context, conversationID string) error {
	return nil
}

// failingSender always reports a retryable send failure.
type failingSender struct{}

func (failingSender) Send(ctx context.Context, phoneNumberID, customerPhone, text, accessToken, metaPhoneNumberID string) platform.SendResult {
	return platform.SendResult{ErrorCode: platform.ErrNetwork, Retryable: true}
}
func (failingSender) SendTypingIndicator(ctx context.Context, phoneNumberID, customerPhone, accessToken, metaPhoneNumberID string) {
}

func newTestWorker(t *testing.T, llmBaseURL string, sessionRepo *fakeSessionRepo, creditRepo *fakeCreditRepo, sender platform.Sender) (*Worker, func()) {
	t.Helper()
	logger := zap.NewNop()
	store := memstore.New()

	sessions := session.New(store, sessionRepo, logger)
	ledger := credit.New(store, creditRepo, logger)
	llm := llmclient.New(llmclient.Config{BaseURL: llmBaseURL, Timeout: 5 * time.Second, MaxRetries: 1}, logger)
	dispatcher := platform.NewDispatcher(sender, sender, sender)
	booker := booking.New(fakeBookingRepo{}, fakeCalendar{}, "no calendar connected", logger)
	persist := persistence.New(&fakePersistRepo{}, ledger, logger, 2)

	w := New(Config{LockTTL: time.Minute, LockMaxRetries: 0}, store, sessions, ledger, llm, dispatcher, booker, persist, logger)
	return w, func() {
		persist.Shutdown(time.Second)
		store.Close()
	}
}

func validMessage() models.QueuedMessage {
	return models.QueuedMessage{
		MessageID:     "m1",
		PhoneNumberID: "p1",
		CustomerPhone: "+1555",
		MessageText:   "hello",
		PlatformType:  models.PlatformWebchat,
	}
}

func validLease() models.ProcessingLease {
	return models.ProcessingLease{LeaseID: "lease-1", MessageID: "m1", PhoneNumberID: "p1"}
}

func TestProcessOneInvalidMessageFields(t *testing.T) {
	w, cleanup := newTestWorker(t, "", &fakeSessionRepo{}, &fakeCreditRepo{}, failingSender{})
	defer cleanup()

	outcome := w.ProcessOne(context.Background(), models.QueuedMessage{MessageID: "m1"}, validLease())
	require.Equal(t, OutcomeInvalidMessage, outcome)
}

func TestProcessOneMissingAgentCompletesWithoutError(t *testing.T) {
	repo := &fakeSessionRepo{resolveErr: session.ErrNoAgent}
	w, cleanup := newTestWorker(t, "", repo, &fakeCreditRepo{}, failingSender{})
	defer cleanup()

	outcome := w.ProcessOne(context.Background(), validMessage(), validLease())
	require.Equal(t, OutcomeMissingAgent, outcome)
}

func TestProcessOneInsufficientCreditsCompletesWithoutError(t *testing.T) {
	sessionRepo := &fakeSessionRepo{
		binding: &session.AgentBinding{AgentID: "a1", UserID: "u1", Platform: models.PlatformWebchat},
		found:   true,
	}
	creditRepo := &fakeCreditRepo{remaining: 0, found: true}
	w, cleanup := newTestWorker(t, "", sessionRepo, creditRepo, failingSender{})
	defer cleanup()

	outcome := w.ProcessOne(context.Background(), validMessage(), validLease())
	require.Equal(t, OutcomeInsufficientCredit, outcome)
}

func TestProcessOneSendFailureIsRetryable(t *testing.T) {
	llmSrv := newSuccessfulLLMServer(t, "hello back")
	defer llmSrv.Close()

	sessionRepo := &fakeSessionRepo{
		binding: &session.AgentBinding{AgentID: "a1", UserID: "u1", Platform: models.PlatformWebchat},
		found:   true,
	}
	creditRepo := &fakeCreditRepo{remaining: 100, found: true}
	w, cleanup := newTestWorker(t, llmSrv.URL, sessionRepo, creditRepo, failingSender{})
	defer cleanup()

	outcome := w.ProcessOne(context.Background(), validMessage(), validLease())
	require.Equal(t, OutcomeSendFailed, outcome)
}

func TestProcessOneLLMServerErrorCompletesWithoutCreditDebit(t *testing.T) {
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/conversations" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "oai-conv-1"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer llmSrv.Close()

	sessionRepo := &fakeSessionRepo{
		binding: &session.AgentBinding{AgentID: "a1", UserID: "u1", Platform: models.PlatformWebchat},
		found:   true,
	}
	creditRepo := &fakeCreditRepo{remaining: 100, found: true}
	w, cleanup := newTestWorker(t, llmSrv.URL, sessionRepo, creditRepo, failingSender{})
	defer cleanup()

	outcome := w.ProcessOne(context.Background(), validMessage(), validLease())
	require.Equal(t, OutcomeLLMFailed, outcome)
}

func TestProcessOneFullSuccessPath(t *testing.T) {
	llmSrv := newSuccessfulLLMServer(t, "sure, all set")
	defer llmSrv.Close()

	bus := platform.NewInProcessBus()
	webchat := platform.NewWebchatSender(bus, zap.NewNop())

	sessionRepo := &fakeSessionRepo{
		binding: &session.AgentBinding{AgentID: "a1", UserID: "u1", Platform: models.PlatformWebchat},
		found:   true,
	}
	creditRepo := &fakeCreditRepo{remaining: 100, found: true}
	w, cleanup := newTestWorker(t, llmSrv.URL, sessionRepo, creditRepo, webchat)
	defer cleanup()

	outcome := w.ProcessOne(context.Background(), validMessage(), validLease())
	require.Equal(t, OutcomeSuccess, outcome)
}

func newSuccessfulLLMServer(t *testing.T, replyText string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/conversations" {
			json.NewEncoder(w).Encode(map[string]string{"id": "oai-conv-1"})
			return
		}
		type content struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		type output struct {
			Type    string    `json:"type"`
			Content []content `json:"content"`
		}
		resp := struct {
			Output []output `json:"output"`
		}{Output: []output{{Type: "message", Content: []content{{Type: "output_text", Text: replyText}}}}}
		json.NewEncoder(w).Encode(resp)
	}))
}
