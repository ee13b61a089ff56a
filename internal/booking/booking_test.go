package booking

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/models"
)

type fakeRepo struct {
	userID        string
	resolveErr    error
	token         *models.CalendarToken
	tokenFound    bool
	tokenErr      error
	savedToken    *models.CalendarToken
	savedMeeting  *models.Meeting
}

func (f *fakeRepo) ResolveUserID(ctx context.Context, conversationID string) (string, error) {
	return f.userID, f.resolveErr
}

func (f *fakeRepo) CalendarToken(ctx context.Context, userID string) (*models.CalendarToken, bool, error) {
	return f.token, f.tokenFound, f.tokenErr
}

func (f *fakeRepo) SaveCalendarToken(ctx context.Context, token models.CalendarToken) error {
	f.savedToken = &token
	return nil
}

func (f *fakeRepo) SaveMeeting(ctx context.Context, meeting models.Meeting) error {
	f.savedMeeting = &meeting
	return nil
}

type fakeCalendar struct {
	result    EventResult
	refreshed models.CalendarToken
	err       error
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, token models.CalendarToken, data models.MeetingData) (EventResult, models.CalendarToken, error) {
	return f.result, f.refreshed, f.err
}

func TestBookFromModelResolveErrorIsSoftFailure(t *testing.T) {
	repo := &fakeRepo{resolveErr: errors.New("no such conversation")}
	b := New(repo, &fakeCalendar{}, "no calendar connected", zap.NewNop())

	result := b.BookFromModel(context.Background(), "conv-1", models.MeetingData{})
	require.False(t, result.Success)
	require.Equal(t, "no calendar connected", result.SoftError)
}

func TestBookFromModelMissingCredentialsIsSoftFailure(t *testing.T) {
	repo := &fakeRepo{userID: "u1", tokenFound: false}
	b := New(repo, &fakeCalendar{}, "no calendar connected", zap.NewNop())

	result := b.BookFromModel(context.Background(), "conv-1", models.MeetingData{})
	require.False(t, result.Success)
	require.Equal(t, "no calendar connected", result.SoftError)
}

func TestBookFromModelCalendarErrorIsSoftFailure(t *testing.T) {
	repo := &fakeRepo{userID: "u1", tokenFound: true, token: &models.CalendarToken{UserID: "u1", AccessToken: "tok"}}
	cal := &fakeCalendar{err: errors.New("calendar api down")}
	b := New(repo, cal, "no calendar connected", zap.NewNop())

	result := b.BookFromModel(context.Background(), "conv-1", models.MeetingData{})
	require.False(t, result.Success)
	require.NotEmpty(t, result.SoftError)
	require.NotEqual(t, "no calendar connected", result.SoftError)
}

func TestBookFromModelSuccessPersistsMeetingAndReturnsLink(t *testing.T) {
	token := &models.CalendarToken{UserID: "u1", AccessToken: "tok", RefreshToken: "refresh"}
	repo := &fakeRepo{userID: "u1", tokenFound: true, token: token}
	cal := &fakeCalendar{
		result:    EventResult{GoogleEventID: "evt-1", MeetLink: "https://meet.example/abc"},
		refreshed: *token,
	}
	b := New(repo, cal, "no calendar connected", zap.NewNop())

	result := b.BookFromModel(context.Background(), "conv-1", models.MeetingData{Name: "Ada"})
	require.True(t, result.Success)
	require.Equal(t, "https://meet.example/abc", result.MeetLink)
	require.NotNil(t, repo.savedMeeting)
	require.Equal(t, "evt-1", repo.savedMeeting.GoogleEventID)
	require.Nil(t, repo.savedToken, "unchanged token should not trigger a persist")
}

func TestBookFromModelRefreshedTokenIsPersisted(t *testing.T) {
	original := &models.CalendarToken{UserID: "u1", AccessToken: "old", RefreshToken: "old-r"}
	repo := &fakeRepo{userID: "u1", tokenFound: true, token: original}
	cal := &fakeCalendar{
		result:    EventResult{GoogleEventID: "evt-1", MeetLink: "https://meet.example/abc"},
		refreshed: models.CalendarToken{UserID: "u1", AccessToken: "new", RefreshToken: "new-r"},
	}
	b := New(repo, cal, "no calendar connected", zap.NewNop())

	result := b.BookFromModel(context.Background(), "conv-1", models.MeetingData{})
	require.True(t, result.Success)
	require.NotNil(t, repo.savedToken)
	require.Equal(t, "new", repo.savedToken.AccessToken)
}

func TestConfirmationLineIncludesLink(t *testing.T) {
	line := ConfirmationLine("https://meet.example/xyz")
	require.Contains(t, line, "https://meet.example/xyz")
}
