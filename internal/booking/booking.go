// Package booking implements the meeting booker (C7): an optional side
// effect for a detected booking action, against an external calendar API
// with OAuth2 token refresh.
package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/metrics"
	"github.com/convoy-platform/message-core/internal/models"
)

// Repository is the persistence surface the booker needs: resolving
// conversation -> agent -> user, reading/writing calendar credentials, and
// persisting the resulting meeting record.
type Repository interface {
	ResolveUserID(ctx context.Context, conversationID string) (userID string, err error)
	CalendarToken(ctx context.Context, userID string) (*models.CalendarToken, bool, error)
	SaveCalendarToken(ctx context.Context, token models.CalendarToken) error
	SaveMeeting(ctx context.Context, meeting models.Meeting) error
}

// CalendarClient creates a calendar event on behalf of a user, refreshing
// OAuth2 tokens as needed. Implemented over golang.org/x/oauth2 with the
// Google endpoints set directly, generalized from the teacher's plain
// http.Client construction (pkg/whatsapp/client.go has no calendar analog;
// this is a supplement per SPEC_FULL.md).
type CalendarClient interface {
	CreateEvent(ctx context.Context, token models.CalendarToken, data models.MeetingData) (EventResult, models.CalendarToken, error)
}

// EventResult is what a successful calendar-event creation returns.
type EventResult struct {
	GoogleEventID string
	MeetLink      string
}

// Result is the outcome of BookFromModel.
type Result struct {
	Success    bool
	MeetLink   string
	SoftError  string // user-visible message on soft failure
}

// Booker books a meeting from a detected action.
type Booker struct {
	repo       Repository
	calendar   CalendarClient
	noCredsMsg string
	logger     *zap.Logger
}

// New builds a meeting booker.
func New(repo Repository, calendar CalendarClient, noCredsMsg string, logger *zap.Logger) *Booker {
	return &Booker{repo: repo, calendar: calendar, noCredsMsg: noCredsMsg, logger: logger}
}

// BookFromModel resolves the user behind conversationID and attempts to
// create a calendar event for meetingData. Calendar-API and missing-
// credential failures are soft: they never propagate as an error, only as
// a user-visible Result.SoftError, per spec §4.7.
func (b *Booker) BookFromModel(ctx context.Context, conversationID string, meetingData models.MeetingData) Result {
	userID, err := b.repo.ResolveUserID(ctx, conversationID)
	if err != nil {
		b.logger.Warn("booking: resolve user failed", zap.Error(err), zap.String("conversation_id", conversationID))
		metrics.BookingsTotal.WithLabelValues("resolve_error").Inc()
		return Result{SoftError: b.noCredsMsg}
	}

	token, found, err := b.repo.CalendarToken(ctx, userID)
	if err != nil || !found {
		metrics.BookingsTotal.WithLabelValues("no_credentials").Inc()
		return Result{SoftError: b.noCredsMsg}
	}

	event, refreshed, err := b.calendar.CreateEvent(ctx, *token, meetingData)
	if err != nil {
		b.logger.Warn("booking: calendar api failed", zap.Error(err), zap.String("user_id", userID))
		metrics.BookingsTotal.WithLabelValues("calendar_error").Inc()
		return Result{SoftError: "I couldn't get that meeting booked right now, please try again shortly."}
	}

	if refreshed.AccessToken != token.AccessToken || refreshed.RefreshToken != token.RefreshToken {
		if saveErr := b.repo.SaveCalendarToken(ctx, refreshed); saveErr != nil {
			b.logger.Warn("booking: persist refreshed token failed", zap.Error(saveErr))
		}
	}

	meeting := models.Meeting{
		MeetingID:      uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		GoogleEventID:  event.GoogleEventID,
		MeetLink:       event.MeetLink,
		Status:         "scheduled",
		CreatedAt:      time.Now(),
	}
	if err := b.repo.SaveMeeting(ctx, meeting); err != nil {
		b.logger.Warn("booking: persist meeting failed", zap.Error(err))
	}

	metrics.BookingsTotal.WithLabelValues("success").Inc()
	return Result{Success: true, MeetLink: event.MeetLink}
}

// ConfirmationLine builds the confirmation text the worker appends to the
// reply on a successful booking.
func ConfirmationLine(meetLink string) string {
	return fmt.Sprintf("Meeting confirmed! Join here: %s", meetLink)
}
