package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/convoy-platform/message-core/internal/models"
)

// GoogleCalendarClient creates events against the Google Calendar API,
// refreshing OAuth2 access tokens via oauth2.TokenSource as they expire.
type GoogleCalendarClient struct {
	oauthConfig *oauth2.Config
	baseURL     string
	http        *http.Client
}

// NewGoogleCalendarClient builds a calendar client for the given OAuth2 app
// credentials.
func NewGoogleCalendarClient(clientID, clientSecret, baseURL string) *GoogleCalendarClient {
	return &GoogleCalendarClient{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			Scopes: []string{"https://www.googleapis.com/auth/calendar.events"},
		},
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type calendarEventRequest struct {
	Summary     string                   `json:"summary"`
	Description string                   `json:"description,omitempty"`
	Start       calendarEventTime        `json:"start"`
	End         calendarEventTime        `json:"end"`
	Attendees   []calendarEventAttendee  `json:"attendees,omitempty"`
	ConferenceData *calendarConferenceReq `json:"conferenceData,omitempty"`
}

type calendarEventTime struct {
	DateTime string `json:"dateTime"`
}

type calendarEventAttendee struct {
	Email string `json:"email"`
}

type calendarConferenceReq struct {
	CreateRequest calendarConferenceCreateRequest `json:"createRequest"`
}

type calendarConferenceCreateRequest struct {
	RequestID string `json:"requestId"`
}

type calendarEventResponse struct {
	ID              string `json:"id"`
	ConferenceData  *struct {
		EntryPoints []struct {
			URI string `json:"uri"`
		} `json:"entryPoints"`
	} `json:"conferenceData,omitempty"`
}

// CreateEvent creates a calendar event for meetingData, attaching a Google
// Meet conference link when the provider returns one. The access token is
// refreshed via oauth2.TokenSource and the refreshed token is returned as
// the second result; the caller persists it back through the repository.
func (c *GoogleCalendarClient) CreateEvent(ctx context.Context, token models.CalendarToken, data models.MeetingData) (EventResult, models.CalendarToken, error) {
	source := c.oauthConfig.TokenSource(ctx, &oauth2.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.TokenExpiry,
	})
	refreshedToken, err := source.Token()
	if err != nil {
		return EventResult{}, token, fmt.Errorf("booking: refresh token: %w", err)
	}

	attendees := make([]calendarEventAttendee, 0, len(data.Participants))
	for _, email := range data.Participants {
		attendees = append(attendees, calendarEventAttendee{Email: email})
	}

	end := data.MeetingTime.Add(30 * time.Minute)
	reqBody := calendarEventRequest{
		Summary:   data.Title,
		Start:     calendarEventTime{DateTime: data.MeetingTime.Format(time.RFC3339)},
		End:       calendarEventTime{DateTime: end.Format(time.RFC3339)},
		Attendees: attendees,
		ConferenceData: &calendarConferenceReq{
			CreateRequest: calendarConferenceCreateRequest{RequestID: uuid.NewString()},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return EventResult{}, token, err
	}

	url := c.baseURL + "/calendars/primary/events?conferenceDataVersion=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return EventResult{}, token, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+refreshedToken.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return EventResult{}, token, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return EventResult{}, token, fmt.Errorf("booking: calendar api status %d", resp.StatusCode)
	}

	var parsed calendarEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return EventResult{}, token, err
	}

	var meetLink string
	if parsed.ConferenceData != nil && len(parsed.ConferenceData.EntryPoints) > 0 {
		meetLink = parsed.ConferenceData.EntryPoints[0].URI
	}

	newToken := models.CalendarToken{
		UserID:       token.UserID,
		AccessToken:  refreshedToken.AccessToken,
		RefreshToken: refreshedToken.RefreshToken,
		TokenExpiry:  refreshedToken.Expiry,
		Scope:        token.Scope,
	}
	if newToken.RefreshToken == "" {
		newToken.RefreshToken = token.RefreshToken
	}

	return EventResult{GoogleEventID: parsed.ID, MeetLink: meetLink}, newToken, nil
}

var _ CalendarClient = (*GoogleCalendarClient)(nil)
