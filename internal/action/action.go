// Package action implements the action detector (C6): it scans an LLM
// reply for an embedded JSON fragment carrying a booking action and strips
// it from the user-facing text. Grounded on the teacher's validator
// (internal/utils/validator.go): small single-purpose helpers, a
// sync.Map-cached compiled regex.
package action

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/convoy-platform/message-core/internal/models"
)

const bookingActionName = "Time_to_121meet"

const fallbackPreamble = "Let me get that meeting scheduled for you."

var (
	compiledRegexCache sync.Map

	// fragmentPattern finds the outermost JSON object or single-element
	// array anywhere in the reply text.
	fragmentPattern = `(\{[\s\S]*\}|\[[\s\S]*\])`
)

func getCompiledRegex(pattern string) *regexp.Regexp {
	if compiled, ok := compiledRegexCache.Load(pattern); ok {
		return compiled.(*regexp.Regexp)
	}
	compiled := regexp.MustCompile(pattern)
	compiledRegexCache.Store(pattern, compiled)
	return compiled
}

type bookingFragment struct {
	Action       string   `json:"action"`
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
	MeetingTime  string   `json:"meeting_time"`
	FriendlyTime string   `json:"friendly_time"`
}

// Result is the outcome of Detect.
type Result struct {
	MeetingData     *models.MeetingData
	CleanedResponse string
}

// Detect scans reply for an embedded booking action. If found, it returns
// the parsed meeting data and the reply with the JSON fragment removed and
// trimmed. Malformed JSON is treated as "not an action", per spec §4.6.
func Detect(reply string) Result {
	re := getCompiledRegex(fragmentPattern)
	loc := re.FindStringIndex(reply)
	if loc == nil {
		return Result{CleanedResponse: reply}
	}

	fragmentText := reply[loc[0]:loc[1]]
	meetingData, ok := parseFragment(fragmentText)
	if !ok {
		return Result{CleanedResponse: reply}
	}

	cleaned := strings.TrimSpace(reply[:loc[0]] + reply[loc[1]:])
	if cleaned == "" {
		cleaned = fallbackPreamble
	}
	return Result{MeetingData: meetingData, CleanedResponse: cleaned}
}

// parseFragment tries to unmarshal fragmentText as either a booking object
// or a length-1 array containing one.
func parseFragment(fragmentText string) (*models.MeetingData, bool) {
	var frag bookingFragment
	if err := json.Unmarshal([]byte(fragmentText), &frag); err == nil && frag.Action == bookingActionName {
		return toMeetingData(frag), true
	}

	var arr []bookingFragment
	if err := json.Unmarshal([]byte(fragmentText), &arr); err == nil && len(arr) == 1 && arr[0].Action == bookingActionName {
		return toMeetingData(arr[0]), true
	}

	return nil, false
}

func toMeetingData(frag bookingFragment) *models.MeetingData {
	meetingTime, _ := time.Parse(time.RFC3339, frag.MeetingTime)
	return &models.MeetingData{
		Name:         frag.Name,
		Email:        frag.Email,
		Title:        frag.Title,
		Participants: frag.Participants,
		MeetingTime:  meetingTime,
		FriendlyTime: frag.FriendlyTime,
	}
}
