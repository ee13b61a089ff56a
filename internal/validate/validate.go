// Package validate checks inbound queued messages before a worker commits
// any side effect to them. Adapted from the teacher's internal/utils/
// validator.go (E.164 phone regex, cached via sync.Map, max-length content
// check) but re-pointed at models.QueuedMessage instead of an outbound
// WhatsApp send payload with templates and media.
package validate

import (
	"errors"
	"regexp"
	"sync"

	"github.com/convoy-platform/message-core/internal/models"
)

var (
	ErrMissingPhoneNumberID = errors.New("validate: missing phone number id")
	ErrMissingCustomerPhone = errors.New("validate: missing customer phone")
	ErrInvalidCustomerPhone = errors.New("validate: customer phone is not E.164")
	ErrEmptyMessageText     = errors.New("validate: empty message text")
	ErrMessageTooLong       = errors.New("validate: message text exceeds maximum length")
)

const (
	phoneNumberPattern = `^\+?[1-9]\d{1,14}$`
	maxMessageLength   = 4096
)

var compiledRegexCache sync.Map

func getCompiledRegex(pattern string) (*regexp.Regexp, error) {
	if compiled, ok := compiledRegexCache.Load(pattern); ok {
		return compiled.(*regexp.Regexp), nil
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	compiledRegexCache.Store(pattern, compiled)
	return compiled, nil
}

// QueuedMessage validates the fields a worker relies on before it acquires
// any lock or spends any credit: the binding keys (phone number id, customer
// phone) and the text payload. Webchat sessions carry a synthetic customer
// identifier rather than a phone number, so a bare non-empty check (not the
// E.164 regex) applies when the platform is webchat.
func QueuedMessage(msg models.QueuedMessage) error {
	if msg.PhoneNumberID == "" {
		return ErrMissingPhoneNumberID
	}
	if msg.CustomerPhone == "" {
		return ErrMissingCustomerPhone
	}
	if msg.PlatformType != models.PlatformWebchat {
		regex, err := getCompiledRegex(phoneNumberPattern)
		if err != nil {
			return err
		}
		if !regex.MatchString(msg.CustomerPhone) {
			return ErrInvalidCustomerPhone
		}
	}
	if msg.MessageText == "" {
		return ErrEmptyMessageText
	}
	if len(msg.MessageText) > maxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}
