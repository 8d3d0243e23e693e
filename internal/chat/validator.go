package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrInvalidMessage is returned for content or addressing that cannot be
// accepted for ingestion.
var ErrInvalidMessage = errors.New("chat: invalid message")

// ValidateContent checks that a chat message body meets content requirements.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

// Validate checks a fully stamped message before it is published.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if m.Recipient != "" && m.Kind != KindChat {
		return fmt.Errorf("%w: %s cannot be addressed to a recipient", ErrInvalidMessage, m.Kind)
	}
	if m.SentAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	return ValidateContent(m.Content)
}
