package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Bounds applied to every scraped message. Anything longer is almost always a
// system banner; anything shorter is single-emoji noise.
const (
	MinMessageLen  = 2
	MaxMessageLen  = 200
	MaxUsernameLen = 50
)

// ErrInvalidMessage is returned when a scraped pair fails validation.
var ErrInvalidMessage = errors.New("invalid chat message")

// Message is one chat line observed during a poll cycle.
type Message struct {
	ObservedAt time.Time `json:"observedAt"`
	Username   string    `json:"username"`
	Text       string    `json:"message"`
}

// NewMessage trims and validates a username/message pair.
func NewMessage(username, text string, observedAt time.Time) (Message, error) {
	username = strings.TrimSpace(username)
	text = strings.TrimSpace(text)
	if username == "" || utf8.RuneCountInString(username) > MaxUsernameLen {
		return Message{}, fmt.Errorf("%w: username %q", ErrInvalidMessage, username)
	}
	n := utf8.RuneCountInString(text)
	if n < MinMessageLen || n > MaxMessageLen {
		return Message{}, fmt.Errorf("%w: message length %d", ErrInvalidMessage, n)
	}
	return Message{Username: username, Text: text, ObservedAt: observedAt}, nil
}

// Key returns the dedup key for the message.
func (m Message) Key() string { return Key(m.Username, m.Text) }

// Key derives the exact, case-sensitive dedup key for a username/message pair.
func Key(username, text string) string { return username + ":" + text }
