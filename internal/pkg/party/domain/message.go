package domain

import (
	"strings"
	"time"
)

// MaxMessageLen bounds the chat message body. Longer input is rejected
// locally before any network call.
const MaxMessageLen = 500

// Message is an immutable chat log entry. Messages are ordered by arrival
// and are never mutated or removed while the party lives.
type Message struct {
	Username string    `json:"username"`
	Body     string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
	Image    string    `json:"image,omitempty"`
}

// Reaction is an ephemeral emoji signal pinned to a playback position. It is
// displayed transiently and never retained in the message log.
type Reaction struct {
	Emoji       string  `json:"emoji"`
	CurrentTime float64 `json:"current_time"`
}

// ValidateBody applies the local message rules: non-empty after trimming and
// at most MaxMessageLen characters.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	if len([]rune(body)) > MaxMessageLen {
		return ErrMessageTooLong
	}
	return nil
}
