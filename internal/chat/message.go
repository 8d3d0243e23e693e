// Package chat defines the relay's message model: the immutable event that is
// ingested once, enqueued on the broker, persisted to history, and fanned out
// to live sessions.
package chat

import (
	"strings"
	"time"
)

// Kind discriminates chat traffic from presence announcements.
type Kind string

const (
	KindChat  Kind = "CHAT"
	KindJoin  Kind = "JOIN"
	KindLeave Kind = "LEAVE"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindJoin, KindLeave:
		return true
	}
	return false
}

// Broker topics, one per conversation scope.
const (
	TopicPublic  = "public-chat"
	TopicPrivate = "private-chat"
)

// Message is an immutable chat event. An empty Recipient means a public
// broadcast.
type Message struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
}

// IsPublic reports whether the message goes to the public room.
func (m Message) IsPublic() bool {
	return m.Recipient == ""
}

// Topic returns the broker topic for the message's scope.
func (m Message) Topic() string {
	if m.IsPublic() {
		return TopicPublic
	}
	return TopicPrivate
}

// PartitionKey is the value the broker uses to keep one sender's messages on
// a single ordered lane.
func (m Message) PartitionKey() string {
	return m.Sender
}

// ConversationKey returns an order-independent key for a two-party
// conversation, so that (a, b) and (b, a) address the same history.
func ConversationKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "\x00" + b
}

// JoinContent is the content stamped on JOIN announcements.
func JoinContent(identity string) string {
	return identity + " joined the chat"
}

// LeaveContent is the content stamped on LEAVE announcements.
func LeaveContent(identity string) string {
	return identity + " left the chat"
}
