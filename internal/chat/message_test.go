package chat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validMessage() Message {
	return Message{
		ID:      "0f0c3d52-0000-4000-8000-000000000001",
		Kind:    KindChat,
		Sender:  "alice",
		Content: "hi",
		SentAt:  time.Now().UTC(),
	}
}

func TestTopicFollowsScope(t *testing.T) {
	m := validMessage()
	if m.Topic() != TopicPublic {
		t.Errorf("public message topic = %q, want %q", m.Topic(), TopicPublic)
	}
	m.Recipient = "bob"
	if m.Topic() != TopicPrivate {
		t.Errorf("private message topic = %q, want %q", m.Topic(), TopicPrivate)
	}
	if m.PartitionKey() != "alice" {
		t.Errorf("partition key = %q, want sender", m.PartitionKey())
	}
}

func TestConversationKeySymmetric(t *testing.T) {
	if ConversationKey("alice", "bob") != ConversationKey("bob", "alice") {
		t.Fatal("conversation key must not depend on argument order")
	}
	if ConversationKey("ab", "c") == ConversationKey("a", "bc") {
		t.Fatal("conversation key must separate identities")
	}
}

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"simple", "hello", true},
		{"empty", "", false},
		{"max chars", strings.Repeat("a", MaxTextChars), true},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), false},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes/2+1), false},
		{"invalid utf8", string([]byte{0xff, 0xfe}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.input)
			if tt.ok && err != nil {
				t.Errorf("ValidateContent(%q) unexpected error: %v", tt.name, err)
			}
			if !tt.ok {
				if err == nil {
					t.Errorf("ValidateContent(%q) expected error", tt.name)
				} else if !errors.Is(err, ErrInvalidMessage) {
					t.Errorf("ValidateContent(%q) error %v does not wrap ErrInvalidMessage", tt.name, err)
				}
			}
		})
	}
}

func TestMessageValidate(t *testing.T) {
	if err := validMessage().Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	join := validMessage()
	join.Kind = KindJoin
	join.Recipient = "bob"
	if err := join.Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("addressed JOIN: expected ErrInvalidMessage, got %v", err)
	}

	unknown := validMessage()
	unknown.Kind = "IMAGE"
	if err := unknown.Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("unknown kind: expected ErrInvalidMessage, got %v", err)
	}

	noTime := validMessage()
	noTime.SentAt = time.Time{}
	if err := noTime.Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("zero timestamp: expected ErrInvalidMessage, got %v", err)
	}
}
