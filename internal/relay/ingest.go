// Package relay moves chat messages from senders to live recipients. The
// ingestion Service stamps and enqueues client submissions on the broker;
// the Router consumes them, persists each to history, and fans it out to the
// sessions held by this instance.
package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chatter/relay/internal/chat"
)

// Publisher enqueues a message on the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, partitionKey string, msg chat.Message) error
}

// Service is the ingestion entry point. Accepted messages get a fresh ID and
// the server's UTC time; client-supplied timestamps are ignored.
type Service struct {
	publisher Publisher
	now       func() time.Time
	newID     func() string
}

// NewService creates an ingestion service publishing through publisher.
func NewService(publisher Publisher) *Service {
	return &Service{
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (s *Service) submit(ctx context.Context, kind chat.Kind, sender, recipient, content string) (chat.Message, error) {
	msg := chat.Message{
		ID:        s.newID(),
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		SentAt:    s.now(),
	}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, err
	}

	if err := s.publisher.Publish(ctx, msg.Topic(), msg.PartitionKey(), msg); err != nil {
		return msg, fmt.Errorf("relay: publish %s: %w", msg.ID, err)
	}
	log.Printf("[ingest] accepted id=%s kind=%s sender=%s topic=%s", msg.ID, msg.Kind, msg.Sender, msg.Topic())
	return msg, nil
}

// SendPublic enqueues a public chat message from sender.
func (s *Service) SendPublic(ctx context.Context, sender, content string) (chat.Message, error) {
	return s.submit(ctx, chat.KindChat, sender, "", content)
}

// SendPrivate enqueues a private chat message from sender to recipient.
func (s *Service) SendPrivate(ctx context.Context, sender, recipient, content string) (chat.Message, error) {
	if recipient == "" {
		return chat.Message{}, fmt.Errorf("%w: missing recipient", chat.ErrInvalidMessage)
	}
	return s.submit(ctx, chat.KindChat, sender, recipient, content)
}

// Join announces identity in the public room.
func (s *Service) Join(ctx context.Context, identity string) (chat.Message, error) {
	return s.submit(ctx, chat.KindJoin, identity, "", chat.JoinContent(identity))
}

// Leave announces that identity left the public room.
func (s *Service) Leave(ctx context.Context, identity string) (chat.Message, error) {
	return s.submit(ctx, chat.KindLeave, identity, "", chat.LeaveContent(identity))
}
