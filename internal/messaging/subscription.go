package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/chatter/relay/internal/chat"
)

// ErrSubscriptionClosed is returned by Next once the subscription has been
// drained or stopped.
var ErrSubscriptionClosed = errors.New("messaging: subscription closed")

// Delivery is one consumed message together with its acknowledgement
// controls. Exactly one of Ack or Term should be called.
type Delivery struct {
	Message chat.Message
	Subject string
	Attempt uint64 // 1 on first delivery

	ack  func() error
	term func() error
}

// NewDelivery builds a Delivery from explicit acknowledgement callbacks.
// Either callback may be nil.
func NewDelivery(msg chat.Message, attempt uint64, ack, term func() error) Delivery {
	return Delivery{Message: msg, Subject: Subject(msg.Topic(), msg.PartitionKey()), Attempt: attempt, ack: ack, term: term}
}

// Ack confirms the message was handled; it will not be redelivered.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Term stops redelivery without marking the message as handled.
func (d Delivery) Term() error {
	if d.term == nil {
		return nil
	}
	return d.term()
}

// Subscription is a lazy, restartable sequence of deliveries from one
// durable consumer.
type Subscription struct {
	name string
	iter jetstream.MessagesContext
	done chan struct{}
	once sync.Once
}

func newSubscription(ctx context.Context, name string, iter jetstream.MessagesContext) *Subscription {
	s := &Subscription{name: name, iter: iter, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			log.Printf("[broker] draining consumer=%s", name)
			iter.Drain()
		case <-s.done:
		}
	}()
	return s
}

// Next blocks until a message is available. Messages already buffered when
// the subscription starts draining are still returned; after that Next
// returns ErrSubscriptionClosed. Payloads that cannot be decoded are
// terminated and skipped.
func (s *Subscription) Next() (Delivery, error) {
	for {
		msg, err := s.iter.Next()
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return Delivery{}, ErrSubscriptionClosed
		}
		if err != nil {
			return Delivery{}, err
		}

		var m chat.Message
		if err := json.Unmarshal(msg.Data(), &m); err != nil {
			log.Printf("[broker] consumer=%s malformed payload on %s: %v (terminating)", s.name, msg.Subject(), err)
			msg.Term()
			continue
		}

		attempt := uint64(1)
		if meta, err := msg.Metadata(); err == nil {
			attempt = meta.NumDelivered
		}
		return Delivery{
			Message: m,
			Subject: msg.Subject(),
			Attempt: attempt,
			ack:     msg.Ack,
			term:    msg.Term,
		}, nil
	}
}

// Stop ends the subscription immediately without draining.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.iter.Stop()
	})
}
