package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/chatter/relay/internal/chat"
)

const (
	// DeadLetterTopic prefixes the subjects of messages that could not be
	// persisted.
	DeadLetterTopic = "dead-letter"

	// HeaderDeadLetterReason carries the failure reason on dead-lettered
	// messages.
	HeaderDeadLetterReason = "Chat-Dead-Letter-Reason"
)

// ErrBrokerUnavailable is returned when a message cannot be enqueued or a
// consumer cannot be created.
var ErrBrokerUnavailable = errors.New("messaging: broker unavailable")

// Config holds JetStream stream and consumer settings.
type Config struct {
	NATS            NATSConfig
	Stream          string
	MaxAge          time.Duration // retention of enqueued messages
	DuplicateWindow time.Duration // Nats-Msg-Id dedup window
	MaxAckPending   int           // in-flight messages per consumer
	AckWait         time.Duration
	PublishAttempts uint64 // publish retries beyond the first
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NATS:            DefaultNATSConfig(),
		Stream:          "CHAT_RELAY",
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
		MaxAckPending:   1,
		AckWait:         30 * time.Second,
		PublishAttempts: 3,
	}
}

// Broker publishes chat messages to JetStream and hands out durable
// subscriptions on them.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config Config
}

// NewBroker connects to NATS and ensures the relay stream exists.
func NewBroker(ctx context.Context, config Config) (*Broker, error) {
	nc, err := Connect(config.NATS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	b, err := NewBrokerFromConn(ctx, nc, config)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// NewBrokerFromConn creates a broker on an existing connection.
func NewBrokerFromConn(ctx context.Context, nc *nats.Conn, config Config) (*Broker, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%w: jetstream: %v", ErrBrokerUnavailable, err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: config.Stream,
		Subjects: []string{
			chat.TopicPublic + ".>",
			chat.TopicPrivate + ".>",
			DeadLetterTopic + ".>",
		},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     config.MaxAge,
		Duplicates: config.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: stream %s: %v", ErrBrokerUnavailable, config.Stream, err)
	}
	log.Printf("[broker] stream %s ready", config.Stream)

	return &Broker{nc: nc, js: js, stream: stream, config: config}, nil
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Subject returns the subject a message with the given topic and partition
// key is published on.
func Subject(topic, partitionKey string) string {
	return topic + "." + subjectToken(partitionKey)
}

func (b *Broker) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	return backoff.WithContext(backoff.WithMaxRetries(eb, b.config.PublishAttempts), ctx)
}

// Publish appends msg to topic under partitionKey. Transient failures are
// retried; a message already published with the same ID inside the
// duplicate window is acknowledged without being stored twice.
func (b *Broker) Publish(ctx context.Context, topic, partitionKey string, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: marshal message %s: %w", msg.ID, err)
	}
	subject := Subject(topic, partitionKey)

	err = backoff.RetryNotify(func() error {
		ack, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID))
		if err != nil {
			return err
		}
		if ack.Duplicate {
			log.Printf("[broker] duplicate publish id=%s subject=%s", msg.ID, subject)
		}
		return nil
	}, b.retryPolicy(ctx), func(err error, wait time.Duration) {
		log.Printf("[broker] publish id=%s subject=%s failed: %v (retrying in %s)", msg.ID, subject, err, wait)
	})
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, subject, err)
	}
	return nil
}

// DeadLetter publishes msg to the dead-letter subject of its topic with the
// failure reason attached.
func (b *Broker) DeadLetter(ctx context.Context, msg chat.Message, reason string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: marshal message %s: %w", msg.ID, err)
	}
	out := nats.NewMsg(Subject(DeadLetterTopic+"."+msg.Topic(), msg.PartitionKey()))
	out.Data = data
	out.Header.Set(HeaderDeadLetterReason, reason)

	if _, err := b.js.PublishMsg(ctx, out, jetstream.WithMsgID("dead-letter-"+msg.ID)); err != nil {
		return fmt.Errorf("%w: dead letter %s: %v", ErrBrokerUnavailable, msg.ID, err)
	}
	return nil
}

// ConsumerName returns the durable consumer name for a group on a topic.
func ConsumerName(topic, group string) string {
	return subjectToken(group) + "_" + subjectToken(topic)
}

// Subscribe attaches to the durable consumer for (topic, group), creating it
// if needed. An existing consumer resumes from its ack floor; a new one
// starts with messages published from now on. The subscription drains when
// ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, topic, group string) (*Subscription, error) {
	name := ConsumerName(topic, group)
	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: topic + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxAckPending: b.config.MaxAckPending,
		AckWait:       b.config.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: consumer %s: %v", ErrBrokerUnavailable, name, err)
	}

	iter, err := cons.Messages(jetstream.PullMaxMessages(max(b.config.MaxAckPending, 1)))
	if err != nil {
		return nil, fmt.Errorf("%w: consume %s: %v", ErrBrokerUnavailable, name, err)
	}
	log.Printf("[broker] subscribed consumer=%s filter=%s.>", name, topic)

	return newSubscription(ctx, name, iter), nil
}

// Check reports whether the NATS connection is usable.
func (b *Broker) Check(context.Context) error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("%w: connection %s", ErrBrokerUnavailable, status)
	}
	return nil
}

// Close drains the NATS connection.
func (b *Broker) Close() {
	if err := b.nc.Drain(); err != nil {
		log.Printf("[broker] connection drain: %v", err)
	}
	log.Printf("[broker] closed")
}
