package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"github.com/chatter/relay/internal/chat"
	"github.com/chatter/relay/internal/history"
	"github.com/chatter/relay/internal/messaging"
	"github.com/chatter/relay/internal/metrics"
	"github.com/chatter/relay/internal/protocol"
	"github.com/chatter/relay/internal/session"
)

// ErrPersistenceFailure is reported when a message could not be appended to
// history after every retry. Such messages are never delivered.
var ErrPersistenceFailure = errors.New("relay: persistence failure")

// State is the position of a consumed message in the delivery pipeline.
type State int

const (
	StateReceived State = iota
	StatePersisted
	StateResolved
	StateDelivered
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StatePersisted:
		return "persisted"
	case StateResolved:
		return "resolved"
	case StateDelivered:
		return "delivered"
	case StateDeadLettered:
		return "dead_lettered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateDeadLettered
}

// Outcome summarises what Process did with one delivery.
type Outcome struct {
	State     State
	Record    history.Record
	Duplicate bool // history already held the message
	Delivered int  // handles written successfully
	Evicted   int  // handles evicted after a failed write
	Err       error
}

// Stream yields consumed deliveries. Next returns
// messaging.ErrSubscriptionClosed once the stream is exhausted.
type Stream interface {
	Next() (messaging.Delivery, error)
}

// Directory resolves identities to this instance's live sessions.
type Directory interface {
	LocalHandlesFor(identity string) []*session.LocalSession
	All() []*session.LocalSession
	Evict(identity string, handle session.Handle) bool
}

// DeadLetterer records messages that could not be persisted.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg chat.Message, reason string) error
}

// RouterConfig holds the router's retry and delivery settings.
type RouterConfig struct {
	PersistAttempts uint64        // total history append attempts
	PersistInterval time.Duration // initial backoff between attempts
	InflightTimeout time.Duration // budget for finishing a message after shutdown starts
	EchoPrivate     bool          // deliver private messages to the sender's other sessions
}

// DefaultRouterConfig returns sensible production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PersistAttempts: 5,
		PersistInterval: 100 * time.Millisecond,
		InflightTimeout: 10 * time.Second,
		EchoPrivate:     true,
	}
}

// Router persists consumed messages and pushes them to local sessions.
type Router struct {
	store      history.Store
	sessions   Directory
	deadLetter DeadLetterer
	config     RouterConfig
}

// NewRouter creates a router. deadLetter may be nil, in which case failed
// messages are only logged and terminated.
func NewRouter(store history.Store, sessions Directory, deadLetter DeadLetterer, config RouterConfig) *Router {
	if config.PersistAttempts == 0 {
		config.PersistAttempts = 1
	}
	if config.InflightTimeout <= 0 {
		config.InflightTimeout = DefaultRouterConfig().InflightTimeout
	}
	return &Router{store: store, sessions: sessions, deadLetter: deadLetter, config: config}
}

// Process drives one delivery from Received to a terminal state: the message
// is appended to history, resolved to local sessions, written to each of
// them, and acknowledged. If it cannot be persisted it is dead-lettered and
// never delivered.
func (r *Router) Process(ctx context.Context, d messaging.Delivery) Outcome {
	msg := d.Message
	out := Outcome{State: StateReceived}

	rec, duplicate, err := r.persist(ctx, msg)
	if err != nil {
		out.State = StateDeadLettered
		out.Err = fmt.Errorf("%w: %s: %v", ErrPersistenceFailure, msg.ID, err)
		r.abandon(ctx, d, err)
		metrics.MessagesTotal.WithLabelValues(msg.Topic(), "dead_lettered").Inc()
		return out
	}
	out.State = StatePersisted
	out.Record = rec
	out.Duplicate = duplicate

	targets := r.resolve(msg)
	out.State = StateResolved

	if len(targets) > 0 {
		frame, err := protocol.NewMessageFrame(msg)
		if err != nil {
			// The record is stored; acking keeps the queue moving.
			log.Printf("[router] encode id=%s: %v", msg.ID, err)
		} else {
			out.Delivered, out.Evicted = r.deliver(targets, frame)
		}
	}

	if err := d.Ack(); err != nil {
		log.Printf("[router] ack id=%s: %v", msg.ID, err)
	}
	out.State = StateDelivered

	label := "delivered"
	if duplicate {
		label = "duplicate"
	}
	metrics.MessagesTotal.WithLabelValues(msg.Topic(), label).Inc()
	metrics.DeliveryLatency.Observe(time.Since(msg.SentAt).Seconds())
	return out
}

// persist appends msg with bounded exponential backoff. An existing record
// counts as success.
func (r *Router) persist(ctx context.Context, msg chat.Message) (history.Record, bool, error) {
	var (
		rec       history.Record
		duplicate bool
		attempt   int
	)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.config.PersistInterval
	eb.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.config.PersistAttempts-1), ctx)

	err := backoff.RetryNotify(func() error {
		attempt++
		if attempt > 1 {
			metrics.PersistRetries.Inc()
		}
		var err error
		rec, err = r.store.Append(ctx, msg)
		if errors.Is(err, history.ErrDuplicate) {
			duplicate = true
			return nil
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		log.Printf("[router] persist id=%s attempt=%d failed: %v (retrying in %s)", msg.ID, attempt, err, wait)
	})
	return rec, duplicate, err
}

// abandon dead-letters d, stops its redelivery, and tells the sender's local
// sessions that the message was not sent.
func (r *Router) abandon(ctx context.Context, d messaging.Delivery, cause error) {
	msg := d.Message
	log.Printf("[router] dead-lettering id=%s sender=%s topic=%s: %v", msg.ID, msg.Sender, msg.Topic(), cause)

	if r.deadLetter != nil {
		if err := r.deadLetter.DeadLetter(ctx, msg, cause.Error()); err != nil {
			log.Printf("[router] dead letter id=%s: %v", msg.ID, err)
		}
	}
	if err := d.Term(); err != nil {
		log.Printf("[router] term id=%s: %v", msg.ID, err)
	}

	frame, err := protocol.NewSendFailedFrame(msg.ID, "message could not be stored")
	if err != nil {
		log.Printf("[router] encode send_failed id=%s: %v", msg.ID, err)
		return
	}
	r.deliver(r.sessions.LocalHandlesFor(msg.Sender), frame)
}

// resolve returns the distinct live sessions that should receive msg.
func (r *Router) resolve(msg chat.Message) []*session.LocalSession {
	var targets []*session.LocalSession
	if msg.IsPublic() {
		targets = r.sessions.All()
	} else {
		targets = r.sessions.LocalHandlesFor(msg.Recipient)
		if r.config.EchoPrivate && msg.Sender != msg.Recipient {
			targets = append(targets, r.sessions.LocalHandlesFor(msg.Sender)...)
		}
	}
	return lo.UniqBy(targets, func(s *session.LocalSession) string {
		return s.Handle.ID()
	})
}

// deliver writes frame to every target. A failed write evicts that session
// and does not affect the others.
func (r *Router) deliver(targets []*session.LocalSession, frame []byte) (delivered, evicted int) {
	for _, s := range targets {
		if err := s.Handle.Send(frame); err != nil {
			log.Printf("[router] write to identity=%s conn=%s failed: %v", s.Identity, s.Handle.ID(), err)
			if r.sessions.Evict(s.Identity, s.Handle) {
				evicted++
			}
			continue
		}
		delivered++
	}
	return delivered, evicted
}

// Run consumes stream until it is closed. Each message runs to a terminal
// state under a context detached from ctx, so cancellation never interrupts
// a message between persistence and acknowledgement.
func (r *Router) Run(ctx context.Context, topic string, stream Stream) error {
	log.Printf("[router] worker started topic=%s", topic)
	defer log.Printf("[router] worker stopped topic=%s", topic)

	for {
		d, err := stream.Next()
		if errors.Is(err, messaging.ErrSubscriptionClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[router] topic=%s next: %v", topic, err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.InflightTimeout)
		out := r.Process(procCtx, d)
		cancel()

		if out.Err != nil {
			log.Printf("[router] id=%s state=%s: %v", d.Message.ID, out.State, out.Err)
			continue
		}
		log.Printf("[router] id=%s seq=%d state=%s delivered=%d evicted=%d duplicate=%v",
			d.Message.ID, out.Record.Seq, out.State, out.Delivered, out.Evicted, out.Duplicate)
	}
}
