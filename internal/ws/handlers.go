package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/chatter/relay/internal/chat"
	"github.com/chatter/relay/internal/protocol"
	"github.com/chatter/relay/internal/ratelimit"
	"github.com/chatter/relay/internal/session"
)

// Ingest accepts chat submissions on behalf of an authenticated identity.
type Ingest interface {
	SendPublic(ctx context.Context, sender, content string) (chat.Message, error)
	SendPrivate(ctx context.Context, sender, recipient, content string) (chat.Message, error)
	Join(ctx context.Context, identity string) (chat.Message, error)
}

// Sessions registers live connections under their identity.
type Sessions interface {
	Register(ctx context.Context, identity string, handle session.Handle) (bool, error)
}

// SendLimiter throttles chat submissions per identity.
type SendLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfterSeconds(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// ChatHandlers connects the WebSocket surface to the session manager and the
// ingestion service.
type ChatHandlers struct {
	sessions Sessions
	ingest   Ingest
	limiter  SendLimiter
	rule     ratelimit.Rule
	timeout  time.Duration
}

// NewChatHandlers creates the chat frame handlers. limiter may be nil.
func NewChatHandlers(sessions Sessions, ingest Ingest, limiter SendLimiter) *ChatHandlers {
	return &ChatHandlers{
		sessions: sessions,
		ingest:   ingest,
		limiter:  limiter,
		rule:     ratelimit.RuleSend,
		timeout:  10 * time.Second,
	}
}

// SetSendRule replaces the default per-identity send rule.
func (h *ChatHandlers) SetSendRule(rule ratelimit.Rule) {
	h.rule = rule
}

// Register installs the send_public, send_private and join handlers.
func (h *ChatHandlers) Register(d *MessageDispatcher) {
	d.Register(protocol.TypeSendPublic, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.SendPublicMsg)
		h.submit(conn, func(ctx context.Context) (chat.Message, error) {
			return h.ingest.SendPublic(ctx, conn.Identity, m.Content)
		})
	})
	d.Register(protocol.TypeSendPrivate, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.SendPrivateMsg)
		h.submit(conn, func(ctx context.Context) (chat.Message, error) {
			return h.ingest.SendPrivate(ctx, conn.Identity, m.Recipient, m.Content)
		})
	})
	d.Register(protocol.TypeJoin, func(conn *Connection, _ interface{}) {
		if !conn.MarkAnnounced() {
			return
		}
		h.announce(conn)
	})
}

// OnConnect registers conn with the session manager. The first local session
// of an identity announces it in the public room.
func (h *ChatHandlers) OnConnect(conn *Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	first, err := h.sessions.Register(ctx, conn.Identity, conn)
	if err != nil {
		return err
	}
	if first && conn.MarkAnnounced() {
		h.announce(conn)
	}
	return nil
}

func (h *ChatHandlers) announce(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if _, err := h.ingest.Join(ctx, conn.Identity); err != nil {
		log.Printf("[ws] join announcement identity=%s: %v", conn.Identity, err)
	}
}

func (h *ChatHandlers) submit(conn *Connection, send func(ctx context.Context) (chat.Message, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, conn.Identity, h.rule)
		if err != nil {
			log.Printf("[ws] send limiter error identity=%s: %v", conn.Identity, err)
		}
		if !allowed {
			sendFrame(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: h.limiter.RetryAfterSeconds(ctx, conn.Identity, h.rule),
			})
			return
		}
	}

	msg, err := send(ctx)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrInvalidMessage):
		sendError(conn, protocol.CodeInvalidMessage, err.Error())
	default:
		log.Printf("[ws] submit identity=%s id=%s: %v", conn.Identity, msg.ID, err)
		frame, ferr := protocol.NewSendFailedFrame(msg.ID, "message could not be queued")
		if ferr != nil {
			log.Printf("[ws] failed to build send_failed conn=%s: %v", conn.ID(), ferr)
			return
		}
		if serr := conn.Send(frame); serr != nil {
			log.Printf("[ws] failed to send send_failed conn=%s: %v", conn.ID(), serr)
		}
	}
}
