// Package protocol defines the WebSocket frames exchanged between chat
// clients and the relay. All frames are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatter/relay/internal/chat"
)

// Client -> Server message types.
const (
	TypeSendPublic  = "send_public"
	TypeSendPrivate = "send_private"
	TypeJoin        = "join"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeWelcome     = "welcome"
	TypeMessage     = "message"
	TypeSendFailed  = "send_failed"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by send_failed and error frames.
const (
	CodeMessageNotSent = "message_not_sent"
	CodeInvalidMessage = "invalid_message"
	CodeInvalidFrame   = "invalid_frame"
	CodeUnavailable    = "unavailable"
)

// ErrUnknownType is returned by ParseClientMessage for a type a client may
// not send.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// Envelope is the first decoding pass over a frame: the type discriminator
// plus the untouched bytes for the second pass.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of data and requires a non-empty "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("protocol: envelope: %w", err)
	}
	if head.Type == "" {
		return errors.New(`protocol: envelope: missing "type"`)
	}
	e.Type = head.Type
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// SendPublicMsg broadcasts content to the public room. Timestamp is accepted
// for compatibility but the server always stamps its own time.
type SendPublicMsg struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// SendPrivateMsg delivers content to a single recipient.
type SendPrivateMsg struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// JoinMsg announces the client in the public room.
type JoinMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// WelcomeMsg is sent once the connection is registered under an identity.
type WelcomeMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

// ServerChatMsg carries a relayed chat, join or leave event. Recipient is
// null for public events.
type ServerChatMsg struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Sender    string    `json:"sender"`
	Recipient *string   `json:"recipient"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
}

// SendFailedMsg tells the sender that an accepted message was not delivered.
type SendFailedMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// clientDecoders maps each client frame type to its payload decoder.
var clientDecoders = map[string]func(json.RawMessage) (interface{}, error){
	TypeSendPublic:  decodeAs[SendPublicMsg],
	TypeSendPrivate: decodeAs[SendPrivateMsg],
	TypeJoin:        decodeAs[JoinMsg],
	TypePing:        decodeAs[PingMsg],
}

func decodeAs[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	err := json.Unmarshal(raw, &m)
	return m, err
}

// ParseClientMessage decodes a client frame into its concrete struct, such as
// SendPublicMsg, and returns it with its type. Server-only and unknown types
// fail with ErrUnknownType; the type is still returned for logging.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: parse: %w", err)
	}
	decode, ok := clientDecoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg, err := decode(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a server frame and sets its "type" to
// msgType, whatever the payload's own Type field holds.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msgType, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: %s payload is not an object: %w", msgType, err)
	}
	fields["type"], _ = json.Marshal(msgType)
	return json.Marshal(fields)
}

// NewMessageFrame encodes a relayed chat event as a "message" frame.
func NewMessageFrame(msg chat.Message) ([]byte, error) {
	frame := ServerChatMsg{
		Type:    TypeMessage,
		ID:      msg.ID,
		Kind:    string(msg.Kind),
		Sender:  msg.Sender,
		Content: msg.Content,
		SentAt:  msg.SentAt.UTC(),
	}
	if !msg.IsPublic() {
		recipient := msg.Recipient
		frame.Recipient = &recipient
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode message %s: %w", msg.ID, err)
	}
	return out, nil
}

// NewSendFailedFrame reports that the message with the given id was not sent.
func NewSendFailedFrame(id, reason string) ([]byte, error) {
	return NewServerMessage(TypeSendFailed, SendFailedMsg{
		Code:    CodeMessageNotSent,
		ID:      id,
		Message: reason,
	})
}
