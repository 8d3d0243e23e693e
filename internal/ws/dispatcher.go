package ws

import (
	"log"

	"github.com/chatter/relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SendPublicMsg, protocol.SendPrivateMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket frames to registered handlers
// based on the message type. It answers ping frames itself and sends
// structured error responses for malformed or unsupported frames.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] dispatch parse error conn=%s: %v", conn.ID(), err)
		sendError(conn, protocol.CodeInvalidFrame, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		sendFrame(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[ws] unsupported message type=%q conn=%s", msgType, conn.ID())
		sendError(conn, protocol.CodeInvalidFrame, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendFrame encodes and writes a server frame. Errors during construction or
// transmission are logged but not propagated.
func sendFrame(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[ws] failed to build %s frame conn=%s: %v", msgType, conn.ID(), err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("[ws] failed to send %s frame conn=%s: %v", msgType, conn.ID(), err)
	}
}

func sendError(conn *Connection, code, message string) {
	sendFrame(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
