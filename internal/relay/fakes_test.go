package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/chatter/relay/internal/chat"
	"github.com/chatter/relay/internal/history"
	"github.com/chatter/relay/internal/messaging"
	"github.com/chatter/relay/internal/protocol"
)

type nopPresence struct{}

func (nopPresence) MarkOnline(context.Context, string) error  { return nil }
func (nopPresence) MarkOffline(context.Context, string) error { return nil }

type fakeHandle struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	broken  bool
	onClose []func()
}

func newFakeHandle(id string) *fakeHandle { return &fakeHandle{id: id} }

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Send(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broken {
		return errors.New("connection reset")
	}
	h.frames = append(h.frames, frame)
	return nil
}

func (h *fakeHandle) OnClose(fn func()) {
	h.mu.Lock()
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	fns := h.onClose
	h.onClose = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (h *fakeHandle) breakConn() {
	h.mu.Lock()
	h.broken = true
	h.mu.Unlock()
}

// messages decodes the "message" frames received so far.
func (h *fakeHandle) messages() []protocol.ServerChatMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.ServerChatMsg
	for _, f := range h.frames {
		var m protocol.ServerChatMsg
		if json.Unmarshal(f, &m) == nil && m.Type == protocol.TypeMessage {
			out = append(out, m)
		}
	}
	return out
}

// failures decodes the "send_failed" frames received so far.
func (h *fakeHandle) failures() []protocol.SendFailedMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.SendFailedMsg
	for _, f := range h.frames {
		var m protocol.SendFailedMsg
		if json.Unmarshal(f, &m) == nil && m.Type == protocol.TypeSendFailed {
			out = append(out, m)
		}
	}
	return out
}

// ackTracker counts acknowledgements of in-memory deliveries.
type ackTracker struct {
	mu    sync.Mutex
	acked map[string]int
	termd map[string]int
}

func newAckTracker() *ackTracker {
	return &ackTracker{acked: map[string]int{}, termd: map[string]int{}}
}

func (a *ackTracker) delivery(msg chat.Message) messaging.Delivery {
	return messaging.NewDelivery(msg, 1,
		func() error { a.mu.Lock(); a.acked[msg.ID]++; a.mu.Unlock(); return nil },
		func() error { a.mu.Lock(); a.termd[msg.ID]++; a.mu.Unlock(); return nil })
}

func (a *ackTracker) counts(id string) (acked, termed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked[id], a.termd[id]
}

// loopback is an in-memory broker: Publish turns each message into a
// delivery on a buffered channel that doubles as the router's Stream.
type loopback struct {
	acks *ackTracker
	ch   chan messaging.Delivery
}

func newLoopback(size int) *loopback {
	return &loopback{acks: newAckTracker(), ch: make(chan messaging.Delivery, size)}
}

func (l *loopback) Publish(_ context.Context, _, _ string, msg chat.Message) error {
	l.ch <- l.acks.delivery(msg)
	return nil
}

func (l *loopback) Next() (messaging.Delivery, error) {
	d, ok := <-l.ch
	if !ok {
		return messaging.Delivery{}, messaging.ErrSubscriptionClosed
	}
	return d, nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, string, chat.Message) error {
	return messaging.ErrBrokerUnavailable
}

// flakyStore fails the next failures appends; a negative count fails forever.
type flakyStore struct {
	*history.MemoryStore

	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Append(ctx context.Context, msg chat.Message) (history.Record, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures != 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return history.Record{}, errors.New("connection refused")
	}
	return s.MemoryStore.Append(ctx, msg)
}

type recordingDeadLetter struct {
	mu      sync.Mutex
	reasons map[string]string
}

func (r *recordingDeadLetter) DeadLetter(_ context.Context, msg chat.Message, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reasons == nil {
		r.reasons = map[string]string{}
	}
	r.reasons[msg.ID] = reason
	return nil
}
