package session

import (
	"context"
	"errors"
	"sync"
)

var errDown = errors.New("registry down")

type fakeHandle struct {
	id string

	mu      sync.Mutex
	sent    [][]byte
	fail    bool
	onClose []func()
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Send(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("broken pipe")
	}
	h.sent = append(h.sent, frame)
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

// fakePresence is an in-memory registry. failOnline and failOffline make the
// next n calls of that kind fail; a negative value fails forever.
type fakePresence struct {
	mu          sync.Mutex
	online      map[string]bool
	failOnline  int
	failOffline int
	calls       int
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]bool)}
}

func (p *fakePresence) MarkOnline(_ context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failOnline != 0 {
		if p.failOnline > 0 {
			p.failOnline--
		}
		return errDown
	}
	p.online[identity] = true
	return nil
}

func (p *fakePresence) MarkOffline(_ context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failOffline != 0 {
		if p.failOffline > 0 {
			p.failOffline--
		}
		return errDown
	}
	delete(p.online, identity)
	return nil
}

func (p *fakePresence) isOnline(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[identity]
}

func (p *fakePresence) set(fn func(p *fakePresence)) {
	p.mu.Lock()
	fn(p)
	p.mu.Unlock()
}

// gatedPresence blocks every MarkOffline until release is closed. entered is
// closed when the first MarkOffline arrives.
type gatedPresence struct {
	*fakePresence
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedPresence() *gatedPresence {
	return &gatedPresence{
		fakePresence: newFakePresence(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
}

func (g *gatedPresence) MarkOffline(ctx context.Context, identity string) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.fakePresence.MarkOffline(ctx, identity)
}
