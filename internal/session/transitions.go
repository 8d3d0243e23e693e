package session

import "sync"

// transitions serializes registry updates per identity so a MarkOffline for
// a closing session cannot land after a MarkOnline for a newer one.
type transitions struct {
	mu    sync.Mutex
	locks map[string]*transitionLock
}

type transitionLock struct {
	sync.Mutex
	refs int
}

func newTransitions() *transitions {
	return &transitions{locks: make(map[string]*transitionLock)}
}

// lock blocks until identity's transition lock is held and returns the
// release func. Entries are dropped once no caller holds or waits on them.
func (t *transitions) lock(identity string) func() {
	t.mu.Lock()
	l, ok := t.locks[identity]
	if !ok {
		l = &transitionLock{}
		t.locks[identity] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, identity)
		}
		t.mu.Unlock()
	}
}
