// Package session tracks the live connections held by this relay instance.
// It maps each online identity to its local transport handles (one per
// device) and keeps the shared presence registry in step with that table.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"github.com/chatter/relay/internal/metrics"
)

// Handle is a live, bidirectional transport endpoint for one session.
type Handle interface {
	// ID uniquely identifies the underlying connection.
	ID() string
	// Send writes one encoded frame. It fails once the connection is closed
	// or broken.
	Send(frame []byte) error
	// OnClose registers fn to run once when the connection closes.
	OnClose(fn func())
}

// Presence is the subset of the presence registry the manager drives.
type Presence interface {
	MarkOnline(ctx context.Context, identity string) error
	MarkOffline(ctx context.Context, identity string) error
}

// LocalSession is one registered handle of an identity on this instance.
type LocalSession struct {
	Identity string
	Handle   Handle
	JoinedAt time.Time

	stale atomic.Bool
}

// Stale reports whether the session was evicted after a failed write.
func (s *LocalSession) Stale() bool {
	return s.stale.Load()
}

// Config holds the tunable retry and sweep parameters.
type Config struct {
	RetryAttempts   uint64        // registry attempts beyond the first
	RetryInterval   time.Duration // initial backoff interval
	SweepInterval   time.Duration
	RegistryTimeout time.Duration // bound for a single sweep pass
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:   3,
		RetryInterval:   100 * time.Millisecond,
		SweepInterval:   30 * time.Second,
		RegistryTimeout: 10 * time.Second,
	}
}

// Manager is the per-instance session table. A single RWMutex guards it and
// is never held across registry calls or writes to a handle. Registry
// transitions of one identity are serialized by a separate per-identity lock.
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string][]*LocalSession // identity -> live sessions
	pendingOffline map[string]struct{}        // identities whose MarkOffline failed
	transitions    *transitions

	presence Presence
	config   Config
	onLast   func(identity string)
}

// NewManager creates an empty session table backed by presence.
func NewManager(presence Presence, config Config) *Manager {
	defaults := DefaultConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.RegistryTimeout <= 0 {
		config.RegistryTimeout = defaults.RegistryTimeout
	}
	return &Manager{
		sessions:       make(map[string][]*LocalSession),
		pendingOffline: make(map[string]struct{}),
		transitions:    newTransitions(),
		presence:       presence,
		config:         config,
	}
}

// SetOnLastSession sets a callback invoked after the last local session of
// an identity is unregistered. It must be set before the first Register.
func (m *Manager) SetOnLastSession(fn func(identity string)) {
	m.onLast = fn
}

func (m *Manager) retry(ctx context.Context, op string, identity string, fn func(context.Context, string) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.config.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.config.RetryAttempts), ctx)

	return backoff.RetryNotify(func() error {
		return fn(ctx, identity)
	}, policy, func(err error, wait time.Duration) {
		metrics.RegistryErrors.Inc()
		log.Printf("[session] %s identity=%s failed: %v (retrying in %s)", op, identity, err, wait)
	})
}

// Register marks identity online and records handle as one of its local
// sessions. If the registry cannot be updated the session is not recorded
// and the error is returned so the transport can reject the connection.
// first reports whether this is the identity's only local session.
func (m *Manager) Register(ctx context.Context, identity string, handle Handle) (first bool, err error) {
	unlock := m.transitions.lock(identity)
	if err := m.retry(ctx, "mark online", identity, m.presence.MarkOnline); err != nil {
		unlock()
		metrics.RegistryErrors.Inc()
		return false, fmt.Errorf("session: register %s: %w", identity, err)
	}

	sess := &LocalSession{Identity: identity, Handle: handle, JoinedAt: time.Now().UTC()}

	m.mu.Lock()
	first = len(m.sessions[identity]) == 0
	m.sessions[identity] = append(m.sessions[identity], sess)
	delete(m.pendingOffline, identity)
	m.updateGaugesLocked()
	m.mu.Unlock()
	unlock()

	handle.OnClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.RegistryTimeout)
		defer cancel()
		if _, err := m.Unregister(ctx, identity, handle); err != nil {
			log.Printf("[session] unregister identity=%s conn=%s: %v", identity, handle.ID(), err)
		}
	})

	log.Printf("[session] registered identity=%s conn=%s first=%v", identity, handle.ID(), first)
	return first, nil
}

// Unregister removes handle from identity's sessions. When no local session
// of the identity remains it is marked offline, even if another instance
// still serves it; the periodic sweep on that instance marks it online
// again. A failed MarkOffline is queued for the sweep and returned. The
// last-session callback runs before a concurrent Register of the same
// identity reaches the registry. Calling Unregister for an unknown handle is
// a no-op.
func (m *Manager) Unregister(ctx context.Context, identity string, handle Handle) (last bool, err error) {
	unlock := m.transitions.lock(identity)
	defer unlock()

	m.mu.Lock()
	list := m.sessions[identity]
	idx := -1
	for i, s := range list {
		if s.Handle == handle {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false, nil
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(m.sessions, identity)
		last = true
	} else {
		m.sessions[identity] = list
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	log.Printf("[session] unregistered identity=%s conn=%s last=%v", identity, handle.ID(), last)
	if !last {
		return false, nil
	}

	if err = m.retry(ctx, "mark offline", identity, m.presence.MarkOffline); err != nil {
		metrics.RegistryErrors.Inc()
		m.mu.Lock()
		m.pendingOffline[identity] = struct{}{}
		m.updateGaugesLocked()
		m.mu.Unlock()
		err = fmt.Errorf("session: unregister %s: %w", identity, err)
	}

	if m.onLast != nil {
		m.onLast(identity)
	}
	return true, err
}

// Evict marks handle's session stale after a failed write so it is excluded
// from further delivery. Presence is left untouched; the session is removed
// when the transport closes. Returns false if the session is unknown.
func (m *Manager) Evict(identity string, handle Handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions[identity] {
		if s.Handle == handle {
			if s.stale.CompareAndSwap(false, true) {
				metrics.Evictions.Inc()
				log.Printf("[session] evicted identity=%s conn=%s", identity, handle.ID())
			}
			return true
		}
	}
	return false
}

// LocalHandlesFor returns a snapshot of identity's live sessions.
func (m *Manager) LocalHandlesFor(identity string) []*LocalSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.Filter(m.sessions[identity], func(s *LocalSession, _ int) bool {
		return !s.Stale()
	})
}

// All returns a snapshot of every live local session.
func (m *Manager) All() []*LocalSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*LocalSession
	for _, list := range m.sessions {
		for _, s := range list {
			if !s.Stale() {
				all = append(all, s)
			}
		}
	}
	return all
}

// Identities returns the sorted identities with at least one local session.
func (m *Manager) Identities() []string {
	m.mu.RLock()
	ids := lo.Keys(m.sessions)
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of registered local sessions, stale included.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.SumBy(lo.Values(m.sessions), func(list []*LocalSession) int {
		return len(list)
	})
}

func (m *Manager) updateGaugesLocked() {
	metrics.LocalIdentities.Set(float64(len(m.sessions)))
	metrics.PendingOffline.Set(float64(len(m.pendingOffline)))
}

// Sweep reconciles the presence registry with the local table: every local
// identity is marked online again and pending offline marks are retried for
// identities that still have no local session.
func (m *Manager) Sweep(ctx context.Context) error {
	m.mu.RLock()
	online := lo.Keys(m.sessions)
	pending := lo.Keys(m.pendingOffline)
	m.mu.RUnlock()

	var errs []error
	for _, identity := range online {
		if err := m.sweepOnline(ctx, identity); err != nil {
			metrics.RegistryErrors.Inc()
			errs = append(errs, err)
		}
	}
	for _, identity := range pending {
		if err := m.sweepOffline(ctx, identity); err != nil {
			metrics.RegistryErrors.Inc()
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("session: sweep: %w", errors.Join(errs...))
	}
	return nil
}

func (m *Manager) sweepOnline(ctx context.Context, identity string) error {
	unlock := m.transitions.lock(identity)
	defer unlock()

	if !m.hasLocal(identity) {
		return nil
	}
	return m.presence.MarkOnline(ctx, identity)
}

func (m *Manager) sweepOffline(ctx context.Context, identity string) error {
	unlock := m.transitions.lock(identity)
	defer unlock()

	if m.hasLocal(identity) {
		return nil
	}
	if err := m.presence.MarkOffline(ctx, identity); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.pendingOffline, identity)
	m.updateGaugesLocked()
	m.mu.Unlock()
	return nil
}

func (m *Manager) hasLocal(identity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[identity]
	return ok
}

// PendingOffline returns the identities waiting for a successful MarkOffline.
func (m *Manager) PendingOffline() []string {
	m.mu.RLock()
	ids := lo.Keys(m.pendingOffline)
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.config.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[session] presence sweep started (interval=%s)", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[session] presence sweep stopped")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, m.config.RegistryTimeout)
			if err := m.Sweep(sweepCtx); err != nil {
				log.Printf("[session] %v", err)
			}
			if pending := m.PendingOffline(); len(pending) > 0 {
				log.Printf("[session] %d identities still pending offline: %v", len(pending), pending)
			}
			cancel()
		}
	}
}
