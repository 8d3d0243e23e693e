//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// poller multiplexes reads over every live connection with a single epoll
// instance, so idle sockets cost a map entry instead of a goroutine.
type poller struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		byFd:   make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// add registers c for read, hangup and peer-shutdown readiness.
func (p *poller) add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.byFd[c.Fd] = c
	p.mu.Unlock()
	return nil
}

// remove drops c from the interest list. A closed socket's fd may already
// belong to a newer connection, so only the current owner is deregistered.
// The kernel forgets closed descriptors itself, so EBADF and ENOENT are not
// errors here.
func (p *poller) remove(c *Connection) error {
	p.mu.Lock()
	owned := p.byFd[c.Fd] == c
	if owned {
		delete(p.byFd, c.Fd)
	}
	p.mu.Unlock()
	if !owned {
		return nil
	}

	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

// wait blocks for at most timeout and returns the connections with pending
// input. An empty result means the timeout elapsed.
func (p *poller) wait(timeout time.Duration) ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, int(timeout.Milliseconds()))
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]*Connection, 0, n)
	for _, ev := range p.events[:n] {
		if c, ok := p.byFd[int(ev.Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// rearm is a no-op: epoll is level-triggered, unread input fires again.
func (p *poller) rearm(*Connection) {}

func (p *poller) close() error {
	p.mu.Lock()
	p.byFd = make(map[int]*Connection)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

func interrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// socketFD returns the descriptor behind conn without dup'ing it, which
// File() would do.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
