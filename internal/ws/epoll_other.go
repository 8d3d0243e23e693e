//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// poller is the portable stand-in for epoll. Each connection gets a monitor
// goroutine that peeks its buffered reader, so no frame bytes are consumed
// before the read worker runs. After reporting readiness a monitor parks
// until the worker calls rearm.
type poller struct {
	mu     sync.Mutex
	armed  map[*Connection]chan struct{}
	ready  chan *Connection
	done   chan struct{}
	closer sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		armed: make(map[*Connection]chan struct{}),
		ready: make(chan *Connection, 128),
		done:  make(chan struct{}),
	}, nil
}

func (p *poller) add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.in = br
	rearm := make(chan struct{}, 1)

	p.mu.Lock()
	p.armed[c] = rearm
	p.mu.Unlock()

	go p.monitor(c, br, rearm)
	return nil
}

func (p *poller) monitor(c *Connection, br *bufio.Reader, rearm chan struct{}) {
	for {
		_, err := br.Peek(1)
		select {
		case p.ready <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *poller) remove(c *Connection) error {
	p.mu.Lock()
	if rearm, ok := p.armed[c]; ok {
		delete(p.armed, c)
		close(rearm)
	}
	p.mu.Unlock()
	return nil
}

func (p *poller) rearm(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rearm, ok := p.armed[c]; ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
}

// wait returns every connection reported ready, blocking for at most timeout.
func (p *poller) wait(timeout time.Duration) ([]*Connection, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first *Connection
	select {
	case first = <-p.ready:
	case <-timer.C:
		return nil, nil
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-p.ready:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

func (p *poller) close() error {
	p.closer.Do(func() { close(p.done) })
	return nil
}

func interrupted(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
