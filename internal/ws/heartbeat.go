package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"

	"github.com/chatter/relay/internal/metrics"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to sweep and ping (default: 30s)
	Timeout  time.Duration // grace after a missed ping before a connection is idle (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat sweeps the connection table every Interval until the server
// shuts down.
func (s *Server) runHeartbeat() {
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep removes connections whose socket was closed by a failed write,
// removes connections silent for longer than Interval+Timeout, and sends a
// protocol-level ping to the rest. Browsers answer pings without any client
// code, and the pong counts as activity.
func (s *Server) sweep(now time.Time) {
	deadline := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout

	for _, c := range s.conns.All() {
		reason := ""
		switch idle := now.Sub(c.LastSeen()); {
		case c.closed.Load():
			reason = "broken"
		case idle > deadline:
			log.Printf("[ws] heartbeat timeout identity=%s conn=%s idle=%s",
				c.Identity, c.ID(), idle.Round(time.Second))
			reason = "idle"
		default:
			if err := c.WritePing(); err != nil {
				log.Printf("[ws] heartbeat ping failed conn=%s: %v", c.ID(), err)
				reason = "ping_failed"
			}
		}
		if reason != "" {
			metrics.Reaped.WithLabelValues(reason).Inc()
			s.RemoveConnection(c)
		}
	}
}

// WritePing sends a WebSocket ping frame, serialized with other writes.
func (c *Connection) WritePing() error {
	if c.closed.Load() {
		return ErrSendFailed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
