// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP connections, maintaining the live connection table, and
// dispatching incoming frames to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/chatter/relay/internal/metrics"
	"github.com/chatter/relay/internal/protocol"
	"github.com/chatter/relay/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
	ConnectRule    ratelimit.Rule // per-IP upgrade throttle, used with SetConnectLimiter
}

// pollInterval bounds how long the event loop blocks before rechecking for
// shutdown.
const pollInterval = 200 * time.Millisecond

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
		ConnectRule:    ratelimit.RuleConnect,
	}
}

// TokenVerifier resolves a bearer token to the identity it was issued for.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// ConnectLimiter throttles connection attempts per remote address.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfterSeconds(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Server is the WebSocket server built on gobwas/ws and a readiness poller
// (epoll on linux). It authenticates and upgrades HTTP connections, registers
// them with the poller, and dispatches ready connections to a bounded worker
// pool for frame reading.
type Server struct {
	config     ServerConfig
	verifier   TokenVerifier
	limiter    ConnectLimiter
	poller     *poller
	conns      *ConnectionManager
	workerPool chan struct{}                       // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	onConnect  func(conn *Connection) error        // called once the welcome frame is sent
	checks     map[string]HealthCheck
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, token verifier,
// and message callback. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, verifier TokenVerifier, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.ConnectRule.Limit <= 0 {
		config.ConnectRule = ratelimit.RuleConnect
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	s := &Server{
		config:     config,
		verifier:   verifier,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		checks:     make(map[string]HealthCheck),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetConnectLimiter enables per-IP throttling of upgrade requests.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and welcomed. A returned error closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// AddHealthCheck includes a named dependency check in /health. It must be
// called before the server starts.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Handle mounts an additional HTTP handler next to /ws and /health.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's HTTP handler. Init must have been called.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Init creates the poller and starts the event loop and heartbeat.
// Start calls it; tests that serve Handler themselves call it directly.
func (s *Server) Init() error {
	var err error
	s.poller, err = newPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	go s.runHeartbeat()
	return nil
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting WebSocket connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	if err := s.Init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	log.Printf("[ws] server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// bearerToken extracts the connect token from the "token" query parameter or
// an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleUpgrade verifies the caller's token, upgrades the HTTP request to a
// WebSocket connection, registers it with the connection manager and the
// poller, and sends the welcome frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		metrics.ConnectRejections.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := remoteIP(r)
		allowed, err := s.limiter.Allow(r.Context(), ip, s.config.ConnectRule)
		if err != nil {
			log.Printf("[ws] connect limiter error ip=%s: %v", ip, err)
		}
		if !allowed {
			retry := s.limiter.RetryAfterSeconds(r.Context(), ip, s.config.ConnectRule)
			metrics.ConnectRejections.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	identity, err := s.verifier.VerifyToken(bearerToken(r))
	if err != nil {
		log.Printf("[ws] rejected connect from %s: %v", remoteIP(r), err)
		metrics.ConnectRejections.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed identity=%s: %v", identity, err)
		return
	}

	c := newConnection(uuid.NewString(), identity, conn, s.config.WriteTimeout)

	s.conns.Add(c)
	if err := s.poller.add(c); err != nil {
		log.Printf("[ws] poller add failed conn=%s: %v", c.ID(), err)
		s.conns.Remove(c.ID())
		return
	}
	metrics.Connections.Set(float64(s.conns.Count()))

	welcome, err := protocol.NewServerMessage(protocol.TypeWelcome, protocol.WelcomeMsg{Identity: identity})
	if err != nil {
		log.Printf("[ws] failed to build welcome conn=%s: %v", c.ID(), err)
	} else if err := c.Send(welcome); err != nil {
		log.Printf("[ws] failed to send welcome conn=%s: %v", c.ID(), err)
		s.RemoveConnection(c)
		return
	}

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Printf("[ws] connect rejected identity=%s conn=%s: %v", identity, c.ID(), err)
			metrics.ConnectRejections.WithLabelValues("unavailable").Inc()
			if frame, ferr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code:    protocol.CodeUnavailable,
				Message: "presence registry unavailable, try again later",
			}); ferr == nil {
				_ = c.Send(frame)
			}
			s.RemoveConnection(c)
			return
		}
	}

	log.Printf("[ws] new connection identity=%s conn=%s fd=%d (total=%d)", identity, c.ID(), c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health as JSON: connection count,
// uptime and the result of each dependency check. Any failing check turns the
// status to "degraded" with a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	resp := struct {
		Status      string            `json:"status"`
		Connections int               `json:"connections"`
		Uptime      string            `json:"uptime"`
		Checks      map[string]string `json:"checks,omitempty"`
	}{
		Status:      status,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Checks:      checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits on the poller and hands each ready connection to a
// worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.wait(pollInterval)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !interrupted(err) {
				log.Printf("[ws] poller wait error: %v", err)
			}
			continue
		}

		for _, c := range ready {
			// Level-triggered readiness fires again while a worker still
			// owns the connection.
			if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
				continue
			}
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				defer s.poller.rearm(c)
				defer atomic.StoreInt32(&c.processing, 0)
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed.
func (s *Server) handleConn(c *Connection) {
	if s.conns.Get(c.ID()) == nil {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.in, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale; the heartbeat reaps
		// connections that are really dead.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both the poller and the connection
// manager, closes the underlying network connection, and runs the
// connection's close hooks. It is safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.remove(c)

	// Only the caller that actually removed the connection runs the hooks.
	if !s.conns.Remove(c.ID()) {
		return
	}
	metrics.Connections.Set(float64(s.conns.Count()))

	c.fireClose()

	log.Printf("[ws] connection closed identity=%s conn=%s (total=%d)", c.Identity, c.ID(), s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections
// (running their close hooks), and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[ws] shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[ws] http shutdown error: %v", err)
		}
	}

	if s.poller != nil {
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = s.poller.close()
	}

	log.Printf("[ws] server stopped, all connections closed")
	return nil
}
