// Package loadtest provides a simulated relay user for load testing. A
// Client logs in over the HTTP API, connects with gobwas/ws (the same
// library the server uses), waits for the welcome frame, and tracks
// per-connection performance data.
package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chatter/relay/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until welcome
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connected to the relay.
type Client struct {
	identity string
	conn     net.Conn
	reader   io.Reader

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	welcomed chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Token registers username (ignoring an existing account) and logs in,
// returning a bearer token. baseURL is the relay's HTTP root.
func Token(ctx context.Context, httpClient *http.Client, baseURL, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}

	resp, err := post(ctx, httpClient, baseURL+"/api/auth/register", body)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", username, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return "", fmt.Errorf("register %s: status %d", username, resp.StatusCode)
	}

	resp, err = post(ctx, httpClient, baseURL+"/api/auth/login", body)
	if err != nil {
		return "", fmt.Errorf("login %s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("login %s: decode: %w", username, err)
	}
	return out.Token, nil
}

func post(ctx context.Context, httpClient *http.Client, target string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return httpClient.Do(req)
}

// Dial connects to the relay's WebSocket endpoint with token. The read loop
// starts immediately; handlers registered with On before the first frame
// arrives see every frame after the welcome.
func Dial(ctx context.Context, wsURL, token string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		reader:   conn,
		handlers: make(map[string]func(json.RawMessage)),
		welcomed: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if br != nil {
		c.reader = br
	}

	go c.readLoop()

	select {
	case <-c.welcomed:
	case <-c.done:
		c.Close()
		return nil, errors.New("connection closed before welcome")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	c.mu.Lock()
	c.metrics.ConnectLatency = time.Since(start)
	c.mu.Unlock()
	return c, nil
}

// Identity returns the identity the server welcomed this client as.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// On registers a handler for a server frame type. Handlers run on the read
// loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// SendPublic sends a send_public frame.
func (c *Client) SendPublic(content string) error {
	return c.send(protocol.SendPublicMsg{Type: protocol.TypeSendPublic, Content: content})
}

// SendPrivate sends a send_private frame.
func (c *Client) SendPrivate(recipient, content string) error {
	return c.send(protocol.SendPrivateMsg{Type: protocol.TypeSendPrivate, Recipient: recipient, Content: content})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer close(c.done)
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, c.conn}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env struct {
			Type     string `json:"type"`
			Identity string `json:"identity"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if env.Type == protocol.TypeWelcome {
			c.mu.Lock()
			c.identity = env.Identity
			c.mu.Unlock()
			close(c.welcomed)
			continue
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
