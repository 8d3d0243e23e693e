package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/chatter/relay/internal/chat"
	"github.com/chatter/relay/internal/messaging"
	"github.com/chatter/relay/internal/protocol"
	"github.com/chatter/relay/internal/ratelimit"
	"github.com/chatter/relay/internal/session"
)

type fakeVerifier map[string]string

func (f fakeVerifier) VerifyToken(token string) (string, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return "", errors.New("invalid token")
}

type fakeLimiter struct {
	allow bool
}

func (f fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return f.allow, nil
}
func (f fakeLimiter) RetryAfterSeconds(context.Context, string, ratelimit.Rule) int { return 7 }

type fakeSessions struct {
	mu      sync.Mutex
	err     error
	handles []session.Handle
	closed  chan string
}

func (f *fakeSessions) Register(_ context.Context, identity string, handle session.Handle) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	first := len(f.handles) == 0
	f.handles = append(f.handles, handle)
	f.mu.Unlock()
	handle.OnClose(func() { f.closed <- identity })
	return first, nil
}

type fakeIngest struct {
	mu    sync.Mutex
	fail  error
	calls []string
}

func (f *fakeIngest) record(call string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return chat.Message{ID: "m-1"}, f.fail
}

func (f *fakeIngest) SendPublic(_ context.Context, sender, content string) (chat.Message, error) {
	return f.record("public:" + sender + ":" + content)
}

func (f *fakeIngest) SendPrivate(_ context.Context, sender, recipient, content string) (chat.Message, error) {
	if content == "" {
		return chat.Message{}, chat.ErrInvalidMessage
	}
	return f.record("private:" + sender + ">" + recipient + ":" + content)
}

func (f *fakeIngest) Join(_ context.Context, identity string) (chat.Message, error) {
	return f.record("join:" + identity)
}

func (f *fakeIngest) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testServer struct {
	srv      *Server
	http     *httptest.Server
	sessions *fakeSessions
	ingest   *fakeIngest
}

func newTestServer(t *testing.T, limiter SendLimiter) *testServer {
	t.Helper()
	ts := &testServer{
		sessions: &fakeSessions{closed: make(chan string, 8)},
		ingest:   &fakeIngest{},
	}
	dispatcher := NewMessageDispatcher()
	handlers := NewChatHandlers(ts.sessions, ts.ingest, limiter)
	handlers.Register(dispatcher)

	config := DefaultServerConfig()
	config.ReadTimeout = time.Second
	ts.srv = NewServer(config, fakeVerifier{"t-alice": "alice", "t-bob": "bob"}, dispatcher.Dispatch)
	ts.srv.SetOnConnect(handlers.OnConnect)
	require.NoError(t, ts.srv.Init())

	ts.http = httptest.NewServer(ts.srv.Handler())
	t.Cleanup(func() {
		ts.http.Close()
		_ = ts.srv.Shutdown(context.Background())
	})
	return ts
}

type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func (ts *testServer) dial(t *testing.T, token string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws?token=" + token
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &client{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *client) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientText(c.conn, []byte(frame)))
}

func (c *client) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(c.t, err)
	var m map[string]any
	require.NoError(c.t, json.Unmarshal(data, &m))
	return m
}

func Test_Upgrade_Requires_Valid_Token(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)

	for _, url := range []string{"/ws", "/ws?token=forged"} {
		resp, err := http.Get(ts.http.URL + url)
		req.NoError(err)
		resp.Body.Close()
		req.Equal(http.StatusUnauthorized, resp.StatusCode)
	}
}

func Test_Upgrade_Is_Rate_Limited_Per_IP(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)
	ts.srv.SetConnectLimiter(fakeLimiter{allow: false})

	resp, err := http.Get(ts.http.URL + "/ws?token=t-alice")
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusTooManyRequests, resp.StatusCode)
	req.Equal("7", resp.Header.Get("Retry-After"))
}

func Test_Health_Reports_Connections(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/health")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&body))
	req.Equal("ok", body.Status)
	req.Zero(body.Connections)
}

func Test_Health_Degrades_On_Failing_Check(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)
	ts.srv.AddHealthCheck("broker", func(context.Context) error { return nil })
	ts.srv.AddHealthCheck("registry", func(context.Context) error { return errors.New("redis down") })

	resp, err := http.Get(ts.http.URL + "/health")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&body))
	req.Equal("degraded", body.Status)
	req.Equal(map[string]string{"broker": "ok", "registry": "redis down"}, body.Checks)
}

func Test_Connection_Lifecycle(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)
	alice := ts.dial(t, "t-alice")

	welcome := alice.read()
	req.Equal(protocol.TypeWelcome, welcome["type"])
	req.Equal("alice", welcome["identity"])

	alice.send(`{"type":"ping"}`)
	req.Equal(protocol.TypePong, alice.read()["type"])

	alice.send(`{"type":"send_public","content":"hi","timestamp":"2020-01-01T00:00:00Z"}`)
	alice.send(`{"type":"send_private","recipient":"bob","content":"psst"}`)
	alice.send(`{"type":"join"}`)
	alice.send(`{"type":"ping"}`)
	req.Equal(protocol.TypePong, alice.read()["type"])

	req.ElementsMatch([]string{"join:alice", "public:alice:hi", "private:alice>bob:psst"}, ts.ingest.seen())
	req.Equal(1, ts.srv.Connections().Count())

	alice.conn.Close()
	select {
	case identity := <-ts.sessions.closed:
		req.Equal("alice", identity)
	case <-time.After(3 * time.Second):
		t.Fatal("close hook did not run")
	}
	req.Eventually(func() bool { return ts.srv.Connections().Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func Test_Bad_Frames_Get_Error_Replies(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)
	alice := ts.dial(t, "t-alice")
	alice.read()

	alice.send(`not json`)
	m := alice.read()
	req.Equal(protocol.TypeError, m["type"])
	req.Equal(protocol.CodeInvalidFrame, m["code"])

	alice.send(`{"type":"welcome"}`)
	req.Equal(protocol.CodeInvalidFrame, alice.read()["code"])

	alice.send(`{"type":"send_private","recipient":"bob","content":""}`)
	m = alice.read()
	req.Equal(protocol.TypeError, m["type"])
	req.Equal(protocol.CodeInvalidMessage, m["code"])
}

func Test_Broker_Failure_Sends_Send_Failed(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)
	ts.ingest.fail = messaging.ErrBrokerUnavailable
	alice := ts.dial(t, "t-alice")
	alice.read()

	alice.send(`{"type":"send_public","content":"lost"}`)
	m := alice.read()
	req.Equal(protocol.TypeSendFailed, m["type"])
	req.Equal(protocol.CodeMessageNotSent, m["code"])
	req.Equal("m-1", m["id"])
}

func Test_Send_Rate_Limit_Replies_Rate_Limited(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, fakeLimiter{allow: false})
	alice := ts.dial(t, "t-alice")
	alice.read()

	alice.send(`{"type":"send_public","content":"spam"}`)
	m := alice.read()
	req.Equal(protocol.TypeRateLimited, m["type"])
	req.EqualValues(7, m["retry_after"])
	req.NotContains(ts.ingest.seen(), "public:alice:spam")
}

func Test_Registry_Failure_Rejects_Connection(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)
	ts.sessions.err = errors.New("presence: registry unavailable")
	alice := ts.dial(t, "t-alice")

	req.Equal(protocol.TypeWelcome, alice.read()["type"])
	m := alice.read()
	req.Equal(protocol.TypeError, m["type"])
	req.Equal(protocol.CodeUnavailable, m["code"])

	_, err := wsutil.ReadServerText(alice.rw)
	req.Error(err)
	req.Empty(ts.ingest.seen())
	req.Zero(ts.srv.Connections().Count())
}

func Test_Connection_Send_After_Close(t *testing.T) {
	req := require.New(t)
	server, peer := net.Pipe()
	defer peer.Close()
	c := newConnection("c-1", "alice", server, time.Second)

	go func() {
		r := bufio.NewReader(peer)
		_, _ = wsutil.ReadServerText(struct {
			io.Reader
			io.Writer
		}{r, peer})
	}()
	req.NoError(c.Send([]byte(`{"type":"pong"}`)))

	var hooks int
	c.OnClose(func() { hooks++ })
	req.NoError(c.Close())
	c.fireClose()
	c.fireClose()
	req.Equal(1, hooks)

	c.OnClose(func() { hooks++ })
	req.Equal(2, hooks)

	err := c.Send([]byte(`{}`))
	req.ErrorIs(err, ErrSendFailed)
}

func Test_Connection_Announces_Once(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	c := newConnection("c-1", "alice", server, 0)
	require.True(t, c.MarkAnnounced())
	require.False(t, c.MarkAnnounced())
	require.WithinDuration(t, time.Now(), c.LastSeen(), time.Second)
}

func Test_Bearer_Token_Sources(t *testing.T) {
	req := require.New(t)

	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	req.Equal("abc", bearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	req.Equal("xyz", bearerToken(r))

	r.Header.Set("Authorization", "Basic xyz")
	req.Empty(bearerToken(r))
}

func Test_Sweep_Reaps_Broken_And_Idle_Connections(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil)
	alice := ts.dial(t, "t-alice")
	alice.read()
	bob := ts.dial(t, "t-bob")
	bob.read()
	req.Equal(2, ts.srv.Connections().Count())

	var broken *Connection
	for _, c := range ts.srv.Connections().All() {
		if c.Identity == "alice" {
			broken = c
		}
	}
	req.NotNil(broken)
	req.NoError(broken.Close())

	ts.srv.sweep(time.Now())
	req.Equal(1, ts.srv.Connections().Count())
	req.Nil(ts.srv.Connections().Get(broken.ID()))

	ts.srv.sweep(time.Now().Add(time.Hour))
	req.Zero(ts.srv.Connections().Count())

	closed := []string{<-ts.sessions.closed, <-ts.sessions.closed}
	req.ElementsMatch([]string{"alice", "bob"}, closed)
}

var _ session.Handle = (*Connection)(nil)
