package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatter/relay/internal/auth"
	"github.com/chatter/relay/internal/chat"
	"github.com/chatter/relay/internal/history"
	"github.com/chatter/relay/internal/presence"
)

type fakeOnline struct {
	members []string
	err     error
}

func (f fakeOnline) ListOnline(context.Context) ([]string, error) { return f.members, f.err }

func (f fakeOnline) IsOnline(_ context.Context, identity string) (bool, error) {
	return slices.Contains(f.members, identity), f.err
}

func (f fakeOnline) Entries(context.Context) ([]presence.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]presence.Entry, len(f.members))
	for i, m := range f.members {
		out[i] = presence.Entry{Identity: m, Since: time.Unix(1700000000, 0).UTC()}
	}
	return out, nil
}

type fixture struct {
	store   *history.MemoryStore
	online  *fakeOnline
	issuer  *auth.Issuer
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	issuer, err := auth.NewIssuer("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	f := &fixture{
		store:  history.NewMemoryStore(1000),
		online: &fakeOnline{},
		issuer: issuer,
	}
	f.handler = NewHandler(f.store, f.online, auth.NewService(auth.NewMemoryUserStore(), issuer))
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func (f *fixture) seedPublic(t *testing.T, n int) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := f.store.Append(context.Background(), chat.Message{
			ID:      fmt.Sprintf("pub-%03d", i),
			Kind:    chat.KindChat,
			Sender:  "alice",
			Content: fmt.Sprintf("msg-%03d", i),
			SentAt:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func decodeRecords(t *testing.T, w *httptest.ResponseRecorder) []history.Record {
	t.Helper()
	var recs []history.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	return recs
}

func Test_Public_History_Returns_Latest_Oldest_First(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.seedPublic(t, 60)

	w := f.do(http.MethodGet, "/api/history/public", "")
	req.Equal(http.StatusOK, w.Code)
	recs := decodeRecords(t, w)
	req.Len(recs, 50)
	req.Equal("msg-010", recs[0].Content)
	req.Equal("msg-059", recs[49].Content)

	w = f.do(http.MethodGet, "/api/history/public?limit=5", "")
	recs = decodeRecords(t, w)
	req.Len(recs, 5)
	req.Equal("msg-055", recs[0].Content)

	w = f.do(http.MethodGet, "/api/history/public?limit=0", "")
	req.Len(decodeRecords(t, w), 1)

	w = f.do(http.MethodGet, "/api/history/public?limit=100000", "")
	req.Len(decodeRecords(t, w), 60)
}

func Test_Public_History_Rejects_Bad_Limit(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/history/public?limit=ten", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "limit")
}

func Test_Empty_History_Is_Empty_Array(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/history/public", "")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`[]`, w.Body.String())

	w = f.do(http.MethodGet, "/api/history/private/alice/bob", "")
	req.JSONEq(`[]`, w.Body.String())
}

func Test_Private_History_Is_Symmetric(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"alice", "carol"}} {
		_, err := f.store.Append(ctx, chat.Message{
			ID: fmt.Sprintf("dm-%d", i), Kind: chat.KindChat,
			Sender: pair[0], Recipient: pair[1], Content: fmt.Sprintf("dm %d", i),
			SentAt: base.Add(time.Duration(i) * time.Second),
		})
		req.NoError(err)
	}

	ab := decodeRecords(t, f.do(http.MethodGet, "/api/history/private/alice/bob", ""))
	ba := decodeRecords(t, f.do(http.MethodGet, "/api/history/private/bob/alice", ""))
	req.Equal(ab, ba)
	req.Len(ab, 2)
	req.Equal("dm 0", ab[0].Content)
	req.Equal("bob", ab[0].Recipient)
}

func Test_Online_Identities_Sorted(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.online.members = []string{"carol", "alice", "bob", "alice"}

	w := f.do(http.MethodGet, "/api/presence/online", "")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`["alice","bob","carol"]`, w.Body.String())

	w = f.do(http.MethodGet, "/api/presence/entries", "")
	req.Equal(http.StatusOK, w.Code)
	var entries []presence.Entry
	req.NoError(json.Unmarshal(w.Body.Bytes(), &entries))
	req.Equal("alice", entries[0].Identity)

	f.online.members = nil
	req.JSONEq(`[]`, f.do(http.MethodGet, "/api/presence/online", "").Body.String())

	f.online.err = errors.New("presence: registry unavailable")
	req.Equal(http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/presence/online", "").Code)
}

func Test_Identity_Online_Lookup(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.online.members = []string{"alice"}

	w := f.do(http.MethodGet, "/api/presence/online/alice", "")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"identity":"alice","online":true}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/presence/online/bob", "")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"identity":"bob","online":false}`, w.Body.String())

	f.online.err = errors.New("presence: registry unavailable")
	req.Equal(http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/presence/online/alice", "").Code)
}

func Test_Register_And_Login(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	body := `{"username":"alice","password":"correct-horse"}`

	w := f.do(http.MethodPost, "/api/auth/register", body)
	req.Equal(http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/api/auth/register", body)
	req.Equal(http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/auth/login", body)
	req.Equal(http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	identity, err := f.issuer.VerifyToken(resp.Token)
	req.NoError(err)
	req.Equal("alice", identity)

	w = f.do(http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wrong-horse"}`)
	req.Equal(http.StatusUnauthorized, w.Code)
	req.JSONEq(`{"error":"invalid credentials"}`, w.Body.String())

	w = f.do(http.MethodPost, "/api/auth/login", `{"username":"nobody","password":"whatever1"}`)
	req.Equal(http.StatusUnauthorized, w.Code)
}

func Test_Register_Rejects_Bad_Input(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	req.Equal(http.StatusBadRequest, f.do(http.MethodPost, "/api/auth/register", `{"username":"a!","password":"correct-horse"}`).Code)
	req.Equal(http.StatusBadRequest, f.do(http.MethodPost, "/api/auth/register", `{"username":"alice","password":"short"}`).Code)
	req.Equal(http.StatusBadRequest, f.do(http.MethodPost, "/api/auth/register", `not json`).Code)
	req.Equal(http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/auth/register", "").Code)
}
