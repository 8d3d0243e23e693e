// Package api serves the relay's HTTP query surface: message history, the
// online identity set, and account registration and login.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/chatter/relay/internal/auth"
	"github.com/chatter/relay/internal/history"
	"github.com/chatter/relay/internal/presence"
)

// maxBodyBytes bounds auth request bodies.
const maxBodyBytes = 4 << 10

// Online lists the identities currently in the presence registry.
type Online interface {
	ListOnline(ctx context.Context) ([]string, error)
	IsOnline(ctx context.Context, identity string) (bool, error)
	Entries(ctx context.Context) ([]presence.Entry, error)
}

// Accounts registers identities and issues login tokens.
type Accounts interface {
	Register(ctx context.Context, creds auth.Credentials) error
	Login(ctx context.Context, creds auth.Credentials) (string, error)
}

// Handler serves the /api routes.
type Handler struct {
	history  history.Store
	online   Online
	accounts Accounts
	mux      *http.ServeMux
}

// NewHandler creates the API handler.
func NewHandler(store history.Store, online Online, accounts Accounts) *Handler {
	h := &Handler{history: store, online: online, accounts: accounts, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /api/history/public", h.publicHistory)
	h.mux.HandleFunc("GET /api/history/private/{userA}/{userB}", h.privateHistory)
	h.mux.HandleFunc("GET /api/presence/online", h.onlineIdentities)
	h.mux.HandleFunc("GET /api/presence/online/{identity}", h.identityOnline)
	h.mux.HandleFunc("GET /api/presence/entries", h.onlineEntries)
	h.mux.HandleFunc("POST /api/auth/register", h.register)
	h.mux.HandleFunc("POST /api/auth/login", h.login)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// parseLimit reads the public history page size. A missing limit means the
// default; numeric values are clamped to [1, MaxPublicLimit].
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return history.DefaultPublicLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return min(max(n, 1), history.MaxPublicLimit), nil
}

func (h *Handler) publicHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}

	records, err := h.history.LatestPublic(r.Context(), limit)
	if err != nil {
		log.Printf("[api] public history: %v", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

func (h *Handler) privateHistory(w http.ResponseWriter, r *http.Request) {
	a, b := r.PathValue("userA"), r.PathValue("userB")

	records, err := h.history.Conversation(r.Context(), a, b)
	if err != nil {
		log.Printf("[api] conversation %s/%s: %v", a, b, err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

func (h *Handler) onlineIdentities(w http.ResponseWriter, r *http.Request) {
	members, err := h.online.ListOnline(r.Context())
	if err != nil {
		log.Printf("[api] list online: %v", err)
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	members = lo.Uniq(members)
	slices.Sort(members)
	writeJSON(w, http.StatusOK, nonNil(members))
}

func (h *Handler) identityOnline(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	ok, err := h.online.IsOnline(r.Context(), identity)
	if err != nil {
		log.Printf("[api] is online %s: %v", identity, err)
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "online": ok})
}

func (h *Handler) onlineEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.online.Entries(r.Context())
	if err != nil {
		log.Printf("[api] presence entries: %v", err)
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	slices.SortFunc(entries, func(a, b presence.Entry) int {
		return strings.Compare(a.Identity, b.Identity)
	})
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	err := h.accounts.Register(r.Context(), creds)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"username": creds.Username})
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "username already taken")
	default:
		log.Printf("[api] register %s: %v", creds.Username, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
	}
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	token, err := h.accounts.Login(r.Context(), creds)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		log.Printf("[api] login %s: %v", creds.Username, err)
		writeError(w, http.StatusInternalServerError, "login failed")
	}
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (auth.Credentials, bool) {
	var creds auth.Credentials
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return auth.Credentials{}, false
	}
	return creds, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
