package auth

import (
	"context"
	"sync"
	"time"
)

// User is a registered account.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists accounts. CreateUser returns ErrUserExists for a taken
// username and GetUser returns ErrUserNotFound for an unknown one.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) error
	GetUser(ctx context.Context, username string) (User, error)
}

// MemoryUserStore keeps accounts in a map. Accounts are lost on restart.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]User)}
}

func (s *MemoryUserStore) CreateUser(_ context.Context, username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = User{Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryUserStore) GetUser(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
