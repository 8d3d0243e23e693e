package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const userPrefix = "user:"

// BadgerUserStore keeps accounts in an embedded BadgerDB under user: keys.
type BadgerUserStore struct {
	db *badger.DB
}

// NewBadgerUserStore creates a user store on db.
func NewBadgerUserStore(db *badger.DB) *BadgerUserStore {
	return &BadgerUserStore{db: db}
}

// CreateUser persists a new account unless the username is taken.
func (s *BadgerUserStore) CreateUser(_ context.Context, username, passwordHash string) error {
	data, err := json.Marshal(User{Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("auth: marshal user: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + username)
		if _, err := txn.Get(key); err == nil {
			return ErrUserExists
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, ErrUserExists) || errors.Is(err, badger.ErrConflict) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("auth: create user: %w", err)
	}
	return nil
}

// GetUser loads an account by username.
func (s *BadgerUserStore) GetUser(_ context.Context, username string) (User, error) {
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userPrefix + username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &u)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("auth: get user: %w", err)
	}
	return u, nil
}
