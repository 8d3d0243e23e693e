package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresUserStore manages accounts in the users table.
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore creates a user store backed by the given database handle.
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

// CreateUser inserts a new account.
func (s *PostgresUserStore) CreateUser(ctx context.Context, username, passwordHash string) error {
	const query = `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)`

	_, err := s.db.ExecContext(ctx, query, username, passwordHash)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("auth: insert user: %w", err)
	}
	return nil
}

// GetUser loads an account by username.
func (s *PostgresUserStore) GetUser(ctx context.Context, username string) (User, error) {
	const query = `
		SELECT username, password_hash, created_at
		FROM users
		WHERE username = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, username).Scan(&u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("auth: get user: %w", err)
	}
	return u, nil
}
