// Package auth authenticates chat identities. It registers accounts with
// bcrypt-hashed passwords, verifies credentials, and issues the signed
// bearer tokens the WebSocket transport checks before upgrading.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
)

var (
	// ErrInvalidCredentials is returned when a username or password does not
	// match a registered account.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidToken is returned for malformed, forged or foreign tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrTokenExpired is returned for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrInvalidInput is returned when registration input fails validation.
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrUserExists is returned when registering a taken username.
	ErrUserExists = errors.New("auth: user already exists")

	// ErrUserNotFound is returned by user stores for unknown usernames.
	ErrUserNotFound = errors.New("auth: user not found")
)

// Service ties account storage to token issuance.
type Service struct {
	users  UserStore
	issuer *Issuer
}

// NewService creates an authentication service.
func NewService(users UserStore, issuer *Issuer) *Service {
	return &Service{users: users, issuer: issuer}
}

// Register validates and stores a new account.
func (s *Service) Register(ctx context.Context, creds Credentials) error {
	if err := ValidateCredentials(creds); err != nil {
		return err
	}
	hash, err := HashPassword(creds.Password)
	if err != nil {
		return err
	}
	if err := s.users.CreateUser(ctx, creds.Username, hash); err != nil {
		return err
	}
	log.Printf("[auth] registered identity=%s", creds.Username)
	return nil
}

// VerifyCredentials returns the identity for a matching username and
// password, or ErrInvalidCredentials.
func (s *Service) VerifyCredentials(ctx context.Context, identity, secret string) (string, error) {
	u, err := s.users.GetUser(ctx, identity)
	if errors.Is(err, ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	ok, err := ComparePassword(secret, u.PasswordHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	return u.Username, nil
}

// Login verifies credentials and issues a token for the identity.
func (s *Service) Login(ctx context.Context, creds Credentials) (string, error) {
	identity, err := s.VerifyCredentials(ctx, creds.Username, creds.Password)
	if err != nil {
		return "", err
	}
	token, err := s.issuer.IssueToken(identity)
	if err != nil {
		return "", fmt.Errorf("auth: login %s: %w", identity, err)
	}
	return token, nil
}

// IssueToken signs a token for identity.
func (s *Service) IssueToken(identity string) (string, error) {
	return s.issuer.IssueToken(identity)
}

// VerifyToken returns the identity a valid token was issued to.
func (s *Service) VerifyToken(token string) (string, error) {
	return s.issuer.VerifyToken(token)
}
