// Package identity resolves credentials to stable user identities. It is the
// only component that sees passwords; everything else consumes UserIdentity.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"negotiator/api/internal/store"
	"negotiator/api/internal/util"
)

var (
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
)

// UserIdentity is immutable once created; nothing in the collaboration core
// mutates it.
type UserIdentity struct {
	ID       string
	Username string
}

// UserStore defines the storage interface for identity resolution.
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

type Service struct {
	store UserStore
}

func NewService(userStore UserStore) *Service {
	return &Service{store: userStore}
}

// Register creates a new user account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (UserIdentity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return UserIdentity{}, errors.New("username and password are required")
	}
	if len(password) < 8 {
		return UserIdentity{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return UserIdentity{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserIdentity{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return UserIdentity{}, fmt.Errorf("create user: %w", err)
	}

	return UserIdentity{ID: user.ID, Username: user.Username}, nil
}

// Verify checks a username/password pair.
func (s *Service) Verify(ctx context.Context, username, password string) (UserIdentity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return UserIdentity{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return UserIdentity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return UserIdentity{}, ErrInvalidCredentials
	}

	return UserIdentity{ID: user.ID, Username: user.Username}, nil
}

// Lookup resolves a user id to an identity.
func (s *Service) Lookup(ctx context.Context, userID string) (UserIdentity, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserIdentity{}, ErrUserNotFound
		}
		return UserIdentity{}, fmt.Errorf("lookup user: %w", err)
	}
	return UserIdentity{ID: user.ID, Username: user.Username}, nil
}

// LookupByUsername resolves a username to an identity. Used by share target
// resolution and the room registry's best-effort identity path.
func (s *Service) LookupByUsername(ctx context.Context, username string) (UserIdentity, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserIdentity{}, ErrUserNotFound
		}
		return UserIdentity{}, fmt.Errorf("lookup user: %w", err)
	}
	return UserIdentity{ID: user.ID, Username: user.Username}, nil
}
