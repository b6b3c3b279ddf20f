// Package authpw lets a user protect their display name with a password.
// Names start unclaimed; the first sign-in that carries a password claims
// the name, and from then on every sign-in must present it.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"bakeplan/api/internal/store"
)

const minPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid name or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrNameRequired       = errors.New("name is required")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	SetUserPassword(ctx context.Context, userID, hash string) error
}

// Service provides name/password authentication
type Service struct {
	store UserStore
	cost  int
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignIn resolves name to a user. An unclaimed name signs in without a
// password, or is claimed when one is given; a claimed name requires it.
func (s *Service) SignIn(ctx context.Context, name, password string) (store.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.User{}, ErrNameRequired
	}

	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return store.User{}, err
	}

	if user.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return store.User{}, ErrInvalidCredentials
		}
		return user, nil
	}

	if password == "" {
		return user, nil
	}
	hash, err := s.hash(password)
	if err != nil {
		return store.User{}, err
	}
	if err := s.store.SetUserPassword(ctx, user.ID, hash); err != nil {
		return store.User{}, fmt.Errorf("claim name: %w", err)
	}
	user.PasswordHash = hash
	return user, nil
}

// ChangePassword replaces the password of userID. current must match when
// the name is already claimed.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
			return ErrInvalidCredentials
		}
	}
	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	if err := s.store.SetUserPassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
