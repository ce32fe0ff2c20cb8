// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"codeshelf/internal/rbac"
	"codeshelf/internal/store"
)

const minPasswordLength = 8

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// WithCost returns a copy of s hashing with cost; tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	clone := *s
	clone.cost = cost
	return &clone
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates a new user account
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := normalizeEmail(req.Email)
	displayName := strings.TrimSpace(req.DisplayName)
	if email == "" || req.Password == "" || displayName == "" {
		return store.User{}, errors.New("email, password, and display name are required")
	}
	if !strings.Contains(email, "@") {
		return store.User{}, errors.New("email is invalid")
	}
	if len(req.Password) < minPasswordLength {
		return store.User{}, ErrPasswordTooShort
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: string(hash),
		Role:         string(rbac.RoleEditor),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword replaces the password of userID after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < minPasswordLength {
		return ErrPasswordTooShort
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
