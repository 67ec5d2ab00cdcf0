package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/model"
	"github.com/lengjing/docker-workspace-manager/internal/store"
	"github.com/lengjing/docker-workspace-manager/internal/token"
)

// AuthService handles login and token resolution.
type AuthService struct {
	store  *store.Store
	issuer *token.Issuer
	log    *logger.Logger
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      *model.User `json:"user"`
}

// NewAuthService creates a new auth service.
func NewAuthService(s *store.Store, issuer *token.Issuer, log *logger.Logger) *AuthService {
	return &AuthService{
		store:  s,
		issuer: issuer,
		log:    log.Named("auth"),
	}
}

// Login checks a username and password against the stored digest and
// issues a token. Accounts without a digest cannot log in.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidRequest)
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if user.PasswordDigest == nil || *user.PasswordDigest == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordDigest), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Enabled() {
		return nil, ErrAccountDisabled
	}

	tok, expiresAt, err := s.issuer.Issue(user.ID, user.Username)
	if err != nil {
		return nil, err
	}

	s.log.Info("user logged in", "user", user.Username)
	return &LoginResult{Token: tok, ExpiresAt: expiresAt, User: user}, nil
}

// ResolveUser verifies a token and loads the user it names.
func (s *AuthService) ResolveUser(ctx context.Context, tokenString string) (*model.User, error) {
	claims, err := s.issuer.Verify(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	user, err := s.store.GetUserByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user no longer exists", ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !user.Enabled() {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

// AnonymousUser returns the seeded user that owns workspaces created without a credential.
func (s *AuthService) AnonymousUser(ctx context.Context) (*model.User, error) {
	user, err := s.store.GetUserByID(ctx, model.AnonymousUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load anonymous user: %w", err)
	}
	return user, nil
}
