// Package service implements the registry's business logic, sitting
// between the HTTP handlers and the repository layer: personal access
// tokens, keys, agents, certificates, and telemetry.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

const (
	tokenPrefix      = "oba_"
	tokenRawBytes    = 32
	maxTokensPerUser = 20
)

// TokenRepo is the persistence surface TokenService needs.
type TokenRepo interface {
	CountByUser(ctx context.Context, userID uuid.UUID) (int, error)
	Create(ctx context.Context, t *model.ApiToken) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.ApiToken, error)
	GetByHash(ctx context.Context, hash string) (*model.ApiToken, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

// TokenService issues and manages personal access tokens
type TokenService struct {
	repo TokenRepo
}

// NewTokenService returns a TokenService backed by repo.
func NewTokenService(repo TokenRepo) *TokenService {
	return &TokenService{repo: repo}
}

// ErrTooManyTokens is returned when a user is already at the per-user cap.
var ErrTooManyTokens = fmt.Errorf("registry: token cap exceeded")

// ErrInvalidScope is returned when a requested scope isn't in the fixed set.
var ErrInvalidScope = fmt.Errorf("registry: invalid scope")

// ErrInvalidExpiry is returned when the requested TTL falls outside [1, 365] days.
var ErrInvalidExpiry = fmt.Errorf("registry: expiry must be between 1 and 365 days")

// Create generates a new token for userID, returning the model row (with
// TokenHash populated, never the raw value) and the raw token string the
// caller shows exactly once. ttlDays must be in [1, 365].
func (s *TokenService) Create(ctx context.Context, userID uuid.UUID, name string, scopes []model.TokenScope, ttlDays int) (*model.ApiToken, string, error) {
	n, err := s.repo.CountByUser(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("count tokens: %w", err)
	}
	if n >= maxTokensPerUser {
		return nil, "", ErrTooManyTokens
	}
	if ttlDays < 1 || ttlDays > 365 {
		return nil, "", ErrInvalidExpiry
	}
	for _, sc := range scopes {
		if !model.ValidTokenScopes[sc] {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidScope, sc)
		}
	}

	raw, err := generateRawToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	sum := sha256.Sum256([]byte(raw))

	t := &model.ApiToken{
		UserID:    userID,
		Name:      name,
		Prefix:    raw[len(tokenPrefix) : len(tokenPrefix)+4],
		TokenHash: hex.EncodeToString(sum[:]),
		Scopes:    scopes,
		ExpiresAt: time.Now().UTC().Add(time.Duration(ttlDays) * 24 * time.Hour),
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, "", fmt.Errorf("create token: %w", err)
	}
	return t, raw, nil
}

func generateRawToken() (string, error) {
	buf := make([]byte, tokenRawBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

// List returns every token owned by userID.
func (s *TokenService) List(ctx context.Context, userID uuid.UUID) ([]model.ApiToken, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Delete removes the token id owned by userID.
func (s *TokenService) Delete(ctx context.Context, userID, id uuid.UUID) error {
	return s.repo.Delete(ctx, userID, id)
}

// Authenticate validates a raw `oba_<64 hex>` bearer token: looks it up
// by hash, rejects expired tokens, and asynchronously touches
// last_used_at without blocking the caller.
func (s *TokenService) Authenticate(ctx context.Context, raw string) (*model.ApiToken, error) {
	if !looksLikeToken(raw) {
		return nil, fmt.Errorf("registry: malformed token")
	}
	sum := sha256.Sum256([]byte(raw))
	t, err := s.repo.GetByHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, err
	}
	if t.Expired(time.Now().UTC()) {
		return nil, fmt.Errorf("registry: token expired")
	}
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.repo.TouchLastUsed(touchCtx, t.ID)
	}()
	return t, nil
}

func looksLikeToken(raw string) bool {
	if len(raw) != len(tokenPrefix)+tokenRawBytes*2 {
		return false
	}
	if raw[:len(tokenPrefix)] != tokenPrefix {
		return false
	}
	_, err := hex.DecodeString(raw[len(tokenPrefix):])
	return err == nil
}
