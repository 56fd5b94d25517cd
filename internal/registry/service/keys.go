package service

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// KeyRepo is the persistence surface KeyService needs.
type KeyRepo interface {
	ListActiveKeys(ctx context.Context, userID uuid.UUID) ([]model.PublicKey, error)
	ListKeyHistory(ctx context.Context, userID uuid.UUID) ([]model.KeyHistory, error)
	RotateKey(ctx context.Context, userID uuid.UUID, newKey *model.PublicKey) error
	GetActiveKeyByKid(ctx context.Context, userID uuid.UUID, kid string) (*model.PublicKey, error)
}

// KeyService manages a user's current signing key,: exactly
// one active key at steady state, retiring the previous key to history
// on rotation rather than deleting it.
type KeyService struct {
	repo KeyRepo
}

// NewKeyService returns a KeyService backed by repo.
func NewKeyService(repo KeyRepo) *KeyService {
	return &KeyService{repo: repo}
}

// ErrKeySize is returned when a submitted public key isn't a 32-byte
// Ed25519 key.
var ErrKeySize = fmt.Errorf("registry: public key must be %d bytes", ed25519.PublicKeySize)

// Rotate derives the canonical kid for pub and archives the user's
// current key(s) to history before installing pub as the sole active key.
func (s *KeyService) Rotate(ctx context.Context, userID uuid.UUID, pub ed25519.PublicKey) (*model.PublicKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrKeySize
	}
	kid, err := jwkset.Thumbprint(pub)
	if err != nil {
		return nil, fmt.Errorf("derive kid: %w", err)
	}
	newKey := &model.PublicKey{Kid: kid, PublicKey: []byte(pub)}
	if err := s.repo.RotateKey(ctx, userID, newKey); err != nil {
		return nil, fmt.Errorf("rotate key: %w", err)
	}
	return newKey, nil
}

// ListActive returns userID's current signing keys.
func (s *KeyService) ListActive(ctx context.Context, userID uuid.UUID) ([]model.PublicKey, error) {
	return s.repo.ListActiveKeys(ctx, userID)
}

// ListHistory returns userID's retired keys, newest first.
func (s *KeyService) ListHistory(ctx context.Context, userID uuid.UUID) ([]model.KeyHistory, error) {
	return s.repo.ListKeyHistory(ctx, userID)
}
