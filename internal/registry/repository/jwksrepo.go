package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// JWKSRepo composes UserRepository, KeyRepository, AgentRepository, and
// CertRepository into the single narrow interface service.JWKSService
// depends on, so the service package never imports pgx directly.
type JWKSRepo struct {
	Users  *UserRepository
	Keys   *KeyRepository
	Agents *AgentRepository
	Certs  *CertRepository
}

// NewJWKSRepo returns a JWKSRepo delegating to the given repositories.
func NewJWKSRepo(users *UserRepository, keys *KeyRepository, agents *AgentRepository, certs *CertRepository) *JWKSRepo {
	return &JWKSRepo{Users: users, Keys: keys, Agents: agents, Certs: certs}
}

func (j *JWKSRepo) GetProfile(ctx context.Context, username string) (*model.Profile, error) {
	return j.Users.GetProfile(ctx, username)
}

func (j *JWKSRepo) ListActiveKeys(ctx context.Context, userID uuid.UUID) ([]model.PublicKey, error) {
	return j.Keys.ListActiveKeys(ctx, userID)
}

func (j *JWKSRepo) ListKeyHistory(ctx context.Context, userID uuid.UUID) ([]model.KeyHistory, error) {
	return j.Keys.ListKeyHistory(ctx, userID)
}

func (j *JWKSRepo) ListActiveAgents(ctx context.Context, userID uuid.UUID) ([]model.Agent, error) {
	return j.Agents.ListActiveByOwner(ctx, userID)
}

func (j *JWKSRepo) ActiveCertForKid(ctx context.Context, userID uuid.UUID, kid string) (*model.AgentCertificate, error) {
	return j.Certs.ActiveCertForKid(ctx, userID, kid)
}
