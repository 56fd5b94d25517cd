package service

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// agentIDPattern matches "agent:LOCAL@HOST[/RESOURCE]" where LOCAL and
// RESOURCE draw from [A-Za-z0-9._-] and HOST from [A-Za-z0-9.-].
var agentIDPattern = regexp.MustCompile(`^agent:[A-Za-z0-9._-]+@[A-Za-z0-9.-]+(/[A-Za-z0-9._-]+)?$`)

const maxAgentIDLen = 255

// ErrInvalidAgentID is returned when an oba_agent_id fails the format or
// length check.
var ErrInvalidAgentID = fmt.Errorf("registry: invalid agent_id format")

// ValidateAgentID reports whether id is a well-formed oba_agent_id.
func ValidateAgentID(id string) error {
	if len(id) == 0 || len(id) > maxAgentIDLen {
		return ErrInvalidAgentID
	}
	if !agentIDPattern.MatchString(id) {
		return ErrInvalidAgentID
	}
	return nil
}

// AgentRepo is the persistence surface AgentService needs.
type AgentRepo interface {
	Create(ctx context.Context, a *model.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error)
	ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.Agent, error)
	Update(ctx context.Context, a *model.Agent) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// AgentService manages Agent CRUD and enforces the oba_agent_id format
// and key-material rules.
type AgentService struct {
	repo AgentRepo
}

// NewAgentService returns an AgentService backed by repo.
func NewAgentService(repo AgentRepo) *AgentService {
	return &AgentService{repo: repo}
}

// Register validates agentID and pub, derives the agent's kid, and
// persists a new Agent owned by ownerUserID with status "active".
func (s *AgentService) Register(ctx context.Context, ownerUserID uuid.UUID, agentID, displayName, description, agentType string, pub ed25519.PublicKey, parentAgentID, principal string) (*model.Agent, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	kid, err := jwkset.Thumbprint(pub)
	if err != nil {
		return nil, fmt.Errorf("derive kid: %w", err)
	}
	a := &model.Agent{
		OwnerUserID:   ownerUserID,
		AgentID:       agentID,
		Kid:           kid,
		PublicKey:     []byte(pub),
		ParentAgentID: parentAgentID,
		Principal:     principal,
		DisplayName:   displayName,
		Description:   description,
		AgentType:     agentType,
		Status:        model.AgentStatusActive,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

// GetByID returns the agent with the given row ID.
func (s *AgentService) GetByID(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByAgentID returns the agent with the given oba_agent_id string.
func (s *AgentService) GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error) {
	return s.repo.GetByAgentID(ctx, agentID)
}

// ListByOwner returns every agent owned by userID.
func (s *AgentService) ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.Agent, error) {
	return s.repo.ListByOwner(ctx, userID)
}

// ErrForbidden is returned when a caller attempts to mutate an agent it
// does not own.
var ErrForbidden = fmt.Errorf("registry: not the agent owner")

// Update applies displayName/description/status/parentAgentID/principal
// to the agent identified by id, scoped to ownerUserID.
func (s *AgentService) Update(ctx context.Context, ownerUserID, id uuid.UUID, displayName, description string, status model.AgentStatus, parentAgentID, principal string) (*model.Agent, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.OwnerUserID != ownerUserID {
		return nil, ErrForbidden
	}
	a.DisplayName = displayName
	a.Description = description
	a.Status = status
	a.ParentAgentID = parentAgentID
	a.Principal = principal
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Delete removes the agent identified by id, scoped to ownerUserID.
func (s *AgentService) Delete(ctx context.Context, ownerUserID, id uuid.UUID) error {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if a.OwnerUserID != ownerUserID {
		return ErrForbidden
	}
	return s.repo.Delete(ctx, id)
}
