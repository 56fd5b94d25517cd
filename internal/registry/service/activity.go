package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// ActivityRepo is the persistence surface AgentActivityService needs.
type ActivityRepo interface {
	Append(ctx context.Context, a *model.AgentActivity) error
	ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]model.AgentActivity, error)
}

const defaultActivityListLimit = 50
const maxActivityListLimit = 200

// AgentActivityService records and lists discrete per-agent events
// reported by content hosts and edges, backing POST/GET /agent-activity
// — a separate stream from VerificationLog, which only tracks
// signature verification itself.
type AgentActivityService struct {
	repo   ActivityRepo
	agents *AgentService
}

// NewAgentActivityService returns an AgentActivityService.
func NewAgentActivityService(repo ActivityRepo, agents *AgentService) *AgentActivityService {
	return &AgentActivityService{repo: repo, agents: agents}
}

// Record persists one activity event against the agent identified by the
// oba_agent_id string agentID, scoped to callerUserID's ownership.
func (s *AgentActivityService) Record(ctx context.Context, callerUserID uuid.UUID, agentID, kind, detail string) (*model.AgentActivity, error) {
	agent, err := s.agents.GetByAgentID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.OwnerUserID != callerUserID {
		return nil, ErrForbidden
	}
	a := &model.AgentActivity{AgentID: agent.ID, Kind: kind, Detail: detail}
	if err := s.repo.Append(ctx, a); err != nil {
		return nil, fmt.Errorf("record agent activity: %w", err)
	}
	return a, nil
}

// List returns the most recent activity for the agent identified by the
// oba_agent_id string agentID, scoped to callerUserID's ownership.
func (s *AgentActivityService) List(ctx context.Context, callerUserID uuid.UUID, agentID string, limit int) ([]model.AgentActivity, error) {
	agent, err := s.agents.GetByAgentID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.OwnerUserID != callerUserID {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > maxActivityListLimit {
		limit = defaultActivityListLimit
	}
	return s.repo.ListByAgent(ctx, agent.ID, limit)
}
