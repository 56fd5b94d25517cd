package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// AgentActivityRepository persists AgentActivity rows, backing
// POST/GET /agent-activity.
type AgentActivityRepository struct {
	db *pgxpool.Pool
}

// NewAgentActivityRepository returns an AgentActivityRepository backed by db.
func NewAgentActivityRepository(db *pgxpool.Pool) *AgentActivityRepository {
	return &AgentActivityRepository{db: db}
}

// Append writes one activity row for a.AgentID.
func (r *AgentActivityRepository) Append(ctx context.Context, a *model.AgentActivity) error {
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_activity (id, agent_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.AgentID, a.Kind, a.Detail, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append agent activity: %w", err)
	}
	return nil
}

// ListByAgent returns agentID's most recent activity, newest first,
// capped at limit rows.
func (r *AgentActivityRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]model.AgentActivity, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, agent_id, kind, detail, created_at
		FROM agent_activity WHERE agent_id = $1
		ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent activity: %w", err)
	}
	defer rows.Close()
	var out []model.AgentActivity
	for rows.Next() {
		var a model.AgentActivity
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Kind, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
