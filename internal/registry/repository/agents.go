package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

const agentColumns = `id, owner_user_id, agent_id, kid, public_key, parent_agent_id,
	                     principal, display_name, description, agent_type, status, created_at, updated_at`

// AgentRepository persists Agent rows.
type AgentRepository struct {
	db *pgxpool.Pool
}

// NewAgentRepository returns an AgentRepository backed by db.
func NewAgentRepository(db *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create inserts a new agent owned by a.OwnerUserID.
func (r *AgentRepository) Create(ctx context.Context, a *model.Agent) error {
	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := r.db.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.OwnerUserID, a.AgentID, a.Kid, a.PublicKey, a.ParentAgentID,
		a.Principal, a.DisplayName, a.Description, a.AgentType, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetByID returns the agent with the given row ID.
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	return r.scanOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

// GetByAgentID returns the agent with the given oba_agent_id string.
func (r *AgentRepository) GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error) {
	return r.scanOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
}

func (r *AgentRepository) scanOne(ctx context.Context, query string, arg any) (*model.Agent, error) {
	var a model.Agent
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&a.ID, &a.OwnerUserID, &a.AgentID, &a.Kid, &a.PublicKey, &a.ParentAgentID, &a.Principal,
		&a.DisplayName, &a.Description, &a.AgentType, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListByOwner returns every agent owned by userID.
func (r *AgentRepository) ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.Agent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents WHERE owner_user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents by owner: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListActiveByOwner returns userID's agents with status=active, used by
// the JWKS directory builder.
func (r *AgentRepository) ListActiveByOwner(ctx context.Context, userID uuid.UUID) ([]model.Agent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents WHERE owner_user_id = $1 AND status = $2 ORDER BY created_at DESC`,
		userID, model.AgentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func scanAgents(rows pgx.Rows) ([]model.Agent, error) {
	var out []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.OwnerUserID, &a.AgentID, &a.Kid, &a.PublicKey,
			&a.ParentAgentID, &a.Principal, &a.DisplayName, &a.Description, &a.AgentType,
			&a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update persists the mutable fields of a (display name, description,
// status, delegation links).
func (r *AgentRepository) Update(ctx context.Context, a *model.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		UPDATE agents SET display_name = $2, description = $3, status = $4,
		                   parent_agent_id = $5, principal = $6, updated_at = $7
		WHERE id = $1`,
		a.ID, a.DisplayName, a.Description, a.Status, a.ParentAgentID, a.Principal, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

// Delete removes an agent and cascades to its certificates.
func (r *AgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// CountToday returns how many agents userID has registered since
// midnight UTC. No registration path in this package consults it.
func (r *AgentRepository) CountToday(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM agents WHERE owner_user_id = $1 AND created_at >= $2`,
		userID, startOfDay).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agents today: %w", err)
	}
	return n, nil
}
