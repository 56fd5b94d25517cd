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

// TokenRepository persists ApiToken rows.
type TokenRepository struct {
	db *pgxpool.Pool
}

// NewTokenRepository returns a TokenRepository backed by db.
func NewTokenRepository(db *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{db: db}
}

// CountByUser reports how many tokens userID currently holds, used to
// enforce the per-user token cap.
func (r *TokenRepository) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM api_tokens WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tokens by user: %w", err)
	}
	return n, nil
}

// Create inserts t. The caller has already generated the raw token,
// hashed it, and populated t.TokenHash/t.Prefix — the raw value itself
// never reaches this layer.
func (r *TokenRepository) Create(ctx context.Context, t *model.ApiToken) error {
	t.ID = uuid.New()
	t.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO api_tokens (id, user_id, name, prefix, token_hash, scopes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.Name, t.Prefix, t.TokenHash, t.Scopes, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}

// ListByUser returns every token owned by userID, never including the hash.
func (r *TokenRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.ApiToken, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, name, prefix, scopes, created_at, expires_at, last_used_at
		FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens by user: %w", err)
	}
	defer rows.Close()

	var out []model.ApiToken
	for rows.Next() {
		var t model.ApiToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Prefix, &t.Scopes,
			&t.CreatedAt, &t.ExpiresAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetByHash looks up a token by its SHA-256 hash — the token-auth
// middleware's only lookup path.
func (r *TokenRepository) GetByHash(ctx context.Context, hash string) (*model.ApiToken, error) {
	var t model.ApiToken
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, prefix, token_hash, scopes, created_at, expires_at, last_used_at
		FROM api_tokens WHERE token_hash = $1`, hash,
	).Scan(&t.ID, &t.UserID, &t.Name, &t.Prefix, &t.TokenHash, &t.Scopes,
		&t.CreatedAt, &t.ExpiresAt, &t.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token by hash: %w", err)
	}
	return &t, nil
}

// TouchLastUsed updates last_used_at asynchronously relative to the
// request that authenticated with the token: callers run this in
// a goroutine, not inline in the request path.
func (r *TokenRepository) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE api_tokens SET last_used_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch token last_used_at: %w", err)
	}
	return nil
}

// Delete removes a token owned by userID, scoping the delete to the
// caller so one user can never delete another's token by guessing an ID.
func (r *TokenRepository) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM api_tokens WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete api token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
