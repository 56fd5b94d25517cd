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

// KeyRepository persists PublicKey (current) and KeyHistory (retired) rows.
type KeyRepository struct {
	db *pgxpool.Pool
}

// NewKeyRepository returns a KeyRepository backed by db.
func NewKeyRepository(db *pgxpool.Pool) *KeyRepository {
	return &KeyRepository{db: db}
}

// ListActiveKeys returns userID's current signing keys — at steady state
// this is exactly one row, but callers must not assume that during a
// rotation race.
func (r *KeyRepository) ListActiveKeys(ctx context.Context, userID uuid.UUID) ([]model.PublicKey, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, kid, public_key, created_at
		FROM public_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}
	defer rows.Close()

	var out []model.PublicKey
	for rows.Next() {
		var k model.PublicKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Kid, &k.PublicKey, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan public key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListKeyHistory returns userID's retired keys, newest first.
func (r *KeyRepository) ListKeyHistory(ctx context.Context, userID uuid.UUID) ([]model.KeyHistory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, kid, public_key, retired_at
		FROM key_history WHERE user_id = $1 ORDER BY retired_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list key history: %w", err)
	}
	defer rows.Close()

	var out []model.KeyHistory
	for rows.Next() {
		var k model.KeyHistory
		if err := rows.Scan(&k.ID, &k.UserID, &k.Kid, &k.PublicKey, &k.RetiredAt); err != nil {
			return nil, fmt.Errorf("scan key history: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RotateKey retires every current key for userID into key_history, then
// inserts newKey as the sole active key — all inside one transaction so a
// crash mid-rotation never leaves the user with zero or two active keys.
func (r *KeyRepository) RotateKey(ctx context.Context, userID uuid.UUID, newKey *model.PublicKey) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotate key tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO key_history (id, user_id, kid, public_key, retired_at)
		SELECT gen_random_uuid(), user_id, kid, public_key, $2 FROM public_keys WHERE user_id = $1`,
		userID, now); err != nil {
		return fmt.Errorf("archive old keys: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM public_keys WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete old keys: %w", err)
	}

	newKey.ID = uuid.New()
	newKey.UserID = userID
	newKey.CreatedAt = now
	if _, err := tx.Exec(ctx, `
		INSERT INTO public_keys (id, user_id, kid, public_key, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		newKey.ID, newKey.UserID, newKey.Kid, newKey.PublicKey, newKey.CreatedAt); err != nil {
		return fmt.Errorf("insert new key: %w", err)
	}

	return tx.Commit(ctx)
}

// GetActiveKeyByKid looks up an active PublicKey by kid, scoped to userID.
func (r *KeyRepository) GetActiveKeyByKid(ctx context.Context, userID uuid.UUID, kid string) (*model.PublicKey, error) {
	var k model.PublicKey
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, kid, public_key, created_at
		FROM public_keys WHERE user_id = $1 AND kid = $2`, userID, kid,
	).Scan(&k.ID, &k.UserID, &k.Kid, &k.PublicKey, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active key by kid: %w", err)
	}
	return &k, nil
}
