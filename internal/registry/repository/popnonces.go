package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/ca"
)

// PopNonceRepository is the persistent proof-of-possession nonce store:
// one row per consumed proof hash, with replay decided by a single
// atomic INSERT so two racing issuance calls can never both win.
type PopNonceRepository struct {
	db *pgxpool.Pool
}

// NewPopNonceRepository returns a PopNonceRepository backed by db.
func NewPopNonceRepository(db *pgxpool.Pool) *PopNonceRepository {
	return &PopNonceRepository{db: db}
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// insert can run pooled or inside a caller's transaction.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// popNonceSetNX records key with the given TTL, succeeding only when no
// live row exists. An expired row is reclaimed in the same statement —
// the check and the set are one INSERT ... ON CONFLICT, decided entirely
// inside Postgres.
func popNonceSetNX(ctx context.Context, db pgExecer, key string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().UTC().Add(ttl)
	tag, err := db.Exec(ctx, `
		INSERT INTO pop_nonces (hash, expires_at) VALUES ($1, $2)
		ON CONFLICT (hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE pop_nonces.expires_at < now()`, key, expiresAt)
	if err != nil {
		return false, fmt.Errorf("pop-nonce insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetNX consumes key against the pooled connection, auto-committing. The
// value parameter is unused; the row's existence is the signal.
func (r *PopNonceRepository) SetNX(ctx context.Context, key, _ string, ttl time.Duration) (bool, error) {
	return popNonceSetNX(ctx, r.db, key, ttl)
}

// InTx returns a view of the store whose insert runs on tx, so the nonce
// consumption commits or rolls back with the caller's transaction —
// certificate issuance uses this so a failed issuance releases the proof
// instead of burning it.
func (r *PopNonceRepository) InTx(tx pgx.Tx) ca.NonceStore {
	return &txPopNonceStore{tx: tx}
}

// txPopNonceStore is a PopNonceRepository bound to one open transaction.
type txPopNonceStore struct {
	tx pgx.Tx
}

// SetNX consumes key inside the bound transaction.
func (s *txPopNonceStore) SetNX(ctx context.Context, key, _ string, ttl time.Duration) (bool, error) {
	return popNonceSetNX(ctx, s.tx, key, ttl)
}

// Sweep deletes expired rows so the table stays bounded; the registry
// runs it on a background ticker.
func (r *PopNonceRepository) Sweep(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM pop_nonces WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("pop-nonce sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}
