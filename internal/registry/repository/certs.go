package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// CertRepository persists AgentCertificate rows.
type CertRepository struct {
	db *pgxpool.Pool
}

// NewCertRepository returns a CertRepository backed by db.
func NewCertRepository(db *pgxpool.Pool) *CertRepository {
	return &CertRepository{db: db}
}

// LockAgentForIssuance acquires SELECT ... FOR UPDATE on the agent row so
// the active-cert-cap and daily-issuance-cap checks and the subsequent
// insert are serialized. Must be called inside tx.
func (r *CertRepository) LockAgentForIssuance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) error {
	var discard uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(&discard)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock agent for issuance: %w", err)
	}
	return nil
}

// CountActiveByKid returns the number of unrevoked, in-window certificates
// for (agentID, kid), used to enforce CERT_MAX_ACTIVE_PER_KID. Must be
// called inside the same tx as LockAgentForIssuance.
func (r *CertRepository) CountActiveByKid(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, kid string, now time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM agent_certificates
		WHERE agent_id = $1 AND kid = $2 AND revoked_at IS NULL
		      AND not_before <= $3 AND not_after > $3`,
		agentID, kid, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active certs by kid: %w", err)
	}
	return n, nil
}

// CountIssuedToday returns how many certs were issued for agentID since
// midnight UTC, used to enforce CERT_MAX_ISSUES_PER_AGENT_PER_DAY.
func (r *CertRepository) CountIssuedToday(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int, error) {
	var n int
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM agent_certificates WHERE agent_id = $1 AND created_at >= $2`,
		agentID, startOfDay).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count certs issued today: %w", err)
	}
	return n, nil
}

// Insert writes c inside tx, committed by the caller alongside the
// issuance's other side effects.
func (r *CertRepository) Insert(ctx context.Context, tx pgx.Tx, c *model.AgentCertificate) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO agent_certificates (id, owner_user_id, agent_id, kid, serial, fingerprint,
		                                 cert_pem, chain_pem, x5c, not_before, not_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.OwnerUserID, c.AgentID, c.Kid, c.Serial, c.Fingerprint,
		c.CertPEM, c.ChainPEM, c.X5C, c.NotBefore, c.NotAfter, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert agent certificate: %w", err)
	}
	return nil
}

// BeginTx starts a transaction for the caller to drive the issuance
// critical section through.
func (r *CertRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

// GetBySerial looks up a certificate by its unique serial (authenticated
// status lookup only — never exposed on the public route, to prevent
// enumeration).
func (r *CertRepository) GetBySerial(ctx context.Context, serial string) (*model.AgentCertificate, error) {
	return r.scanOne(ctx, `
		SELECT id, owner_user_id, agent_id, kid, serial, fingerprint, cert_pem, chain_pem,
		       x5c, not_before, not_after, revoked_at, revoke_reason, created_at
		FROM agent_certificates WHERE serial = $1`, serial)
}

// GetByFingerprint looks up a certificate by its SHA-256 fingerprint —
// the only lookup key the public status route accepts.
func (r *CertRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*model.AgentCertificate, error) {
	return r.scanOne(ctx, `
		SELECT id, owner_user_id, agent_id, kid, serial, fingerprint, cert_pem, chain_pem,
		       x5c, not_before, not_after, revoked_at, revoke_reason, created_at
		FROM agent_certificates WHERE fingerprint = $1`, fingerprint)
}

func (r *CertRepository) scanOne(ctx context.Context, query string, arg any) (*model.AgentCertificate, error) {
	var c model.AgentCertificate
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&c.ID, &c.OwnerUserID, &c.AgentID, &c.Kid, &c.Serial, &c.Fingerprint, &c.CertPEM, &c.ChainPEM,
		&c.X5C, &c.NotBefore, &c.NotAfter, &c.RevokedAt, &c.RevokeReason, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent certificate: %w", err)
	}
	return &c, nil
}

// ListByOwner returns every certificate issued to userID, newest first.
func (r *CertRepository) ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.AgentCertificate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, owner_user_id, agent_id, kid, serial, fingerprint, cert_pem, chain_pem,
		       x5c, not_before, not_after, revoked_at, revoke_reason, created_at
		FROM agent_certificates WHERE owner_user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list certs by owner: %w", err)
	}
	defer rows.Close()

	var out []model.AgentCertificate
	for rows.Next() {
		var c model.AgentCertificate
		if err := rows.Scan(&c.ID, &c.OwnerUserID, &c.AgentID, &c.Kid, &c.Serial, &c.Fingerprint,
			&c.CertPEM, &c.ChainPEM, &c.X5C, &c.NotBefore, &c.NotAfter,
			&c.RevokedAt, &c.RevokeReason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent certificate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActiveCertForKid returns the active (unrevoked, in-window) certificate
// for (userID, kid), or ErrNotFound if none — used by the JWKS builder to
// decide whether to attach an x5c chain.
func (r *CertRepository) ActiveCertForKid(ctx context.Context, userID uuid.UUID, kid string) (*model.AgentCertificate, error) {
	now := time.Now().UTC()
	var c model.AgentCertificate
	err := r.db.QueryRow(ctx, `
		SELECT id, owner_user_id, agent_id, kid, serial, fingerprint, cert_pem, chain_pem,
		       x5c, not_before, not_after, revoked_at, revoke_reason, created_at
		FROM agent_certificates
		WHERE owner_user_id = $1 AND kid = $2 AND revoked_at IS NULL
		      AND not_before <= $3 AND not_after > $3
		ORDER BY created_at DESC LIMIT 1`, userID, kid, now,
	).Scan(&c.ID, &c.OwnerUserID, &c.AgentID, &c.Kid, &c.Serial, &c.Fingerprint, &c.CertPEM, &c.ChainPEM,
		&c.X5C, &c.NotBefore, &c.NotAfter, &c.RevokedAt, &c.RevokeReason, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active cert for kid: %w", err)
	}
	return &c, nil
}

// Revoke marks every currently-unrevoked row matching the given serial,
// kid, or fingerprint AND owned by ownerUserID as revoked — scoping by
// owner prevents one account from revoking another's certificate by
// guessing its identifiers. It reports howMany rows were newly revoked
// by this call; zero means every match was already revoked (or none
// matched this owner), which callers report as already revoked.
func (r *CertRepository) Revoke(ctx context.Context, ownerUserID uuid.UUID, serial, kid, fingerprint, reason string) (howMany int, err error) {
	now := time.Now().UTC()
	var tag pgconn.CommandTag
	switch {
	case serial != "":
		tag, err = r.db.Exec(ctx, `
			UPDATE agent_certificates SET revoked_at = $3, revoke_reason = $4
			WHERE serial = $1 AND owner_user_id = $2 AND revoked_at IS NULL`, serial, ownerUserID, now, reason)
	case kid != "":
		tag, err = r.db.Exec(ctx, `
			UPDATE agent_certificates SET revoked_at = $3, revoke_reason = $4
			WHERE kid = $1 AND owner_user_id = $2 AND revoked_at IS NULL`, kid, ownerUserID, now, reason)
	case fingerprint != "":
		tag, err = r.db.Exec(ctx, `
			UPDATE agent_certificates SET revoked_at = $3, revoke_reason = $4
			WHERE fingerprint = $1 AND owner_user_id = $2 AND revoked_at IS NULL`, fingerprint, ownerUserID, now, reason)
	default:
		return 0, fmt.Errorf("revoke: serial, kid, or fingerprint required")
	}
	if err != nil {
		return 0, fmt.Errorf("revoke certificate: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
