package service

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/ca"
	"github.com/openbotauth/openbotauth/internal/email"
	"github.com/openbotauth/openbotauth/internal/registry/model"
)

const (
	defaultCertValidity      = 90 * 24 * time.Hour
	defaultCertMaxActiveKid  = 1
	defaultCertMaxIssuedDay  = 10
)

// CertRepo is the transactional persistence surface CertService needs.
type CertRepo interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	LockAgentForIssuance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) error
	CountActiveByKid(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, kid string, now time.Time) (int, error)
	CountIssuedToday(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int, error)
	Insert(ctx context.Context, tx pgx.Tx, c *model.AgentCertificate) error
	GetBySerial(ctx context.Context, serial string) (*model.AgentCertificate, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*model.AgentCertificate, error)
	ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.AgentCertificate, error)
	Revoke(ctx context.Context, ownerUserID uuid.UUID, serial, kid, fingerprint, reason string) (int, error)
}

// AgentLookup is the narrow agent read CertService needs to resolve the
// proof's public key and display name.
type AgentLookup interface {
	GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error)
}

// OwnerLookup resolves a cert owner's notification address.
type OwnerLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// PopNonceTx scopes the proof-of-possession nonce insert to the
// issuance transaction, so a rolled-back issuance releases the nonce
// instead of burning it for the proof's TTL.
type PopNonceTx interface {
	InTx(tx pgx.Tx) ca.NonceStore
}

// CertService issues and revokes leaf certificates,
// wrapping internal/ca's issuer and proof validator with the caps and
// transactional bookkeeping the CA package itself knows nothing about.
type CertService struct {
	certs     CertRepo
	agents    AgentLookup
	owners    OwnerLookup
	issuer    *ca.Issuer
	proofs    *ca.ProofValidator
	popNonces PopNonceTx
	notifier  email.EmailSender
	log       *zap.Logger
	validity  time.Duration
	maxActive int
	maxPerDay int
}

// NewCertService returns a CertService. maxActivePerKid and
// maxIssuedPerDay of zero fall back to the documented defaults.
// notifier may be nil, in which case owners aren't emailed about
// certificate lifecycle events.
func NewCertService(certs CertRepo, agents AgentLookup, owners OwnerLookup, issuer *ca.Issuer, proofs *ca.ProofValidator, popNonces PopNonceTx, notifier email.EmailSender, log *zap.Logger, validity time.Duration, maxActivePerKid, maxIssuedPerDay int) *CertService {
	if validity <= 0 {
		validity = defaultCertValidity
	}
	if maxActivePerKid <= 0 {
		maxActivePerKid = defaultCertMaxActiveKid
	}
	if maxIssuedPerDay <= 0 {
		maxIssuedPerDay = defaultCertMaxIssuedDay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CertService{certs: certs, agents: agents, owners: owners, issuer: issuer, proofs: proofs,
		popNonces: popNonces, notifier: notifier, log: log,
		validity: validity, maxActive: maxActivePerKid, maxPerDay: maxIssuedPerDay}
}

// notifyOwner emails ownerUserID about a certificate lifecycle event,
// fire-and-forget — a delivery failure is logged but never propagated to
// the caller, since it must not block issuance or revocation.
func (s *CertService) notifyOwner(ownerUserID uuid.UUID, subject, body string) {
	if s.notifier == nil || s.owners == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		user, err := s.owners.GetByID(ctx, ownerUserID)
		if err != nil || user.Email == "" {
			return
		}
		if err := s.notifier.Send(ctx, user.Email, subject, body); err != nil {
			s.log.Warn("certificate notification email failed", zap.Error(err))
		}
	}()
}

// ErrActiveCertCap is returned when the (agent, kid) active-cert cap is
// already at its limit.
var ErrActiveCertCap = fmt.Errorf("registry: active certificate cap exceeded")

// ErrDailyIssuanceCap is returned when the agent has already hit its
// daily issuance cap.
var ErrDailyIssuanceCap = fmt.Errorf("registry: daily issuance cap exceeded")

// Issue validates proof against the agent identified by agentID and, if
// every fail-closed check passes, issues and persists a new
// leaf certificate inside a single transaction.
func (s *CertService) Issue(ctx context.Context, ownerUserID uuid.UUID, agentID string, proof ca.Proof) (*model.AgentCertificate, error) {
	agent, err := s.agents.GetByAgentID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	if agent.OwnerUserID != ownerUserID {
		return nil, fmt.Errorf("registry: agent not owned by caller")
	}

	tx, err := s.certs.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin issuance tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.certs.LockAgentForIssuance(ctx, tx, agent.ID); err != nil {
		return nil, fmt.Errorf("lock agent: %w", err)
	}

	// Proof validation runs inside the issuance transaction so the
	// nonce consumption commits or rolls back with the cert insert: a
	// failure past this point must not burn the proof.
	pub := ed25519.PublicKey(agent.PublicKey)
	if err := s.proofs.ValidateWith(ctx, s.popNonces.InTx(tx), proof, agentID, pub); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	activeCount, err := s.certs.CountActiveByKid(ctx, tx, agent.ID, agent.Kid, now)
	if err != nil {
		return nil, err
	}
	if activeCount >= s.maxActive {
		return nil, ErrActiveCertCap
	}
	issuedToday, err := s.certs.CountIssuedToday(ctx, tx, agent.ID)
	if err != nil {
		return nil, err
	}
	if issuedToday >= s.maxPerDay {
		return nil, ErrDailyIssuanceCap
	}

	issued, err := s.issuer.IssueLeafCert(pub, agent.Kid, agentID, agent.DisplayName, s.validity)
	if err != nil {
		return nil, fmt.Errorf("issue leaf certificate: %w", err)
	}

	row := &model.AgentCertificate{
		OwnerUserID: ownerUserID,
		AgentID:     agent.ID.String(),
		Kid:         agent.Kid,
		Serial:      issued.Serial,
		Fingerprint: issued.Fingerprint,
		CertPEM:     issued.CertPEM,
		ChainPEM:    issued.ChainPEM,
		X5C:         issued.X5C,
		NotBefore:   issued.NotBefore,
		NotAfter:    issued.NotAfter,
	}
	if err := s.certs.Insert(ctx, tx, row); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit issuance tx: %w", err)
	}
	s.notifyOwner(ownerUserID, "New agent certificate issued",
		fmt.Sprintf("A new certificate (serial %s) was issued for agent %s.", row.Serial, agentID))
	return row, nil
}

// RevokeResult reports the outcome of a revocation request.
type RevokeResult struct {
	Revoked        int
	AlreadyRevoked bool
}

// Revoke marks matching unrevoked certificates owned by ownerUserID (by
// serial, kid, or fingerprint) as revoked with reason, which must
// already be a valid RevocationReason string. Re-revoking a
// fully-revoked match — or targeting identifiers this caller doesn't
// own — is reported as success with AlreadyRevoked=true, never an
// error, so the response never discloses whether the certificate
// belongs to someone else.
func (s *CertService) Revoke(ctx context.Context, ownerUserID uuid.UUID, serial, kid, fingerprint string, reason ca.RevocationReason) (*RevokeResult, error) {
	n, err := s.certs.Revoke(ctx, ownerUserID, serial, kid, fingerprint, string(reason))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		s.notifyOwner(ownerUserID, "Agent certificate revoked",
			fmt.Sprintf("A certificate was revoked (reason: %s).", reason))
	}
	return &RevokeResult{Revoked: n, AlreadyRevoked: n == 0}, nil
}

// GetBySerial looks up a certificate by its unique serial.
func (s *CertService) GetBySerial(ctx context.Context, serial string) (*model.AgentCertificate, error) {
	return s.certs.GetBySerial(ctx, serial)
}

// GetByFingerprint looks up a certificate by its SHA-256 fingerprint.
func (s *CertService) GetByFingerprint(ctx context.Context, fingerprint string) (*model.AgentCertificate, error) {
	return s.certs.GetByFingerprint(ctx, fingerprint)
}

// ListByOwner returns every certificate issued to userID.
func (s *CertService) ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.AgentCertificate, error) {
	return s.certs.ListByOwner(ctx, userID)
}
