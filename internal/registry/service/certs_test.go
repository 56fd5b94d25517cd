package service_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openbotauth/openbotauth/internal/ca"
	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// fakeTx satisfies pgx.Tx for the service-level tests; only Commit and
// Rollback are ever reached through CertService.
type fakeTx struct {
	pgx.Tx
	committed bool
}

func (f *fakeTx) Commit(ctx context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeCertRepo struct {
	activeCount int
	issuedToday int
	inserted    []*model.AgentCertificate
	revoked     int
	lastTx      *fakeTx
}

func (f *fakeCertRepo) BeginTx(ctx context.Context) (pgx.Tx, error) {
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

func (f *fakeCertRepo) LockAgentForIssuance(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) error {
	return nil
}

func (f *fakeCertRepo) CountActiveByKid(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, kid string, now time.Time) (int, error) {
	return f.activeCount, nil
}

func (f *fakeCertRepo) CountIssuedToday(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int, error) {
	return f.issuedToday, nil
}

func (f *fakeCertRepo) Insert(ctx context.Context, tx pgx.Tx, c *model.AgentCertificate) error {
	f.inserted = append(f.inserted, c)
	return nil
}

func (f *fakeCertRepo) GetBySerial(ctx context.Context, serial string) (*model.AgentCertificate, error) {
	return nil, nil
}

func (f *fakeCertRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*model.AgentCertificate, error) {
	return nil, nil
}

func (f *fakeCertRepo) ListByOwner(ctx context.Context, userID uuid.UUID) ([]model.AgentCertificate, error) {
	return nil, nil
}

func (f *fakeCertRepo) Revoke(ctx context.Context, ownerUserID uuid.UUID, serial, kid, fingerprint, reason string) (int, error) {
	n := f.revoked
	f.revoked = 0
	return n, nil
}

type fakeAgentLookup struct {
	agent *model.Agent
}

func (f *fakeAgentLookup) GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error) {
	return f.agent, nil
}

// fakePopNonces hands every transaction the same in-memory store,
// mimicking a store whose inserts always commit.
type fakePopNonces struct {
	store ca.NonceStore
}

func (f fakePopNonces) InTx(tx pgx.Tx) ca.NonceStore { return f.store }

func newCertFixture(t *testing.T, repo *fakeCertRepo) (*service.CertService, *model.Agent, ed25519.PrivateKey) {
	t.Helper()

	mgr := ca.NewManager(t.TempDir())
	if err := mgr.Create(); err != nil {
		t.Fatalf("create CA: %v", err)
	}
	issuer := ca.NewIssuer(mgr)
	nonces := kv.NewMemory()
	proofs := ca.NewProofValidator(nonces)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate agent key: %v", err)
	}
	kid, _ := jwkset.Thumbprint(pub)
	agent := &model.Agent{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		AgentID:     "agent:checkout@acme.example.com",
		Kid:         kid,
		PublicKey:   []byte(pub),
		DisplayName: "Checkout Bot",
		Status:      model.AgentStatusActive,
	}

	svc := service.NewCertService(repo, &fakeAgentLookup{agent: agent}, nil, issuer, proofs,
		fakePopNonces{store: nonces}, nil, nil, time.Hour, 1, 10)
	return svc, agent, priv
}

func signProof(priv ed25519.PrivateKey, agentID string) ca.Proof {
	msg := fmt.Sprintf("cert-issue:%s:%d", agentID, time.Now().Unix())
	return ca.Proof{Message: msg, Signature: ed25519.Sign(priv, []byte(msg))}
}

func TestCertService_Issue(t *testing.T) {
	repo := &fakeCertRepo{}
	svc, agent, priv := newCertFixture(t, repo)

	cert, err := svc.Issue(context.Background(), agent.OwnerUserID, agent.AgentID, signProof(priv, agent.AgentID))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if cert.Serial == "" || cert.Fingerprint == "" {
		t.Fatalf("issued cert missing serial/fingerprint: %+v", cert)
	}
	if cert.Kid != agent.Kid {
		t.Fatalf("cert kid must match the agent's JWK thumbprint")
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("expected exactly one insert, got %d", len(repo.inserted))
	}
	if !repo.lastTx.committed {
		t.Fatalf("issuance must commit its transaction")
	}
}

func TestCertService_Issue_RejectsProofReplay(t *testing.T) {
	repo := &fakeCertRepo{}
	svc, agent, priv := newCertFixture(t, repo)
	proof := signProof(priv, agent.AgentID)

	if _, err := svc.Issue(context.Background(), agent.OwnerUserID, agent.AgentID, proof); err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	_, err := svc.Issue(context.Background(), agent.OwnerUserID, agent.AgentID, proof)
	if !errors.Is(err, ca.ErrProofReplay) {
		t.Fatalf("expected ErrProofReplay, got %v", err)
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("replay must not insert a second cert")
	}
}

func TestCertService_Issue_RejectsNonOwner(t *testing.T) {
	repo := &fakeCertRepo{}
	svc, agent, priv := newCertFixture(t, repo)

	if _, err := svc.Issue(context.Background(), uuid.New(), agent.AgentID, signProof(priv, agent.AgentID)); err == nil {
		t.Fatalf("expected ownership rejection")
	}
}

func TestCertService_Issue_ActiveCertCap(t *testing.T) {
	repo := &fakeCertRepo{activeCount: 1}
	svc, agent, priv := newCertFixture(t, repo)

	_, err := svc.Issue(context.Background(), agent.OwnerUserID, agent.AgentID, signProof(priv, agent.AgentID))
	if err != service.ErrActiveCertCap {
		t.Fatalf("expected ErrActiveCertCap, got %v", err)
	}
}

func TestCertService_Issue_DailyIssuanceCap(t *testing.T) {
	repo := &fakeCertRepo{issuedToday: 10}
	svc, agent, priv := newCertFixture(t, repo)

	_, err := svc.Issue(context.Background(), agent.OwnerUserID, agent.AgentID, signProof(priv, agent.AgentID))
	if err != service.ErrDailyIssuanceCap {
		t.Fatalf("expected ErrDailyIssuanceCap, got %v", err)
	}
}

func TestCertService_Revoke_Idempotent(t *testing.T) {
	repo := &fakeCertRepo{revoked: 1}
	svc, agent, _ := newCertFixture(t, repo)

	res, err := svc.Revoke(context.Background(), agent.OwnerUserID, "serial-1", "", "", ca.ReasonKeyCompromise)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if res.AlreadyRevoked || res.Revoked != 1 {
		t.Fatalf("first revocation must report one newly revoked row, got %+v", res)
	}

	// Second call matches zero rows; reported as success, not an error.
	res, err = svc.Revoke(context.Background(), agent.OwnerUserID, "serial-1", "", "", ca.ReasonKeyCompromise)
	if err != nil {
		t.Fatalf("re-Revoke: %v", err)
	}
	if !res.AlreadyRevoked {
		t.Fatalf("re-revocation must report already_revoked=true")
	}
}
