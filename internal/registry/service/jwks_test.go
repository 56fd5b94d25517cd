package service_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

type fakeJWKSRepo struct {
	profile *model.Profile
	current []model.PublicKey
	history []model.KeyHistory
	agents  []model.Agent
	certs   map[string]*model.AgentCertificate
}

func (f *fakeJWKSRepo) GetProfile(ctx context.Context, username string) (*model.Profile, error) {
	return f.profile, nil
}
func (f *fakeJWKSRepo) ListActiveKeys(ctx context.Context, userID uuid.UUID) ([]model.PublicKey, error) {
	return f.current, nil
}
func (f *fakeJWKSRepo) ListKeyHistory(ctx context.Context, userID uuid.UUID) ([]model.KeyHistory, error) {
	return f.history, nil
}
func (f *fakeJWKSRepo) ListActiveAgents(ctx context.Context, userID uuid.UUID) ([]model.Agent, error) {
	return f.agents, nil
}
func (f *fakeJWKSRepo) ActiveCertForKid(ctx context.Context, userID uuid.UUID, kid string) (*model.AgentCertificate, error) {
	return f.certs[kid], nil
}

func genEd25519(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestJWKSService_BuildDirectory_CurrentKeyAndAgent(t *testing.T) {
	userPub, _ := genEd25519(t)
	agentPub, _ := genEd25519(t)

	userKid, _ := jwkset.Thumbprint(userPub)
	agentKid, _ := jwkset.Thumbprint(agentPub)

	repo := &fakeJWKSRepo{
		profile: &model.Profile{UserID: uuid.New(), Username: "acme", ClientName: "Acme Bot", Verified: true},
		current: []model.PublicKey{{Kid: userKid, PublicKey: userPub}},
		agents:  []model.Agent{{Kid: agentKid, PublicKey: agentPub, Status: model.AgentStatusActive}},
		certs:   map[string]*model.AgentCertificate{},
	}

	dir, err := service.NewJWKSService(repo).BuildDirectory(context.Background(), "acme")
	if err != nil {
		t.Fatalf("BuildDirectory: %v", err)
	}
	if dir.ClientName != "Acme Bot" {
		t.Fatalf("unexpected client_name: %q", dir.ClientName)
	}

	// Each canonical key gets a legacy alias entry, so 2 keys -> 4 JWKs.
	if len(dir.Keys) != 4 {
		t.Fatalf("expected 4 keys (2 canonical + 2 legacy aliases), got %d", len(dir.Keys))
	}

	found := map[string]bool{}
	for _, k := range dir.Keys {
		found[k.Kid] = true
	}
	if !found[userKid] || !found[agentKid] {
		t.Fatalf("expected both canonical kids present: %v", found)
	}
}

func TestJWKSService_BuildDirectory_FallsBackToHistory(t *testing.T) {
	histPub, _ := genEd25519(t)
	histKid, _ := jwkset.Thumbprint(histPub)

	repo := &fakeJWKSRepo{
		profile: &model.Profile{UserID: uuid.New(), Username: "acme", ClientName: "Acme Bot"},
		history: []model.KeyHistory{{Kid: histKid, PublicKey: histPub}},
		certs:   map[string]*model.AgentCertificate{},
	}

	dir, err := service.NewJWKSService(repo).BuildDirectory(context.Background(), "acme")
	if err != nil {
		t.Fatalf("BuildDirectory: %v", err)
	}
	if len(dir.Keys) != 2 {
		t.Fatalf("expected 2 keys (1 canonical + 1 legacy alias), got %d", len(dir.Keys))
	}
}

func TestJWKSService_BuildDirectory_EmptyKeySet(t *testing.T) {
	repo := &fakeJWKSRepo{
		profile: &model.Profile{UserID: uuid.New(), Username: "acme"},
		certs:   map[string]*model.AgentCertificate{},
	}

	_, err := service.NewJWKSService(repo).BuildDirectory(context.Background(), "acme")
	if err != service.ErrEmptyKeySet {
		t.Fatalf("expected ErrEmptyKeySet, got %v", err)
	}
}

func TestJWKSService_BuildDirectory_AttachesX5C(t *testing.T) {
	userPub, _ := genEd25519(t)
	userKid, _ := jwkset.Thumbprint(userPub)

	repo := &fakeJWKSRepo{
		profile: &model.Profile{UserID: uuid.New(), Username: "acme"},
		current: []model.PublicKey{{Kid: userKid, PublicKey: userPub}},
		certs: map[string]*model.AgentCertificate{
			userKid: {Kid: userKid, X5C: []string{"leafDER", "rootDER"}},
		},
	}

	dir, err := service.NewJWKSService(repo).BuildDirectory(context.Background(), "acme")
	if err != nil {
		t.Fatalf("BuildDirectory: %v", err)
	}
	for _, k := range dir.Keys {
		if k.Kid == userKid {
			if len(k.X5C) != 2 {
				t.Fatalf("expected x5c attached to canonical kid, got %v", k.X5C)
			}
		}
		if k.Kid != userKid && len(k.X5C) != 0 {
			t.Fatalf("legacy alias entry must never carry an x5c chain")
		}
	}
}
