package ca_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/openbotauth/openbotauth/internal/ca"
	"github.com/openbotauth/openbotauth/internal/kv"
)

func signProof(t *testing.T, priv ed25519.PrivateKey, agentID string, ts int64) ca.Proof {
	t.Helper()
	msg := fmt.Sprintf("cert-issue:%s:%d", agentID, ts)
	return ca.Proof{Message: msg, Signature: ed25519.Sign(priv, []byte(msg))}
}

func TestProofValidator_Success(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v := ca.NewProofValidator(kv.NewMemory())

	proof := signProof(t, priv, "agent-123", time.Now().Unix())
	if err := v.Validate(context.Background(), proof, "agent-123", pub); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestProofValidator_Replay(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v := ca.NewProofValidator(kv.NewMemory())

	proof := signProof(t, priv, "agent-123", time.Now().Unix())
	if err := v.Validate(context.Background(), proof, "agent-123", pub); err != nil {
		t.Fatalf("first Validate: %v", err)
	}
	if err := v.Validate(context.Background(), proof, "agent-123", pub); err == nil {
		t.Fatalf("expected replay rejection on second use of the same proof")
	}
}

func TestProofValidator_WrongAgentID(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v := ca.NewProofValidator(kv.NewMemory())

	proof := signProof(t, priv, "agent-123", time.Now().Unix())
	if err := v.Validate(context.Background(), proof, "agent-999", pub); err == nil {
		t.Fatalf("expected error when agent_id does not match proof message")
	}
}

func TestProofValidator_StaleTimestamp(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v := ca.NewProofValidator(kv.NewMemory())

	proof := signProof(t, priv, "agent-123", time.Now().Add(-10*time.Minute).Unix())
	if err := v.Validate(context.Background(), proof, "agent-123", pub); err == nil {
		t.Fatalf("expected error for a proof timestamp older than 300s")
	}
}

func TestProofValidator_FutureTimestamp(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v := ca.NewProofValidator(kv.NewMemory())

	proof := signProof(t, priv, "agent-123", time.Now().Add(10*time.Minute).Unix())
	if err := v.Validate(context.Background(), proof, "agent-123", pub); err == nil {
		t.Fatalf("expected error for a proof timestamp too far in the future")
	}
}

func TestProofValidator_WrongSigner(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	v := ca.NewProofValidator(kv.NewMemory())

	proof := signProof(t, otherPriv, "agent-123", time.Now().Unix())
	if err := v.Validate(context.Background(), proof, "agent-123", pub); err == nil {
		t.Fatalf("expected error for a signature from the wrong key")
	}
}

func TestProofValidator_BadSignatureLength(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	v := ca.NewProofValidator(kv.NewMemory())

	proof := ca.Proof{
		Message:   fmt.Sprintf("cert-issue:agent-123:%d", time.Now().Unix()),
		Signature: []byte("too-short"),
	}
	if err := v.Validate(context.Background(), proof, "agent-123", pub); err == nil {
		t.Fatalf("expected error for a malformed signature length")
	}
}
