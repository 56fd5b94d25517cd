package ca

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const popNonceTTL = 300 * time.Second

// ErrProofReplay is returned when a proof message has already been
// consumed within the PoP-nonce TTL window.
var ErrProofReplay = fmt.Errorf("ca: proof already used (replay)")

// Proof is the {message, signature} pair a client submits with
// `POST /v1/certs/issue` to prove possession of the agent's private key.
type Proof struct {
	Message   string
	Signature []byte
}

// NonceStore is the atomic insert-or-reject surface the validator needs.
// Satisfied by kv.Store and by the registry's Postgres-backed
// PopNonceRepository; either way the implementation must decide the race
// in a single atomic operation.
type NonceStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// ProofValidator validates issuance proofs and enforces single-use via an
// atomic PoP-nonce store; the store is the only place replay defense is
// enforced, never a check-then-set pair.
type ProofValidator struct {
	Nonces NonceStore
}

// NewProofValidator returns a ProofValidator backed by store.
func NewProofValidator(store NonceStore) *ProofValidator {
	return &ProofValidator{Nonces: store}
}

// Validate checks proof against agentID and the agent's stored public
// key, fail-closed at every step, consuming the nonce in the validator's
// own store.
func (p *ProofValidator) Validate(ctx context.Context, proof Proof, agentID string, pub ed25519.PublicKey) error {
	return p.ValidateWith(ctx, p.Nonces, proof, agentID, pub)
}

// ValidateWith is Validate with the nonce store supplied by the caller.
// Certificate issuance passes a transaction-bound store here so that the
// nonce consumption commits or rolls back together with the cert insert:
// a failed issuance must not burn the proof.
func (p *ProofValidator) ValidateWith(ctx context.Context, nonces NonceStore, proof Proof, agentID string, pub ed25519.PublicKey) error {
	ts, err := extractTimestamp(proof.Message, agentID)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if ts > now+30 {
		return fmt.Errorf("ca: proof timestamp too far in the future")
	}
	if ts < now-300 {
		return fmt.Errorf("ca: proof timestamp too old")
	}

	if len(proof.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("ca: proof signature must be %d bytes", ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, []byte(proof.Message), proof.Signature) {
		return fmt.Errorf("ca: proof signature does not verify")
	}

	sum := sha256.Sum256([]byte(proof.Message))
	key := "pop:" + fmt.Sprintf("%x", sum)
	won, err := nonces.SetNX(ctx, key, "1", popNonceTTL)
	if err != nil {
		return fmt.Errorf("ca: pop-nonce store unavailable, failing closed: %w", err)
	}
	if !won {
		return ErrProofReplay
	}
	return nil
}

// extractTimestamp validates message is exactly
// "cert-issue:{agentID}:{unix_seconds}" and returns the embedded
// timestamp.
func extractTimestamp(message, agentID string) (int64, error) {
	want := "cert-issue:" + agentID + ":"
	if !strings.HasPrefix(message, want) {
		return 0, fmt.Errorf("ca: proof message does not match agent_id")
	}
	tsStr := strings.TrimPrefix(message, want)
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ca: proof message has invalid timestamp: %w", err)
	}
	return ts, nil
}
