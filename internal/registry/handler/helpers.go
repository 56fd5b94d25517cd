package handler

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// mustJSON marshals v, panicking only if v itself is unmarshalable —
// every caller passes a fixed internal struct, never user input.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("handler: marshal response: %v", err))
	}
	return b
}

// agentJWK derives the JWK for an Agent's stored Ed25519 public key.
func agentJWK(a *model.Agent) (jwkset.JWK, error) {
	pub := ed25519.PublicKey(a.PublicKey)
	jwk, err := jwkset.FromPublicKey(pub)
	if err != nil {
		return jwkset.JWK{}, err
	}
	jwk.LegacyAlias = jwkset.LegacyKid(pub)
	return jwk, nil
}
