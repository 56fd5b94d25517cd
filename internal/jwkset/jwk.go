// Package jwkset builds and canonicalizes JSON Web Keys and JWK Sets for
// Ed25519 (OKP) keys, and derives the key identifiers the rest of the system
// treats as opaque strings.
package jwkset

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// JWK is one entry in a JWK Set: an OKP/Ed25519 public key plus the
// optional x5c certificate chain attached when a certificate is issued
// over that key.
type JWK struct {
	Kid         string   `json:"kid"`
	Kty         string   `json:"kty"`
	Crv         string   `json:"crv"`
	X           string   `json:"x"`
	X5C         []string `json:"x5c,omitempty"`
	LegacyAlias string   `json:"-"`
}

// Set is a Web-Bot-Auth compliant JWKS document. ClientName is the one
// piece of directory trust metadata retained when a fetched directory is
// cached: the verifier surfaces it in its verdict alongside the kid.
type Set struct {
	ClientName string `json:"client_name,omitempty"`
	Keys       []JWK  `json:"keys"`
}

// FromPublicKey builds a JWK for pub, deriving its canonical kid via
// Thumbprint. Callers that need a legacy alias should populate
// LegacyAlias with LegacyKid separately; FromPublicKey never guesses at
// backward-compatibility needs on its own.
func FromPublicKey(pub ed25519.PublicKey) (JWK, error) {
	kid, err := Thumbprint(pub)
	if err != nil {
		return JWK{}, err
	}
	return JWK{
		Kid: kid,
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}, nil
}

// Thumbprint computes the canonical kid for an Ed25519 public key: the
// base64url (no padding) encoding of the SHA-256 digest of the lexically
// ordered JWK {"crv":"Ed25519","kty":"OKP","x":"..."}.
//
// go-jose's JSONWebKey.Thumbprint implements RFC 7638 canonicalization,
// which for an OKP key already orders fields crv/kty/x — the same order
// the system's own kid-derivation rule specifies — so it is used here
// rather than hand-rolling the canonical JSON.
func Thumbprint(pub ed25519.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// LegacyKid computes the pre-thumbprint kid format retained as an alias
// for keys registered before the canonical-thumbprint rule existed: the
// lowercase hex SHA-256 digest of the raw 32-byte public key, with no JWK
// wrapping. Both this and Thumbprint must resolve to the same key during
// the deprecation window described in the key-history documentation.
func LegacyKid(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%x", sum)
}

// CanonicalJSON returns the exact canonical JWK bytes the thumbprint is
// computed over, for logging and test assertions only; it is never sent
// over the wire as-is.
func CanonicalJSON(pub ed25519.PublicKey) ([]byte, error) {
	x := base64.RawURLEncoding.EncodeToString(pub)
	type canon struct {
		Crv string `json:"crv"`
		Kty string `json:"kty"`
		X   string `json:"x"`
	}
	return json.Marshal(canon{Crv: "Ed25519", Kty: "OKP", X: x})
}

// PublicKey extracts the raw Ed25519 public key bytes from a JWK, failing
// if the key is not a 32-byte OKP/Ed25519 key.
func (k JWK) PublicKey() (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return nil, fmt.Errorf("unsupported jwk kty/crv: %s/%s", k.Kty, k.Crv)
	}
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode jwk x: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("jwk x has wrong length: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
