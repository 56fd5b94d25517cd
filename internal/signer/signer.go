// Package signer is the bot-side counterpart to internal/verifier: it
// constructs the signature base string for an outgoing request, signs it
// with an Ed25519 key, and attaches the three signature headers.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/openbotauth/openbotauth/internal/sigbase"
)

// defaultExpiry is how long a signature remains fresh after creation.
const defaultExpiry = 300 * time.Second

// Signer attaches RFC 9421 signature headers to outgoing requests on
// behalf of one agent keypair.
type Signer struct {
	Kid        string
	JWKSURL    string
	PrivateKey ed25519.PrivateKey
	Label      string        // defaults to "sig1"
	Expiry     time.Duration // defaults to 300s

	// nonce is overridable in tests; production callers leave it nil and
	// get crypto/rand nonces.
	nonce func() (string, error)
}

// New returns a Signer for the given keypair, identified by kid and
// resolvable via jwksURL.
func New(kid, jwksURL string, priv ed25519.PrivateKey) *Signer {
	return &Signer{Kid: kid, JWKSURL: jwksURL, PrivateKey: priv}
}

// Sign computes and attaches Signature-Input, Signature, and
// Signature-Agent headers to req. It always covers @method, @path,
// @authority.
func (s *Signer) Sign(req *http.Request) error {
	return s.SignComponents(req, sigbase.CompMethod, sigbase.CompPath, sigbase.CompAuthority)
}

// SignComponents is like Sign but lets the caller cover additional
// components (e.g. literal headers) beyond the mandatory three. The three
// mandatory derived components are always included even if the caller
// omits them.
func (s *Signer) SignComponents(req *http.Request, extra ...sigbase.Component) error {
	label := s.Label
	if label == "" {
		label = "sig1"
	}
	expiry := s.Expiry
	if expiry <= 0 {
		expiry = defaultExpiry
	}

	components := mandatoryFirst(extra)

	nonce, err := s.generateNonce()
	if err != nil {
		return fmt.Errorf("signer: generate nonce: %w", err)
	}

	now := time.Now().Unix()
	params := sigbase.Params{
		Label:      label,
		Components: components,
		Created:    now,
		Expires:    now + int64(expiry.Seconds()),
		Nonce:      nonce,
		KeyID:      s.Kid,
		Alg:        "ed25519",
	}

	sreq := sigbase.NewRequestFromHTTP(req)
	baseString, err := sigbase.Build(sreq, params)
	if err != nil {
		return fmt.Errorf("signer: build base string: %w", err)
	}

	sig := ed25519.Sign(s.PrivateKey, []byte(baseString))

	req.Header.Set("Signature-Input", params.SignatureInputValue())
	req.Header.Set("Signature", label+"=:"+base64.StdEncoding.EncodeToString(sig)+":")
	req.Header.Set("Signature-Agent", s.JWKSURL)
	return nil
}

func (s *Signer) generateNonce() (string, error) {
	if s.nonce != nil {
		return s.nonce()
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// mandatoryFirst returns the fixed @method/@path/@authority triple
// followed by any extra components not already in that triple.
func mandatoryFirst(extra []sigbase.Component) []sigbase.Component {
	mandatory := []sigbase.Component{sigbase.CompMethod, sigbase.CompPath, sigbase.CompAuthority}
	seen := map[sigbase.Component]bool{
		sigbase.CompMethod:    true,
		sigbase.CompPath:      true,
		sigbase.CompAuthority: true,
	}
	out := mandatory
	for _, c := range extra {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
