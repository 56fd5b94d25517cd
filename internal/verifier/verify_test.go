package verifier_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/sigbase"
	"github.com/openbotauth/openbotauth/internal/verifier"
)

// testSigner signs a request the same way the client-side signer
// does, returning the three headers to attach.
type testSigner struct {
	priv ed25519.PrivateKey
	kid  string
}

func (s testSigner) sign(t *testing.T, req *sigbase.Request, created, expires int64, nonce string) (sigInput, signature string) {
	t.Helper()
	params := sigbase.Params{
		Label:      "sig1",
		Components: []sigbase.Component{sigbase.CompMethod, sigbase.CompPath, sigbase.CompAuthority},
		Created:    created,
		Expires:    expires,
		Nonce:      nonce,
		KeyID:      s.kid,
		Alg:        "ed25519",
	}
	base, err := sigbase.Build(req, params)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	sig := ed25519.Sign(s.priv, []byte(base))
	return params.SignatureInputValue(), fmt.Sprintf("sig1=:%s:", base64.StdEncoding.EncodeToString(sig))
}

func newTestSigner(t *testing.T) testSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kid, err := jwkset.Thumbprint(pub)
	if err != nil {
		t.Fatalf("thumbprint: %v", err)
	}
	return testSigner{priv: priv, kid: kid}
}

func jwksServer(t *testing.T, pub ed25519.PublicKey, kid string) *httptest.Server {
	t.Helper()
	jwk, err := jwkset.FromPublicKey(pub)
	if err != nil {
		t.Fatalf("FromPublicKey: %v", err)
	}
	jwk.Kid = kid
	body, err := json.Marshal(jwkset.Set{ClientName: "alice", Keys: []jwkset.JWK{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write(body)
	}))
}

func newVerifier(t *testing.T, trustedHost string) *verifier.Verifier {
	t.Helper()
	cfg := verifier.DefaultConfig()
	cfg.TrustedDirectories = []string{trustedHost}
	nonces := kv.NewMemory()
	store := kv.NewMemory()
	cache := verifier.NewJWKSCache(store, http.DefaultClient)
	return verifier.NewVerifier(cfg, nonces, cache, nil)
}

func TestVerify_Success(t *testing.T) {
	signer := newTestSigner(t)
	ts := jwksServer(t, signerPublicKey(t, signer), signer.kid)
	defer ts.Close()

	v := newVerifier(t, hostOf(t, ts.URL))

	req := buildReq(t, "POST", ts.URL+"/resource")
	now := time.Now().Unix()
	sigInput, signature := signer.sign(t, req, now, now+300, "abcdefghijklmnop")

	verdict := v.Verify(context.Background(), req, sigInput, signature, ts.URL)
	if !verdict.Verified {
		t.Fatalf("expected verified=true, got error=%s", verdict.Error)
	}
	if verdict.Agent.Kid != signer.kid {
		t.Errorf("agent kid = %q, want %q", verdict.Agent.Kid, signer.kid)
	}
	if verdict.Agent.ClientName != "alice" {
		t.Errorf("agent client_name = %q, want %q (from the directory document)", verdict.Agent.ClientName, "alice")
	}
}

func TestVerify_MissingHeaders(t *testing.T) {
	v := newVerifier(t, "example.com")
	req := buildReq(t, "GET", "https://example.com/x")
	verdict := v.Verify(context.Background(), req, "", "", "")
	if verdict.Verified || verdict.Error != verifier.MissingSignature {
		t.Errorf("expected MissingSignature, got %+v", verdict)
	}
}

func TestVerify_Replay(t *testing.T) {
	signer := newTestSigner(t)
	ts := jwksServer(t, signerPublicKey(t, signer), signer.kid)
	defer ts.Close()
	v := newVerifier(t, hostOf(t, ts.URL))

	req := buildReq(t, "POST", ts.URL+"/resource")
	now := time.Now().Unix()
	sigInput, signature := signer.sign(t, req, now, now+300, "replay-nonce-0001")

	first := v.Verify(context.Background(), req, sigInput, signature, ts.URL)
	if !first.Verified {
		t.Fatalf("first verify should succeed, got %+v", first)
	}
	second := v.Verify(context.Background(), req, sigInput, signature, ts.URL)
	if second.Verified || second.Error != verifier.Replay {
		t.Errorf("expected Replay on reuse, got %+v", second)
	}
}

func TestVerify_Stale(t *testing.T) {
	signer := newTestSigner(t)
	ts := jwksServer(t, signerPublicKey(t, signer), signer.kid)
	defer ts.Close()
	v := newVerifier(t, hostOf(t, ts.URL))

	req := buildReq(t, "POST", ts.URL+"/resource")
	old := time.Now().Add(-time.Hour).Unix()
	sigInput, signature := signer.sign(t, req, old, old+300, "stale-nonce-000001")

	verdict := v.Verify(context.Background(), req, sigInput, signature, ts.URL)
	if verdict.Verified || verdict.Error != verifier.Stale {
		t.Errorf("expected Stale, got %+v", verdict)
	}
}

func TestVerify_UntrustedDirectory(t *testing.T) {
	signer := newTestSigner(t)
	ts := jwksServer(t, signerPublicKey(t, signer), signer.kid)
	defer ts.Close()
	v := newVerifier(t, "some-other-host.example")

	req := buildReq(t, "POST", ts.URL+"/resource")
	now := time.Now().Unix()
	sigInput, signature := signer.sign(t, req, now, now+300, "untrusted-nonce-01")

	verdict := v.Verify(context.Background(), req, sigInput, signature, ts.URL)
	if verdict.Verified || verdict.Error != verifier.UntrustedDirectory {
		t.Errorf("expected UntrustedDirectory, got %+v", verdict)
	}
}

func TestVerify_SensitiveHeaderCovered(t *testing.T) {
	signer := newTestSigner(t)
	ts := jwksServer(t, signerPublicKey(t, signer), signer.kid)
	defer ts.Close()
	v := newVerifier(t, hostOf(t, ts.URL))

	req := buildReq(t, "POST", ts.URL+"/resource")
	req.Headers.Set("Cookie", "session=abc")
	now := time.Now().Unix()

	params := sigbase.Params{
		Label:      "sig1",
		Components: []sigbase.Component{sigbase.CompMethod, "cookie"},
		Created:    now,
		Expires:    now + 300,
		Nonce:      "cookie-covered-nonce",
		KeyID:      signer.kid,
		Alg:        "ed25519",
	}
	base, err := sigbase.Build(req, params)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	sig := ed25519.Sign(signer.priv, []byte(base))
	sigInput := params.SignatureInputValue()
	signature := fmt.Sprintf("sig1=:%s:", base64.StdEncoding.EncodeToString(sig))

	verdict := v.Verify(context.Background(), req, sigInput, signature, ts.URL)
	if verdict.Verified || verdict.Error != verifier.SensitiveHeaderCov {
		t.Errorf("expected SensitiveHeaderCovered, got %+v", verdict)
	}
}

func TestVerify_UnknownKeyId(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)
	ts := jwksServer(t, signerPublicKey(t, other), other.kid) // JWKS only has "other"'s key
	defer ts.Close()
	v := newVerifier(t, hostOf(t, ts.URL))

	req := buildReq(t, "POST", ts.URL+"/resource")
	now := time.Now().Unix()
	sigInput, signature := signer.sign(t, req, now, now+300, "unknown-kid-nonce01")

	verdict := v.Verify(context.Background(), req, sigInput, signature, ts.URL)
	if verdict.Verified || verdict.Error != verifier.UnknownKeyId {
		t.Errorf("expected UnknownKeyId, got %+v", verdict)
	}
}

func TestVerify_BadSignature(t *testing.T) {
	signer := newTestSigner(t)
	ts := jwksServer(t, signerPublicKey(t, signer), signer.kid)
	defer ts.Close()
	v := newVerifier(t, hostOf(t, ts.URL))

	req := buildReq(t, "POST", ts.URL+"/resource")
	now := time.Now().Unix()
	sigInput, _ := signer.sign(t, req, now, now+300, "bad-signature-nonce1")
	// Tamper with the signature bytes.
	signature := "sig1=:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA:"

	verdict := v.Verify(context.Background(), req, sigInput, signature, ts.URL)
	if verdict.Verified || verdict.Error != verifier.BadSignature {
		t.Errorf("expected BadSignature, got %+v", verdict)
	}
}

// -- helpers --

func signerPublicKey(t *testing.T, s testSigner) ed25519.PublicKey {
	t.Helper()
	return s.priv.Public().(ed25519.PublicKey)
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u := parseURL(t, rawURL)
	return u.Hostname()
}

func parseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return u
}

func buildReq(t *testing.T, method, rawURL string) *sigbase.Request {
	t.Helper()
	return &sigbase.Request{Method: method, URL: parseURL(t, rawURL), Headers: http.Header{}}
}
