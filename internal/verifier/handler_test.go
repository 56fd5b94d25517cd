package verifier_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/policy"
	"github.com/openbotauth/openbotauth/internal/verifier"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type authorizeFixture struct {
	router *gin.Engine
	signer testSigner
	jwks   *httptest.Server
}

// newAuthorizeFixture stands up a verifier Server whose policy demands
// payment for /premium and allows everything else.
func newAuthorizeFixture(t *testing.T) *authorizeFixture {
	t.Helper()

	s := newTestSigner(t)
	ts := jwksServer(t, signerPublicKey(t, s), s.kid)
	t.Cleanup(ts.Close)

	v := newVerifier(t, hostOf(t, ts.URL))
	store := kv.NewMemory()
	srv := verifier.NewServer(v, store, "verifier", nil)
	srv.Policy = policy.PolicyFunc(func(_ context.Context, res policy.Resource, _ policy.Caller) policy.Decision {
		if strings.HasPrefix(res.Path, "/premium") {
			return policy.Pay(decimal.RequireFromString("0.01"), "USD", "https://pay.example/checkout")
		}
		return policy.Allow()
	})

	router := gin.New()
	srv.RegisterRoutes(router)
	return &authorizeFixture{router: router, signer: s, jwks: ts}
}

// authorize signs targetURL and POSTs it to /authorize, with extra
// merged into the forwarded header map.
func (f *authorizeFixture) authorize(t *testing.T, targetURL, nonce string, extra map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := buildReq(t, "GET", targetURL)
	now := time.Now().Unix()
	sigInput, signature := f.signer.sign(t, req, now, now+300, nonce)

	headers := map[string][]string{
		"Signature-Input": {sigInput},
		"Signature":       {signature},
		"Signature-Agent": {f.jwks.URL},
	}
	for k, v := range extra {
		headers[k] = []string{v}
	}

	body, err := json.Marshal(map[string]any{
		"method":  "GET",
		"url":     targetURL,
		"headers": headers,
	})
	if err != nil {
		t.Fatalf("marshal authorize body: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/authorize", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httpReq)
	return w
}

func TestAuthorize_AllowAttachesTrustHeaders(t *testing.T) {
	f := newAuthorizeFixture(t)

	w := f.authorize(t, f.jwks.URL+"/free/article", "allow-nonce-000001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body)
	}
	if w.Header().Get("X-OBAuth-Verified") != "true" {
		t.Fatalf("expected X-OBAuth-Verified on allow")
	}
	if w.Header().Get("X-OBAuth-Agent-KID") != f.signer.kid {
		t.Fatalf("expected the agent kid in X-OBAuth-Agent-KID")
	}
}

func TestAuthorize_PaymentChallengeLoop(t *testing.T) {
	f := newAuthorizeFixture(t)
	target := f.jwks.URL + "/premium/post/1"

	// First pass: verified but behind a pay-policy, so 402 with the
	// three challenge headers.
	w := f.authorize(t, target, "pay-nonce-00000001", nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d (%s)", w.Code, w.Body)
	}
	if got := w.Header().Get("OpenBotAuth-Price"); got != "0.01 USD" {
		t.Fatalf("OpenBotAuth-Price = %q, want %q", got, "0.01 USD")
	}
	hash := w.Header().Get("OpenBotAuth-Request-Hash")
	if len(hash) != 64 {
		t.Fatalf("OpenBotAuth-Request-Hash must be 64 hex chars, got %q", hash)
	}
	if link := w.Header().Get("Link"); link != `<https://pay.example/checkout>; rel="payment"` {
		t.Fatalf("unexpected Link header %q", link)
	}

	// Hash is stable across re-signs within the same second only if
	// created matches; recompute from the second request's created by
	// using the stub receipt binding: the verifier recomputes the hash
	// itself, so we replay with a receipt equal to the fresh hash.
	// HashBoundReceipts accepts receipt == recomputed hash; since
	// created changes per request, derive the expected value the same
	// way the server does.
	req2Created := time.Now().Unix()
	receipt := policy.RequestHash("GET", "/premium/post/1", req2Created, f.signer.kid)

	req := buildReq(t, "GET", target)
	sigInput, signature := f.signer.sign(t, req, req2Created, req2Created+300, "pay-nonce-00000002")
	body, _ := json.Marshal(map[string]any{
		"method": "GET",
		"url":    target,
		"headers": map[string][]string{
			"Signature-Input":    {sigInput},
			"Signature":          {signature},
			"Signature-Agent":    {f.jwks.URL},
			"Openbotauth-Receipt": {receipt},
		},
	})
	httpReq := httptest.NewRequest(http.MethodPost, "/authorize", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	f.router.ServeHTTP(w2, httpReq)
	if w2.Code != http.StatusOK {
		t.Fatalf("re-submission with a matching receipt: expected 200, got %d (%s)", w2.Code, w2.Body)
	}
}

func TestAuthorize_MismatchedReceipt(t *testing.T) {
	f := newAuthorizeFixture(t)

	w := f.authorize(t, f.jwks.URL+"/premium/post/2", "bad-receipt-nonce01", map[string]string{
		"Openbotauth-Receipt": "not-the-request-hash",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("mismatched receipt: expected 401, got %d (%s)", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), "BadReceipt") {
		t.Fatalf("expected BadReceipt error code, got %s", w.Body)
	}
}

func TestAuthorize_UnverifiedIs401(t *testing.T) {
	f := newAuthorizeFixture(t)

	body, _ := json.Marshal(map[string]any{
		"method":  "GET",
		"url":     f.jwks.URL + "/free",
		"headers": map[string][]string{},
	})
	httpReq := httptest.NewRequest(http.MethodPost, "/authorize", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httpReq)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned request, got %d", w.Code)
	}
}
