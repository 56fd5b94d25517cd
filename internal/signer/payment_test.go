package signer_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/openbotauth/openbotauth/internal/signer"
	"github.com/shopspring/decimal"
)

func TestParseChallenge(t *testing.T) {
	h := http.Header{}
	h.Set("OpenBotAuth-Price", "0.05 USD")
	h.Set("OpenBotAuth-Request-Hash", "deadbeef")
	h.Set("Link", `<https://pay.example.com/checkout/abc>; rel="payment"`)

	c, err := signer.ParseChallenge(h)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if c.Currency != "USD" {
		t.Fatalf("currency = %q, want USD", c.Currency)
	}
	if !c.Price.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("price = %s, want 0.05", c.Price)
	}
	if c.RequestHash != "deadbeef" {
		t.Fatalf("request hash = %q", c.RequestHash)
	}
	if c.PaymentURL != "https://pay.example.com/checkout/abc" {
		t.Fatalf("payment url = %q", c.PaymentURL)
	}
}

func TestParseChallenge_MissingPrice(t *testing.T) {
	h := http.Header{}
	h.Set("OpenBotAuth-Request-Hash", "deadbeef")
	h.Set("Link", `<https://pay.example.com>; rel="payment"`)
	if _, err := signer.ParseChallenge(h); err == nil {
		t.Fatalf("expected error for missing OpenBotAuth-Price")
	}
}

func TestPayingClient_RetriesWithReceipt(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	s := signer.New("test-kid", "https://directory.example.com/jwks/acme.json", priv)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("OpenBotAuth-Price", "1.00 USD")
			w.Header().Set("OpenBotAuth-Request-Hash", "abc123")
			w.Header().Set("Link", `<https://pay.example.com/c/1>; rel="payment"`)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		if r.Header.Get("OpenBotAuth-Receipt") != "receipt-xyz" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := signer.NewPayingClient(s, srv.Client())
	client.OnChallenge = func(ctx context.Context, c *signer.Challenge) (string, error) {
		return "receipt-xyz", nil
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/invoice", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d", calls)
	}
}

func TestPayingClient_NoChallengeHandlerPassesThrough402(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	s := signer.New("test-kid", "https://directory.example.com/jwks/acme.json", priv)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("OpenBotAuth-Price", "1.00 USD")
		w.Header().Set("OpenBotAuth-Request-Hash", "abc123")
		w.Header().Set("Link", `<https://pay.example.com/c/1>; rel="payment"`)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	client := signer.NewPayingClient(s, srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/invoice", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
}
