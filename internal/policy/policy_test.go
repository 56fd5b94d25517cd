package policy_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openbotauth/openbotauth/internal/policy"
)

func TestRequestHash_KnownAnswer(t *testing.T) {
	// hex sha256 of "GET|/post/1|1700000000|kid123"
	want := sha256.Sum256([]byte("GET|/post/1|1700000000|kid123"))
	got := policy.RequestHash("GET", "/post/1", 1700000000, "kid123")
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("RequestHash = %q, want sha256 hex of method|path|created|kid", got)
	}
	if len(got) != 64 {
		t.Fatalf("RequestHash must be 64 hex chars, got %d", len(got))
	}
}

func TestRequestHash_DistinctInputsDiffer(t *testing.T) {
	base := policy.RequestHash("GET", "/post/1", 1700000000, "kid123")
	for _, other := range []string{
		policy.RequestHash("POST", "/post/1", 1700000000, "kid123"),
		policy.RequestHash("GET", "/post/2", 1700000000, "kid123"),
		policy.RequestHash("GET", "/post/1", 1700000001, "kid123"),
		policy.RequestHash("GET", "/post/1", 1700000000, "kid124"),
	} {
		if other == base {
			t.Fatalf("distinct challenge inputs must hash differently")
		}
	}
}

func TestDecisionConstructors(t *testing.T) {
	if d := policy.Allow(); d.Kind != policy.KindAllow {
		t.Fatalf("Allow() kind = %q", d.Kind)
	}
	if d := policy.Deny("robots-disallowed"); d.Kind != policy.KindDeny || d.Reason != "robots-disallowed" {
		t.Fatalf("Deny() = %+v", d)
	}
	if d := policy.RateLimit(30 * time.Second); d.Kind != policy.KindRateLimit || d.RetryAfter != 30*time.Second {
		t.Fatalf("RateLimit() = %+v", d)
	}

	price := decimal.RequireFromString("0.002")
	d := policy.Pay(price, "USD", "https://pay.example/checkout")
	if d.Kind != policy.KindPay || d.PayURL != "https://pay.example/checkout" {
		t.Fatalf("Pay() = %+v", d)
	}
	if d.PriceHeader() != "0.002 USD" {
		t.Fatalf("PriceHeader() = %q, want %q", d.PriceHeader(), "0.002 USD")
	}
}

func TestHashBoundReceipts(t *testing.T) {
	v := policy.HashBoundReceipts{}
	hash := policy.RequestHash("GET", "/post/1", 1700000000, "kid123")

	ok, err := v.VerifyReceipt(context.Background(), hash, hash)
	if err != nil || !ok {
		t.Fatalf("matching receipt must verify, got ok=%v err=%v", ok, err)
	}
	ok, _ = v.VerifyReceipt(context.Background(), "some-other-receipt", hash)
	if ok {
		t.Fatalf("mismatched receipt must not verify")
	}
	ok, _ = v.VerifyReceipt(context.Background(), "", hash)
	if ok {
		t.Fatalf("empty receipt must not verify")
	}
}

func TestPolicyFunc(t *testing.T) {
	p := policy.PolicyFunc(func(_ context.Context, res policy.Resource, caller policy.Caller) policy.Decision {
		if res.Path == "/premium" {
			return policy.Pay(decimal.New(1, -2), "USD", "https://pay.example")
		}
		return policy.Allow()
	})

	d := p.Decide(context.Background(), policy.Resource{Method: "GET", Path: "/premium"}, policy.Caller{})
	if d.Kind != policy.KindPay {
		t.Fatalf("expected pay decision for /premium, got %q", d.Kind)
	}
	d = p.Decide(context.Background(), policy.Resource{Method: "GET", Path: "/free"}, policy.Caller{})
	if d.Kind != policy.KindAllow {
		t.Fatalf("expected allow decision for /free, got %q", d.Kind)
	}
}
