// Package policy defines the per-request serving decision contract an
// external content host implements against the verifier: serve full
// content, deny, demand payment, or throttle. The verifier only carries
// the decision through to the wire; pricing and entitlement logic live
// with the host.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates the Decision sum.
type Kind string

const (
	KindAllow     Kind = "allow"
	KindDeny      Kind = "deny"
	KindPay       Kind = "pay"
	KindRateLimit Kind = "rate_limit"
)

// Decision is the typed outcome of a policy consultation: exactly one
// variant's fields are meaningful, selected by Kind.
type Decision struct {
	Kind Kind

	// Deny
	Reason string

	// Pay
	Price    decimal.Decimal
	Currency string
	PayURL   string

	// RateLimit
	RetryAfter time.Duration
}

// Allow passes the request through untouched.
func Allow() Decision { return Decision{Kind: KindAllow} }

// Deny refuses the request with a short machine-readable reason.
func Deny(reason string) Decision { return Decision{Kind: KindDeny, Reason: reason} }

// Pay demands payment before serving, challenging the caller with a 402.
func Pay(price decimal.Decimal, currency, payURL string) Decision {
	return Decision{Kind: KindPay, Price: price, Currency: currency, PayURL: payURL}
}

// RateLimit throttles the caller for retryAfter.
func RateLimit(retryAfter time.Duration) Decision {
	return Decision{Kind: KindRateLimit, RetryAfter: retryAfter}
}

// PriceHeader renders the Pay variant's OpenBotAuth-Price value,
// "<amount> <currency>".
func (d Decision) PriceHeader() string {
	return d.Price.String() + " " + d.Currency
}

// Resource identifies what a verified caller is asking for.
type Resource struct {
	Method string
	Path   string
}

// Caller is the verified agent identity a Policy decides against.
type Caller struct {
	Kid        string
	JWKSURL    string
	ClientName string
	Created    int64
}

// Policy is the contract the external content host implements. Decide
// must be safe for concurrent use; it runs once per verified request.
type Policy interface {
	Decide(ctx context.Context, res Resource, caller Caller) Decision
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(ctx context.Context, res Resource, caller Caller) Decision

// Decide implements Policy.
func (f PolicyFunc) Decide(ctx context.Context, res Resource, caller Caller) Decision {
	return f(ctx, res, caller)
}

// RequestHash binds a payment challenge to one signed request: the hex
// SHA-256 of "method|path|created|kid". The same value travels out in
// OpenBotAuth-Request-Hash and back in whatever the receipt verifier
// checks the receipt against.
func RequestHash(method, path string, created int64, kid string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", method, path, created, kid)))
	return hex.EncodeToString(sum[:])
}

// ReceiptVerifier validates an opaque payment receipt against the
// request hash its challenge carried. The receipt format is deliberately
// undefined here — it passes through to whatever external processor
// issued it.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, receipt, requestHash string) (bool, error)
}

// ReceiptFunc adapts a plain function to ReceiptVerifier.
type ReceiptFunc func(ctx context.Context, receipt, requestHash string) (bool, error)

// VerifyReceipt implements ReceiptVerifier.
func (f ReceiptFunc) VerifyReceipt(ctx context.Context, receipt, requestHash string) (bool, error) {
	return f(ctx, receipt, requestHash)
}

// HashBoundReceipts is the stub verifier for development and tests: a
// receipt is valid iff it equals the challenge's request hash. A real
// deployment replaces it with a call to the payment processor.
type HashBoundReceipts struct{}

// VerifyReceipt implements ReceiptVerifier.
func (HashBoundReceipts) VerifyReceipt(_ context.Context, receipt, requestHash string) (bool, error) {
	return receipt != "" && receipt == requestHash, nil
}
