package signer

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Challenge is the parsed form of a 402 payment challenge response.
type Challenge struct {
	Price       decimal.Decimal
	Currency    string
	RequestHash string
	PaymentURL  string
}

// linkRelPayment matches a Link header value of the form
// `<url>; rel="payment"` (optionally among other link-params).
var linkRelPayment = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?payment"?`)

// ParseChallenge extracts a Challenge from a 402 response's headers. It
// returns an error if any of the three required headers are missing or
// malformed — a caller must never guess at a missing piece of a payment
// challenge.
func ParseChallenge(h http.Header) (*Challenge, error) {
	priceHeader := h.Get("OpenBotAuth-Price")
	if priceHeader == "" {
		return nil, fmt.Errorf("signer: 402 response missing OpenBotAuth-Price")
	}
	parts := strings.Fields(priceHeader)
	if len(parts) != 2 {
		return nil, fmt.Errorf("signer: malformed OpenBotAuth-Price %q", priceHeader)
	}
	amount, err := decimal.NewFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("signer: parse price amount %q: %w", parts[0], err)
	}

	hash := h.Get("OpenBotAuth-Request-Hash")
	if hash == "" {
		return nil, fmt.Errorf("signer: 402 response missing OpenBotAuth-Request-Hash")
	}

	link := h.Get("Link")
	m := linkRelPayment.FindStringSubmatch(link)
	if m == nil {
		return nil, fmt.Errorf("signer: 402 response missing Link; rel=%q", "payment")
	}

	return &Challenge{
		Price:       amount,
		Currency:    parts[1],
		RequestHash: hash,
		PaymentURL:  m[1],
	}, nil
}

// ReceiptProvider acquires an opaque payment receipt for a Challenge,
// out-of-band (e.g. by calling the payment URL and completing checkout).
// Receipt acquisition is outside this module's scope; no real payment
// processing happens here.
type ReceiptProvider func(ctx context.Context, challenge *Challenge) (receipt string, err error)

// PayingClient wraps an *http.Client, signing every outgoing request and
// transparently retrying once on a 402 payment challenge when a
// ReceiptProvider is configured.
type PayingClient struct {
	HTTPClient  *http.Client
	Signer      *Signer
	OnChallenge ReceiptProvider
}

// NewPayingClient returns a PayingClient using http.DefaultClient unless hc
// is non-nil.
func NewPayingClient(s *Signer, hc *http.Client) *PayingClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &PayingClient{HTTPClient: hc, Signer: s}
}

// Do signs req and sends it. On a 402 response, if OnChallenge is set, it
// parses the challenge, acquires a receipt, re-signs the request (now
// covering the Receipt header) with a fresh nonce/timestamp, and resubmits
// exactly once. Any other error propagates; the second 402 is returned
// as-is with no further retry.
func (c *PayingClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.Signer.Sign(req); err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || c.OnChallenge == nil {
		return resp, nil
	}

	challenge, err := ParseChallenge(resp.Header)
	if err != nil {
		return resp, nil // not a well-formed challenge; hand the 402 back untouched
	}
	resp.Body.Close() //nolint:errcheck

	receipt, err := c.OnChallenge(req.Context(), challenge)
	if err != nil {
		return nil, fmt.Errorf("signer: acquire payment receipt: %w", err)
	}

	retryReq := req.Clone(req.Context())
	retryReq.Header.Set("OpenBotAuth-Receipt", receipt)
	if err := c.Signer.SignComponents(retryReq, "openbotauth-receipt"); err != nil {
		return nil, fmt.Errorf("signer: re-sign with receipt: %w", err)
	}

	return c.HTTPClient.Do(retryReq)
}
