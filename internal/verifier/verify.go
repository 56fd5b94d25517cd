package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/sigbase"
)

// Config holds the verifier's tunables, one-to-one with its environment
// variables.
type Config struct {
	MaxSkew            time.Duration // MAX_SKEW_SEC
	DefaultExpiry      time.Duration // applied when Signature-Input has no expires=
	NonceTTL           time.Duration // NONCE_TTL_SEC
	MinNonceTTL        time.Duration // floor applied alongside expires-derived TTL
	TrustedDirectories []string      // TRUSTED_DIRECTORIES, lowercase hostnames
	RequireTag         string        // REQUIRE_TAG, empty disables the check
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSkew:            300 * time.Second,
		DefaultExpiry:      300 * time.Second,
		NonceTTL:           600 * time.Second,
		MinNonceTTL:        60 * time.Second,
		TrustedDirectories: nil,
		RequireTag:         "",
	}
}

var sensitiveHeaders = map[string]bool{
	"cookie":              true,
	"authorization":       true,
	"proxy-authorization": true,
	"www-authenticate":    true,
}

// Verifier composes the nonce cache, JWKS cache, and config into the
// verification algorithm.
type Verifier struct {
	Config            Config
	Nonces            kv.Store
	JWKS              *JWKSCache
	Log               *zap.Logger
	PreferredSigLabel string
}

// NewVerifier wires the pieces Verify needs. log may be nil, in which
// case a no-op logger is used.
func NewVerifier(cfg Config, nonces kv.Store, jwks *JWKSCache, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{Config: cfg, Nonces: nonces, JWKS: jwks, Log: log}
}

// Verify runs the fail-closed verification algorithm over req, given the
// three signature headers already extracted from it (or absent, as
// empty strings).
func (v *Verifier) Verify(ctx context.Context, req *sigbase.Request, sigInputHeader, signatureHeader, sigAgent string) Verdict {
	if sigInputHeader == "" || signatureHeader == "" || sigAgent == "" {
		return deny(MissingSignature)
	}

	// Step 1/2: parse Signature-Input.
	params, err := sigbase.ParseSignatureInput(sigInputHeader, v.PreferredSigLabel)
	if err != nil {
		return deny(MissingSignature)
	}
	if !strings.EqualFold(params.Alg, "ed25519") {
		return deny(MalformedSignature)
	}
	if v.Config.RequireTag != "" && !strings.EqualFold(params.Tag, v.Config.RequireTag) {
		return deny(TagRequired)
	}

	// Step 3: freshness.
	now := time.Now().Unix()
	created := params.Created
	skew := v.Config.MaxSkew
	if created > now+int64(skew/time.Second) {
		return deny(Future)
	}
	if now-created > int64(skew/time.Second) {
		return deny(Stale)
	}
	expires := params.Expires
	if expires == 0 {
		expires = created + int64(v.Config.DefaultExpiry/time.Second)
	}
	if now > expires {
		return deny(Expired)
	}

	// Step 4: replay.
	if params.Nonce == "" {
		return deny(NonceMissing)
	}
	ttl := time.Duration(expires-now) * time.Second
	if ttl < v.Config.MinNonceTTL {
		ttl = v.Config.MinNonceTTL
	}
	won, err := v.Nonces.SetNX(ctx, nonceKey(params.Nonce), "1", ttl)
	if err != nil {
		v.Log.Warn("nonce store unavailable, failing closed", zap.Error(err))
		return deny(Replay)
	}
	if !won {
		return deny(Replay)
	}

	// Step 5: directory trust and sensitive-header isolation.
	for _, c := range params.Components {
		if !c.IsDerived() && sensitiveHeaders[strings.ToLower(string(c))] {
			return deny(SensitiveHeaderCov)
		}
	}
	agentURL, err := url.Parse(sigAgent)
	if err != nil || !agentURL.IsAbs() || agentURL.Host == "" {
		return deny(MalformedSignature)
	}
	if !v.directoryTrusted(agentURL.Hostname()) {
		return deny(UntrustedDirectory)
	}

	// Step 6/7: JWKS fetch and key selection, with one bypass-forced
	// retry if the cached document is older than the grace window and
	// doesn't contain the kid.
	set, fetchedAt, err := v.JWKS.Get(ctx, sigAgent, false)
	if err != nil {
		v.Log.Warn("jwks fetch failed", zap.String("url", sigAgent), zap.Error(err))
		return deny(DirectoryFetch)
	}
	jwk, found := jwkset.FindKid(set, params.KeyID)
	if !found && time.Since(fetchedAt) > v.JWKS.GraceWindow {
		set, _, err = v.JWKS.Get(ctx, sigAgent, true)
		if err != nil {
			return deny(DirectoryFetch)
		}
		jwk, found = jwkset.FindKid(set, params.KeyID)
	}
	if !found {
		return deny(UnknownKeyId)
	}

	// Step 8: base-string reconstruction and Ed25519 verify.
	base, err := sigbase.Build(req, params)
	if err != nil {
		return deny(MalformedSignature)
	}
	sig, err := parseSignature(signatureHeader, params.Label)
	if err != nil {
		return deny(MalformedSignature)
	}
	pub, err := jwk.PublicKey()
	if err != nil {
		return deny(UnknownKeyId)
	}
	if !ed25519.Verify(pub, []byte(base), sig) {
		return deny(BadSignature)
	}

	// Step 9: success.
	v.Log.Debug("verified",
		zap.String("kid_hash", hashForLog(params.KeyID)),
		zap.String("nonce_hash", hashForLog(params.Nonce)),
	)
	return allow(Agent{JWKSURL: sigAgent, Kid: params.KeyID, ClientName: set.ClientName}, created, expires)
}

func (v *Verifier) directoryTrusted(host string) bool {
	if len(v.Config.TrustedDirectories) == 0 {
		return false
	}
	host = strings.ToLower(host)
	for _, h := range v.Config.TrustedDirectories {
		if strings.ToLower(h) == host {
			return true
		}
	}
	return false
}

func nonceKey(nonce string) string { return "nonce:" + nonce }

// parseSignature extracts the raw signature bytes for label out of a
// Signature header of the form `sig1=:<base64>:`, possibly holding more
// than one comma-separated member.
func parseSignature(header, label string) ([]byte, error) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		if part[:eq] != label {
			continue
		}
		v := strings.TrimSpace(part[eq+1:])
		if len(v) < 2 || v[0] != ':' || v[len(v)-1] != ':' {
			return nil, fmt.Errorf("malformed Signature value for %s", label)
		}
		return base64.StdEncoding.DecodeString(v[1 : len(v)-1])
	}
	return nil, fmt.Errorf("no Signature member for label %s", label)
}

// hashForLog never logs the raw value; callers only see a SHA-256 prefix
// suitable for correlating log lines; raw nonces and kids never reach
// the logs.
func hashForLog(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// ErrorBody is the JSON shape /verify and /authorize return for every
// decision, success or failure.
type ErrorBody struct {
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
	Created  int64  `json:"created,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Agent    *Agent `json:"agent,omitempty"`
}

// StatusFor returns the HTTP status code for verdict's outcome.
func StatusFor(verdict Verdict) int {
	if verdict.Verified {
		return http.StatusOK
	}
	return verdict.Error.HTTPStatus()
}

// RequestFromFields builds a sigbase.Request from the decoded JSON body
// of /verify and /authorize: {method, url, headers}.
func RequestFromFields(method, rawURL string, headers map[string][]string) (*sigbase.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	h := http.Header(headers)
	return &sigbase.Request{Method: method, URL: u, Headers: h}, nil
}

// HeaderValue looks up name (case-insensitively) in an http.Header-shaped
// map, returning the first value.
func HeaderValue(headers map[string][]string, name string) string {
	h := http.Header(headers)
	return h.Get(name)
}
