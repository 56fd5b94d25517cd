// Package model holds the OpenBotAuth registry's relational domain types:
// Users, Profiles, PublicKey/KeyHistory, Agents, AgentCertificates,
// Sessions, ApiTokens, VerificationLog, and UserStats.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User is an account authenticated via GitHub OAuth or the CLI device flow.
type User struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	GitHubID  int64     `json:"github_id"  db:"github_id"`
	Login     string    `json:"login"      db:"login"`
	Email     string    `json:"email"      db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Profile holds the user-facing directory metadata served in the JWKS
// directory document at GET /jwks/{username}.json.
type Profile struct {
	UserID               uuid.UUID `json:"user_id"                          db:"user_id"`
	Username              string    `json:"username"                         db:"username"`
	ClientName            string    `json:"client_name"                      db:"client_name"`
	ClientURI              string    `json:"client_uri,omitempty"             db:"client_uri"`
	LogoURI                string    `json:"logo_uri,omitempty"               db:"logo_uri"`
	Contacts               []string  `json:"contacts,omitempty"               db:"contacts"`
	ExpectedUserAgent      string    `json:"expected_user_agent,omitempty"     db:"expected_user_agent"`
	RFC9309ProductToken    string    `json:"rfc9309_product_token,omitempty"   db:"rfc9309_product_token"`
	RFC9309Compliance      string    `json:"rfc9309_compliance,omitempty"      db:"rfc9309_compliance"`
	Trigger                string    `json:"trigger,omitempty"                db:"trigger"`
	Purpose                string    `json:"purpose,omitempty"                db:"purpose"`
	TargetedContent        string    `json:"targeted_content,omitempty"       db:"targeted_content"`
	RateControl            string    `json:"rate_control,omitempty"           db:"rate_control"`
	RateExpectation        string    `json:"rate_expectation,omitempty"       db:"rate_expectation"`
	KnownURLs              []string  `json:"known_urls,omitempty"             db:"known_urls"`
	KnownIdentities        []string  `json:"known_identities,omitempty"       db:"known_identities"`
	Verified               bool      `json:"verified"                         db:"verified"`
	IsPublic               bool      `json:"is_public"                        db:"is_public"`
}

// PublicKey is a user's current signing key. Superseded keys move to
// KeyHistory rather than being deleted, so old signatures keep verifying
// until their legacy-alias window lapses.
type PublicKey struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	UserID    uuid.UUID `json:"user_id"    db:"user_id"`
	Kid       string    `json:"kid"        db:"kid"`
	PublicKey []byte    `json:"-"          db:"public_key"` // raw 32-byte Ed25519 public key
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// KeyHistory is a retired PublicKey, kept so its legacy kid alias
// continues to verify during the deprecation window.
type KeyHistory struct {
	ID         uuid.UUID `json:"id"          db:"id"`
	UserID     uuid.UUID `json:"user_id"     db:"user_id"`
	Kid        string    `json:"kid"         db:"kid"`
	PublicKey  []byte    `json:"-"           db:"public_key"`
	RetiredAt  time.Time `json:"retired_at"  db:"retired_at"`
}

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusPaused   AgentStatus = "paused"
	AgentStatusInactive AgentStatus = "inactive"
)

// Agent is a bot identity owned by a User, distinct from the user's own
// signing key: an account may register many agents, each with its own
// Ed25519 keypair and JWKS entry.
type Agent struct {
	ID            uuid.UUID   `json:"id"             db:"id"`
	OwnerUserID   uuid.UUID   `json:"owner_user_id"  db:"owner_user_id"`
	AgentID       string      `json:"agent_id"       db:"agent_id"` // the oba_agent_id, e.g. "agent:checkout@acme.example.com"
	Kid           string      `json:"kid"            db:"kid"`
	PublicKey     []byte      `json:"-"              db:"public_key"`
	ParentAgentID string      `json:"parent_agent_id,omitempty" db:"parent_agent_id"`
	Principal     string      `json:"principal,omitempty"       db:"principal"`
	DisplayName   string      `json:"display_name"   db:"display_name"`
	Description   string      `json:"description,omitempty" db:"description"`
	AgentType     string      `json:"agent_type,omitempty"  db:"agent_type"`
	Status        AgentStatus `json:"status"         db:"status"`
	CreatedAt     time.Time   `json:"created_at"     db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"     db:"updated_at"`
}

// AgentCertificate is a leaf X.509 certificate issued by internal/ca over
// an Agent's (or user's own) Ed25519 public key.
type AgentCertificate struct {
	ID          uuid.UUID  `json:"id"                   db:"id"`
	OwnerUserID uuid.UUID  `json:"owner_user_id"         db:"owner_user_id"`
	AgentID     string     `json:"agent_id"              db:"agent_id"`
	Kid         string     `json:"kid"                   db:"kid"`
	Serial      string     `json:"serial"                db:"serial"`
	Fingerprint string     `json:"fingerprint"           db:"fingerprint"`
	CertPEM     string     `json:"cert_pem"              db:"cert_pem"`
	ChainPEM    string     `json:"chain_pem"             db:"chain_pem"`
	X5C         []string   `json:"x5c"                   db:"x5c"`
	NotBefore   time.Time  `json:"not_before"            db:"not_before"`
	NotAfter    time.Time  `json:"not_after"             db:"not_after"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"  db:"revoked_at"`
	RevokeReason string    `json:"revoke_reason,omitempty" db:"revoke_reason"`
	CreatedAt   time.Time  `json:"created_at"            db:"created_at"`
}

// Active reports whether the certificate is currently usable: not
// revoked and within its validity window.
func (c *AgentCertificate) Active(now time.Time) bool {
	return c.RevokedAt == nil && now.After(c.NotBefore) && now.Before(c.NotAfter)
}

// Session is a cookie-backed login, issued after GitHub OAuth or the CLI
// device flow completes.
type Session struct {
	ID        string    `json:"id"         db:"id"`
	UserID    uuid.UUID `json:"user_id"    db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// TokenScope is one of the fixed ApiToken permission scopes.
type TokenScope string

const (
	ScopeAgentsRead   TokenScope = "agents:read"
	ScopeAgentsWrite  TokenScope = "agents:write"
	ScopeKeysRead     TokenScope = "keys:read"
	ScopeKeysWrite    TokenScope = "keys:write"
	ScopeProfileRead  TokenScope = "profile:read"
	ScopeProfileWrite TokenScope = "profile:write"
)

// ValidTokenScopes is the fixed set of scopes ApiToken.Scopes may draw from.
var ValidTokenScopes = map[TokenScope]bool{
	ScopeAgentsRead:   true,
	ScopeAgentsWrite:  true,
	ScopeKeysRead:     true,
	ScopeKeysWrite:    true,
	ScopeProfileRead:  true,
	ScopeProfileWrite: true,
}

// ApiToken is a long-lived `oba_`-prefixed bearer credential. The raw
// token is shown to the caller exactly once at creation; only its hash
// and a 4-character display prefix are persisted.
type ApiToken struct {
	ID         uuid.UUID    `json:"id"                   db:"id"`
	UserID     uuid.UUID    `json:"user_id"               db:"user_id"`
	Name       string       `json:"name"                  db:"name"`
	Prefix     string       `json:"prefix"                db:"prefix"`
	TokenHash  string       `json:"-"                     db:"token_hash"`
	Scopes     []TokenScope `json:"scopes"                db:"scopes"`
	CreatedAt  time.Time    `json:"created_at"            db:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"             db:"expires_at"`
	LastUsedAt *time.Time   `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Expired reports whether the token's validity window has passed.
func (t *ApiToken) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// HasScope reports whether the token carries scope.
func (t *ApiToken) HasScope(scope TokenScope) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// VerificationLog is a fire-and-forget record of one successful
// verification, written asynchronously so verification latency never
// depends on telemetry I/O.
type VerificationLog struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	Username  string    `json:"username"   db:"username"`
	Kid       string    `json:"kid"        db:"kid"`
	Origin    string    `json:"origin"     db:"origin"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserStats holds the per-user telemetry counters surfaced at
// GET /telemetry/{username}; IsPublic gates visibility for non-owners.
type UserStats struct {
	UserID          uuid.UUID `json:"user_id"            db:"user_id"`
	TotalRequests   int64     `json:"total_requests"     db:"total_requests"`
	RequestsToday   int64     `json:"requests_today"     db:"requests_today"`
	DistinctOrigins int64     `json:"distinct_origins"   db:"distinct_origins"`
	LastSeenMs      int64     `json:"last_seen_ms"       db:"last_seen_ms"`
	IsPublic        bool      `json:"is_public"          db:"is_public"`
}

// AgentActivity is one discrete event reported against an Agent — a
// content host or edge logging a serve/deny/pay decision so the agent's
// owner can see what happened without re-deriving it from
// VerificationLog, which only tracks signature verification itself.
type AgentActivity struct {
	ID        uuid.UUID `json:"id"               db:"id"`
	AgentID   uuid.UUID `json:"agent_id"         db:"agent_id"`
	Kind      string    `json:"kind"             db:"kind"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at"       db:"created_at"`
}

// Karma is a display-only credibility score computed on read from
// UserStats; it is never persisted.
func (s *UserStats) Karma() int64 {
	if s.TotalRequests == 0 {
		return 0
	}
	score := s.TotalRequests/100 + s.DistinctOrigins*10
	if score > 1_000_000 {
		score = 1_000_000
	}
	return score
}
