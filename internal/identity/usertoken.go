package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionCookieName is the single HttpOnly session cookie.
const SessionCookieName = "oba_session"

// UserTokenClaims are the JWT claims backing a portal/CLI session.
type UserTokenClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Type     string `json:"type"` // "user" or "oauth-state"
}

// UserTokenIssuer issues and verifies session JWTs signed with a
// registry-owned RSA keypair, generated at process start — see
// cmd/registry.
type UserTokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewUserTokenIssuer returns a UserTokenIssuer signing with key.
func NewUserTokenIssuer(key *rsa.PrivateKey, issuerURL string, ttl time.Duration) *UserTokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &UserTokenIssuer{key: key, pub: &key.PublicKey, issuer: issuerURL, ttl: ttl}
}

// GenerateSessionKey creates a fresh 2048-bit RSA keypair for signing
// session JWTs. The registry generates one at startup (SESSION_SECRET);
// rotating it invalidates every outstanding session cookie, which is
// acceptable since sessions only gate the portal/CLI surface, never
// agent verification.
func GenerateSessionKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate session signing key: %w", err)
	}
	return key, nil
}

// Issue creates a signed session token for userID/username, with a
// freshly generated jti.
func (u *UserTokenIssuer) Issue(userID, username string) (string, error) {
	return u.IssueWithID(userID, username, uuid.New().String())
}

// IssueWithID is Issue with an explicit jti, used when the caller wants
// the token's identifier to match a separately persisted Session row
// (e.g. so logout can look the row up directly from the verified claims).
func (u *UserTokenIssuer) IssueWithID(userID, username, jti string) (string, error) {
	now := time.Now().UTC()
	claims := UserTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    u.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(u.ttl)),
			ID:        jti,
		},
		UserID:   userID,
		Username: username,
		Type:     "user",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(u.key)
	if err != nil {
		return "", fmt.Errorf("sign user token: %w", err)
	}
	return signed, nil
}

// TTL returns the configured session lifetime.
func (u *UserTokenIssuer) TTL() time.Duration { return u.ttl }

// Verify parses and validates a session token.
func (u *UserTokenIssuer) Verify(tokenStr string) (*UserTokenClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&UserTokenClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return u.pub, nil
		},
		jwt.WithIssuer(u.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify user token: %w", err)
	}
	claims, ok := token.Claims.(*UserTokenClaims)
	if !ok || !token.Valid || claims.Type != "user" {
		return nil, fmt.Errorf("not a user session token")
	}
	return claims, nil
}

// IssueOAuthState creates a short-lived JWT used as the OAuth state
// parameter, embedding the provider so the callback can verify it
// without a separate server-side store.
func (u *UserTokenIssuer) IssueOAuthState(provider string) (string, error) {
	now := time.Now().UTC()
	claims := UserTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    u.issuer,
			Subject:   "oauth-state",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
			ID:        uuid.New().String(),
		},
		UserID: provider,
		Type:   "oauth-state",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(u.key)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return signed, nil
}

// VerifyOAuthState validates an OAuth state JWT and returns the embedded
// provider name.
func (u *UserTokenIssuer) VerifyOAuthState(tokenStr string) (provider string, err error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&UserTokenClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return u.pub, nil
		},
		jwt.WithIssuer(u.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("invalid oauth state: %w", err)
	}
	claims, ok := token.Claims.(*UserTokenClaims)
	if !ok || claims.Type != "oauth-state" {
		return "", fmt.Errorf("not an oauth state token")
	}
	return claims.UserID, nil
}

// ContextUserIDKey is the gin.Context key RequireSession sets on success.
const ContextUserIDKey = "oba_user_id"

// RequireSession is Gin middleware enforcing a valid session, read from
// either the oba_session cookie or an "Authorization: Bearer <jwt>"
// header (the latter path serves the CLI, which has no cookie jar).
func RequireSession(issuer *UserTokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := c.Cookie(SessionCookieName)
		if err != nil || tokenStr == "" {
			if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				tokenStr = auth[7:]
			}
		}
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		claims, err := issuer.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}
		c.Set(ContextUserIDKey, claims.UserID)
		c.Next()
	}
}
