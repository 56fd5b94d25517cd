package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/identity"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// ctxAuthKind is set on the gin.Context to distinguish session auth (all
// scopes implicitly granted) from token auth (scope-gated): mixed auth
// is never permitted in a single request.
const (
	ctxAuthKind    = "oba_auth_kind"
	ctxUserID      = "oba_auth_user_id"
	ctxTokenScopes = "oba_auth_token_scopes"

	authKindSession = "session"
	authKindToken   = "token"
)

// AuthMiddleware authenticates a request via either the session cookie/
// bearer JWT, or an `Authorization: Bearer oba_<64 hex>` personal access
// token — never both. Token lookups are rate-limited per IP by wrapping
// this in handler.RateLimiter upstream.
func AuthMiddleware(sessions *identity.UserTokenIssuer, tokens *service.TokenService, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		bearer := strings.TrimPrefix(auth, "Bearer ")
		if bearer != auth && strings.HasPrefix(bearer, "oba_") {
			tok, err := tokens.Authenticate(c.Request.Context(), bearer)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Set(ctxAuthKind, authKindToken)
			c.Set(ctxUserID, tok.UserID.String())
			c.Set(ctxTokenScopes, tok.Scopes)
			c.Next()
			return
		}

		sessionTok, err := c.Cookie(identity.SessionCookieName)
		if err != nil || sessionTok == "" {
			if bearer != auth {
				sessionTok = bearer
			}
		}
		if sessionTok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		claims, err := sessions.Verify(sessionTok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}
		c.Set(ctxAuthKind, authKindSession)
		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

// RequireScope enforces scope against the authenticated identity. Session
// auth bypasses the check entirely (cookie identity carries every
// scope); token auth must carry scope explicitly.
func RequireScope(scope model.TokenScope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authKind(c) == authKindSession {
			c.Next()
			return
		}
		scopes, _ := c.Get(ctxTokenScopes)
		list, _ := scopes.([]model.TokenScope)
		for _, s := range list {
			if s == scope {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing required scope: " + string(scope)})
	}
}

// RequireSessionOnly rejects token-authenticated requests with 403,
// protecting routes like POST /auth/tokens where token-bootstrapping
// must never be allowed.
func RequireSessionOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if authKind(c) != authKindSession {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session auth required"})
			return
		}
		c.Next()
	}
}

func authKind(c *gin.Context) string {
	v, _ := c.Get(ctxAuthKind)
	s, _ := v.(string)
	return s
}

// AuthUserID returns the authenticated caller's user ID string, set by
// AuthMiddleware. Callers must run after AuthMiddleware.
func AuthUserID(c *gin.Context) string {
	v, _ := c.Get(ctxUserID)
	s, _ := v.(string)
	return s
}
