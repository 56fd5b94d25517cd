package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/identity"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// AuthHandler serves GitHub OAuth login, the CLI login handoff, and
// session introspection/logout.
type AuthHandler struct {
	auth         *service.AuthService
	sessions     *identity.UserTokenIssuer
	frontendURL  string
	secureCookie bool
	log          *zap.Logger
}

// NewAuthHandler returns an AuthHandler. frontendURL is where the
// browser is redirected after a portal login completes; secureCookie
// should be true in production (HTTPS) deployments.
func NewAuthHandler(auth *service.AuthService, sessions *identity.UserTokenIssuer, frontendURL string, secureCookie bool, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{auth: auth, sessions: sessions, frontendURL: frontendURL, secureCookie: secureCookie, log: log}
}

// RegisterRoutes attaches this handler's routes to r.
func (h *AuthHandler) RegisterRoutes(r gin.IRouter, requireSession gin.HandlerFunc) {
	auth := r.Group("/auth")
	{
		auth.GET("/github", h.handleGitHubRedirect)
		auth.GET("/github/callback", h.handleGitHubCallback)
		auth.GET("/cli", h.handleCLILogin)
		auth.GET("/session", requireSession, h.handleSession)
		auth.POST("/logout", requireSession, h.handleLogout)
	}
}

func (h *AuthHandler) handleGitHubRedirect(c *gin.Context) {
	url, err := h.auth.AuthCodeURL()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "github oauth not configured"})
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (h *AuthHandler) handleGitHubCallback(c *gin.Context) {
	ctx := c.Request.Context()
	state := c.Query("state")
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	if port, cliState, ok := h.auth.ResolveCLILogin(ctx, state); ok {
		user, _, jwtTok, err := h.auth.CompleteGitHubLogin(ctx, code)
		if err != nil {
			h.log.Error("complete cli github login", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		q := url.Values{}
		q.Set("token", jwtTok)
		q.Set("state", cliState)
		q.Set("username", user.Login)
		redirect := "http://127.0.0.1:" + port + "/callback?" + q.Encode()
		c.Redirect(http.StatusFound, redirect)
		return
	}

	if err := h.auth.VerifyState(state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid oauth state"})
		return
	}
	_, _, jwtTok, err := h.auth.CompleteGitHubLogin(ctx, code)
	if err != nil {
		h.log.Error("complete github login", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(identity.SessionCookieName, jwtTok, int(h.sessions.TTL()/time.Second), "/", "", h.secureCookie, true)
	c.Redirect(http.StatusFound, h.frontendURL)
}

func (h *AuthHandler) handleCLILogin(c *gin.Context) {
	port := c.Query("port")
	state := c.Query("state")
	if port == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "port and state are required"})
		return
	}
	if _, err := strconv.Atoi(port); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "port must be numeric"})
		return
	}
	url, err := h.auth.BeginCLILogin(c.Request.Context(), port, state)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "github oauth not configured"})
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (h *AuthHandler) handleSession(c *gin.Context) {
	userID, err := uuid.Parse(c.GetString(identity.ContextUserIDKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	user, err := h.auth.CurrentUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *AuthHandler) handleLogout(c *gin.Context) {
	sessionTok, _ := c.Cookie(identity.SessionCookieName)
	c.SetCookie(identity.SessionCookieName, "", -1, "/", "", h.secureCookie, true)
	if sessionTok != "" {
		if claims, err := h.sessions.Verify(sessionTok); err == nil {
			_ = h.auth.Logout(c.Request.Context(), claims.ID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}
