// Package handler implements the registry's Gin HTTP surface: JWKS
// directories, profiles, keys, agents, certificates, tokens, auth, and
// telemetry.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/ca"
	"github.com/openbotauth/openbotauth/internal/identity"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// JWKSHandler serves the public directory, per-agent JWKS, agent card,
// and CA bundle routes.
type JWKSHandler struct {
	jwks     *service.JWKSService
	agents   *service.AgentService
	profiles *service.ProfileService
	sessions *identity.UserTokenIssuer
	ca       *ca.Manager
	log      *zap.Logger
}

// NewJWKSHandler returns a JWKSHandler. sessions is only consulted by the
// agent-card route's authenticated-session fallback and may be nil.
func NewJWKSHandler(jwks *service.JWKSService, agents *service.AgentService, profiles *service.ProfileService, sessions *identity.UserTokenIssuer, caMgr *ca.Manager, log *zap.Logger) *JWKSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWKSHandler{jwks: jwks, agents: agents, profiles: profiles, sessions: sessions, ca: caMgr, log: log}
}

// RegisterRoutes attaches this handler's routes to r.
func (h *JWKSHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/jwks/:username", h.handleDirectory)
	r.GET("/agent-jwks/:agent_id", h.handleAgentJWKS)
	r.GET("/.well-known/signature-agent-card", h.handleAgentCard)
	r.GET("/.well-known/ca.pem", h.handleCABundle)
}

func (h *JWKSHandler) handleDirectory(c *gin.Context) {
	username := strings.TrimSuffix(c.Param("username"), ".json")
	if username == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no keys for this user"})
		return
	}
	dir, err := h.jwks.BuildDirectory(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, service.ErrEmptyKeySet) || errors.Is(err, repository.ErrNotFound) {
			RecordJWKSServed("empty")
			c.JSON(http.StatusNotFound, gin.H{"error": "no keys for this user"})
			return
		}
		h.log.Error("build jwks directory", zap.Error(err))
		RecordJWKSServed("error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build jwks directory"})
		return
	}
	RecordJWKSServed("ok")
	c.Header("Cache-Control", "public, max-age=3600, stale-while-revalidate=300")
	c.Data(http.StatusOK, "application/http-message-signatures-directory+json", mustJSON(dir))
}

func (h *JWKSHandler) handleAgentJWKS(c *gin.Context) {
	agentID := c.Param("agent_id")
	agent, err := h.agents.GetByAgentID(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	jwk, err := agentJWK(agent)
	if err != nil {
		h.log.Warn("malformed agent jwk", zap.String("agent_id", agentID), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.JSON(http.StatusOK, gin.H{
		"agent_id":     agent.AgentID,
		"display_name": agent.DisplayName,
		"status":       agent.Status,
		"keys":         []any{jwk},
	})
}

// handleAgentCard resolves the card subject from one of three sources, in
// order: an explicit agent_id, an explicit username, or the caller's own
// session. The per-agent form carries that agent's delegation links; the
// per-user form carries every active agent.
func (h *JWKSHandler) handleAgentCard(c *gin.Context) {
	ctx := c.Request.Context()

	if agentID := c.Query("agent_id"); agentID != "" {
		agent, err := h.agents.GetByAgentID(ctx, agentID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		jwk, err := agentJWK(agent)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.Header("Cache-Control", "public, max-age=3600")
		c.JSON(http.StatusOK, gin.H{
			"oba_agent_id":        agent.AgentID,
			"oba_parent_agent_id": agent.ParentAgentID,
			"oba_principal":       agent.Principal,
			"keys":                []any{jwk},
		})
		return
	}

	var profile *model.Profile
	var err error
	if username := c.Query("username"); username != "" {
		profile, err = h.profiles.GetByUsername(ctx, username)
	} else if userID, ok := h.sessionUserID(c); ok {
		profile, err = h.profiles.GetOwn(ctx, userID)
	} else {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id or username required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	agents, err := h.agents.ListByOwner(ctx, profile.UserID)
	if err != nil {
		h.log.Error("list agents for card", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build agent card"})
		return
	}

	keys := make([]any, 0, len(agents))
	cards := make([]gin.H, 0, len(agents))
	for i := range agents {
		a := &agents[i]
		if a.Status != model.AgentStatusActive {
			continue
		}
		jwk, err := agentJWK(a)
		if err != nil {
			h.log.Warn("malformed agent jwk", zap.String("agent_id", a.AgentID), zap.Error(err))
			continue
		}
		keys = append(keys, jwk)
		cards = append(cards, gin.H{
			"oba_agent_id":        a.AgentID,
			"oba_parent_agent_id": a.ParentAgentID,
			"oba_principal":       a.Principal,
		})
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.JSON(http.StatusOK, gin.H{
		"username": profile.Username,
		"agents":   cards,
		"keys":     keys,
	})
}

// sessionUserID reads a session identity from the cookie or bearer header
// without failing the request when absent.
func (h *JWKSHandler) sessionUserID(c *gin.Context) (uuid.UUID, bool) {
	if h.sessions == nil {
		return uuid.Nil, false
	}
	tokenStr, err := c.Cookie(identity.SessionCookieName)
	if err != nil || tokenStr == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			tokenStr = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if tokenStr == "" {
		return uuid.Nil, false
	}
	claims, err := h.sessions.Verify(tokenStr)
	if err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (h *JWKSHandler) handleCABundle(c *gin.Context) {
	if !h.ca.Ready() {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "ca not configured"})
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "application/x-pem-file", h.ca.CertPEM())
}
