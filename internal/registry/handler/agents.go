package handler

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// AgentHandler serves Agent CRUD under /agents.
type AgentHandler struct {
	agents *service.AgentService
	log    *zap.Logger
}

// NewAgentHandler returns an AgentHandler.
func NewAgentHandler(agents *service.AgentService, log *zap.Logger) *AgentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentHandler{agents: agents, log: log}
}

// RegisterRoutes attaches this handler's routes to r.
func (h *AgentHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc, readScope, writeScope gin.HandlerFunc) {
	agents := r.Group("/agents", auth)
	{
		agents.GET("", readScope, h.handleList)
		agents.POST("", writeScope, h.handleCreate)
		agents.GET("/:id", readScope, h.handleGet)
		agents.PUT("/:id", writeScope, h.handleUpdate)
		agents.DELETE("/:id", writeScope, h.handleDelete)
	}
}

type createAgentRequest struct {
	AgentID       string `json:"agent_id"`
	DisplayName   string `json:"display_name"`
	Description   string `json:"description"`
	AgentType     string `json:"agent_type"`
	PublicKey     string `json:"public_key"` // base64url, raw 32-byte Ed25519 key
	ParentAgentID string `json:"parent_agent_id"`
	Principal     string `json:"principal"`
}

func (h *AgentHandler) handleCreate(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(req.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public_key must be a base64url-encoded 32-byte Ed25519 key"})
		return
	}
	agent, err := h.agents.Register(c.Request.Context(), userID, req.AgentID, req.DisplayName,
		req.Description, req.AgentType, ed25519.PublicKey(raw), req.ParentAgentID, req.Principal)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAgentID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("register agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register agent"})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *AgentHandler) handleList(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	agents, err := h.agents.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("list agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *AgentHandler) handleGet(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	agent, err := h.agents.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		h.log.Error("get agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		return
	}
	if agent.OwnerUserID.String() != AuthUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the agent owner"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

type updateAgentRequest struct {
	DisplayName   string             `json:"display_name"`
	Description   string             `json:"description"`
	Status        model.AgentStatus  `json:"status"`
	ParentAgentID string             `json:"parent_agent_id"`
	Principal     string             `json:"principal"`
}

func (h *AgentHandler) handleUpdate(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := h.agents.Update(c.Request.Context(), userID, id, req.DisplayName, req.Description,
		req.Status, req.ParentAgentID, req.Principal)
	if err != nil {
		h.respondMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *AgentHandler) handleDelete(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err := h.agents.Delete(c.Request.Context(), userID, id); err != nil {
		h.respondMutationError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) respondMutationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.log.Error("agent mutation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update agent"})
	}
}
