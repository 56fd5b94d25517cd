package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// AgentActivityHandler serves POST/GET /agent-activity.
type AgentActivityHandler struct {
	activity *service.AgentActivityService
	log      *zap.Logger
}

// NewAgentActivityHandler returns an AgentActivityHandler.
func NewAgentActivityHandler(activity *service.AgentActivityService, log *zap.Logger) *AgentActivityHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentActivityHandler{activity: activity, log: log}
}

// RegisterRoutes attaches this handler's routes to r.
func (h *AgentActivityHandler) RegisterRoutes(r gin.IRouter, auth, writeScope, readScope gin.HandlerFunc) {
	r.POST("/agent-activity", auth, writeScope, h.handleRecord)
	r.GET("/agent-activity/:agent_id", auth, readScope, h.handleList)
}

type recordActivityRequest struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

func (h *AgentActivityHandler) handleRecord(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req recordActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" || req.Kind == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id and kind are required"})
		return
	}
	activity, err := h.activity.Record(c.Request.Context(), userID, req.AgentID, req.Kind, req.Detail)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, activity)
}

func (h *AgentActivityHandler) handleList(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	activity, err := h.activity.List(c.Request.Context(), userID, c.Param("agent_id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": activity})
}

func (h *AgentActivityHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.log.Error("agent activity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record activity"})
	}
}
