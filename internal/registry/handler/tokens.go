package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// TokenHandler serves the personal-access-token store under /auth/tokens:
// session-auth only, rate-limited per-user.
type TokenHandler struct {
	tokens *service.TokenService
	log    *zap.Logger
}

// NewTokenHandler returns a TokenHandler.
func NewTokenHandler(tokens *service.TokenService, log *zap.Logger) *TokenHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenHandler{tokens: tokens, log: log}
}

// RegisterRoutes attaches this handler's routes to r. auth must run
// AuthMiddleware; sessionOnly rejects token-authenticated callers
// (token-bootstrapping is explicitly forbidden); limiter is a per-user
// KeyedRateLimiter.
func (h *TokenHandler) RegisterRoutes(r gin.IRouter, auth, sessionOnly, limiter gin.HandlerFunc) {
	tokens := r.Group("/auth/tokens", auth, sessionOnly, limiter)
	{
		tokens.POST("", h.handleCreate)
		tokens.GET("", h.handleList)
		tokens.DELETE("/:id", h.handleDelete)
	}
}

type createTokenRequest struct {
	Name    string              `json:"name"`
	Scopes  []model.TokenScope  `json:"scopes"`
	TTLDays int                 `json:"ttl_days"`
}

func (h *TokenHandler) handleCreate(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	tok, raw, err := h.tokens.Create(c.Request.Context(), userID, req.Name, req.Scopes, req.TTLDays)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTooManyTokens):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrInvalidScope), errors.Is(err, service.ErrInvalidExpiry):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.log.Error("create token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		}
		return
	}
	RecordTokenIssued()
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{"token": tok, "raw_token": raw})
}

func (h *TokenHandler) handleList(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	toks, err := h.tokens.List(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("list tokens", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": toks})
}

func (h *TokenHandler) handleDelete(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}
	if err := h.tokens.Delete(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		h.log.Error("delete token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete token"})
		return
	}
	c.Status(http.StatusNoContent)
}
