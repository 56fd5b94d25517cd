package handler

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// KeyHandler serves a user's signing-key lifecycle: POST /keys (rotate),
// GET /keys (current), GET /keys/history (retired).
type KeyHandler struct {
	keys *service.KeyService
	log  *zap.Logger
}

// NewKeyHandler returns a KeyHandler.
func NewKeyHandler(keys *service.KeyService, log *zap.Logger) *KeyHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyHandler{keys: keys, log: log}
}

// RegisterRoutes attaches this handler's routes to r, gated by auth and
// the given keys:read/keys:write scope middlewares.
func (h *KeyHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc, readScope, writeScope gin.HandlerFunc) {
	keys := r.Group("/keys", auth)
	{
		keys.POST("", writeScope, h.handleRotate)
		keys.GET("", readScope, h.handleList)
		keys.GET("/history", readScope, h.handleHistory)
	}
}

type rotateKeyRequest struct {
	PublicKey string `json:"public_key"` // base64url, raw 32-byte Ed25519 key
}

func (h *KeyHandler) handleRotate(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req rotateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(req.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public_key must be base64url"})
		return
	}
	key, err := h.keys.Rotate(c.Request.Context(), userID, ed25519.PublicKey(raw))
	if err != nil {
		if errors.Is(err, service.ErrKeySize) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("rotate key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate key"})
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (h *KeyHandler) handleList(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	keys, err := h.keys.ListActive(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("list active keys", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *KeyHandler) handleHistory(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	history, err := h.keys.ListHistory(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("list key history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list key history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}
