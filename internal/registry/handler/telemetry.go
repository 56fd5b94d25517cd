package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/service"
)

const defaultTopLimit = 10

// streamInterval is how often handleStream pushes a fresh Stats snapshot
// to a connected admin-dashboard client.
const streamInterval = 2 * time.Second

// streamUpgrader upgrades GET /telemetry/stream to a websocket. CheckOrigin
// is unset, so the upgrader's default same-origin check rejects a handshake
// whose Origin host differs from the request Host; the stream itself carries no secrets beyond what /telemetry/overview
// already returns to the same caller.
var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// TelemetryHandler serves the read-side telemetry routes.
type TelemetryHandler struct {
	telemetry *service.TelemetryService
	profiles  *service.ProfileService
	log       *zap.Logger
}

// NewTelemetryHandler returns a TelemetryHandler. profiles resolves
// usernames for the public per-user stats route.
func NewTelemetryHandler(telemetry *service.TelemetryService, profiles *service.ProfileService, log *zap.Logger) *TelemetryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TelemetryHandler{telemetry: telemetry, profiles: profiles, log: log}
}

// RegisterRoutes attaches this handler's routes to r. auth/readScope gate
// the caller's own overview; writeScope gates the visibility toggle.
func (h *TelemetryHandler) RegisterRoutes(r gin.IRouter, auth, readScope, writeScope gin.HandlerFunc) {
	telemetry := r.Group("/telemetry")
	{
		telemetry.GET("/overview", auth, readScope, h.handleOverview)
		telemetry.GET("/timeseries", auth, readScope, h.handleOverview)
		telemetry.GET("/stream", auth, readScope, h.handleStream)
		telemetry.GET("/top/agents", h.handleTopAgents)
		telemetry.GET("/top/origins", h.handleTopOrigins)
		telemetry.GET("/:username", h.handleUsername)
		telemetry.PUT("/:username/visibility", auth, writeScope, h.handleSetVisibility)
	}
}

// ownUsername resolves the authenticated caller's username via their
// profile, so the KV stats keys (which are username-scoped) line up.
func (h *TelemetryHandler) ownUsername(c *gin.Context, userID uuid.UUID) (string, bool) {
	profile, err := h.profiles.GetOwn(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return "", false
	}
	return profile.Username, true
}

func (h *TelemetryHandler) handleOverview(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	username := c.Query("username")
	if username == "" {
		var ok bool
		if username, ok = h.ownUsername(c, userID); !ok {
			return
		}
	}
	stats, err := h.telemetry.GetStats(c.Request.Context(), userID, username)
	if err != nil {
		h.log.Error("get telemetry overview", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load telemetry"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleUsername is the public-or-owner stats view for a single username.
// A private profile hides stats from anyone but its owner; both the
// missing-user and private cases answer 404 so the route never confirms
// account existence.
func (h *TelemetryHandler) handleUsername(c *gin.Context) {
	username := c.Param("username")
	profile, err := h.profiles.GetByUsername(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	stats, err := h.telemetry.GetStats(c.Request.Context(), profile.UserID, profile.Username)
	if err != nil {
		h.log.Error("get telemetry for username", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load telemetry"})
		return
	}
	if !stats.IsPublic && AuthUserID(c) != profile.UserID.String() {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *TelemetryHandler) handleSetVisibility(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	// The path username must be the caller's own; visibility is never
	// toggled on someone else's behalf.
	profile, err := h.profiles.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil || profile.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your profile"})
		return
	}
	var req struct {
		IsPublic bool `json:"is_public"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.telemetry.SetVisibility(c.Request.Context(), userID, req.IsPublic); err != nil {
		h.log.Error("set telemetry visibility", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update visibility"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleStream upgrades to a websocket and pushes the caller's own
// Stats snapshot every streamInterval, a live feed for the portal's
// telemetry dashboard.
func (h *TelemetryHandler) handleStream(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	username := c.Query("username")
	if username == "" {
		var ok bool
		if username, ok = h.ownUsername(c, userID); !ok {
			return
		}
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("telemetry stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		stats, err := h.telemetry.GetStats(ctx, userID, username)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(stats); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *TelemetryHandler) handleTopAgents(c *gin.Context) {
	top, err := h.telemetry.TopAgents(c.Request.Context(), c.Query("window"), topLimit(c))
	if err != nil {
		h.log.Error("top agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load top agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": top})
}

func (h *TelemetryHandler) handleTopOrigins(c *gin.Context) {
	top, err := h.telemetry.TopOrigins(c.Request.Context(), c.Query("window"), topLimit(c))
	if err != nil {
		h.log.Error("top origins", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load top origins"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"origins": top})
}

func topLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 || n > 100 {
		return defaultTopLimit
	}
	return n
}
