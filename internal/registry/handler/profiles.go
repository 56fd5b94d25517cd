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

// ProfileHandler serves the directory metadata routes (GET /profiles,
// GET /profiles/:username, PUT /profiles).
type ProfileHandler struct {
	profiles *service.ProfileService
	log      *zap.Logger
}

// NewProfileHandler returns a ProfileHandler.
func NewProfileHandler(profiles *service.ProfileService, log *zap.Logger) *ProfileHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileHandler{profiles: profiles, log: log}
}

// RegisterRoutes attaches this handler's routes to r. auth runs
// AuthMiddleware; readScope gates reading the caller's own profile and
// writeScope gates updating it. GET /profiles/:username is public.
func (h *ProfileHandler) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc, readScope, writeScope gin.HandlerFunc) {
	profiles := r.Group("/profiles")
	{
		profiles.GET("", auth, readScope, h.handleOwn)
		profiles.GET("/:username", h.handleByUsername)
		profiles.PUT("", auth, writeScope, h.handleUpdate)
	}
}

func (h *ProfileHandler) handleOwn(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	p, err := h.profiles.GetOwn(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		h.log.Error("get own profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *ProfileHandler) handleByUsername(c *gin.Context) {
	p, err := h.profiles.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		h.log.Error("get profile by username", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}
	if !p.IsPublic {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

type updateProfileRequest struct {
	ClientName          string   `json:"client_name"`
	ClientURI           string   `json:"client_uri"`
	LogoURI             string   `json:"logo_uri"`
	Contacts            []string `json:"contacts"`
	ExpectedUserAgent   string   `json:"expected_user_agent"`
	RFC9309ProductToken string   `json:"rfc9309_product_token"`
	RFC9309Compliance   string   `json:"rfc9309_compliance"`
	Trigger             string   `json:"trigger"`
	Purpose             string   `json:"purpose"`
	TargetedContent     string   `json:"targeted_content"`
	RateControl         string   `json:"rate_control"`
	RateExpectation     string   `json:"rate_expectation"`
	KnownURLs           []string `json:"known_urls"`
	IsPublic            bool     `json:"is_public"`
}

func (h *ProfileHandler) handleUpdate(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	patch := &model.Profile{
		ClientName:          req.ClientName,
		ClientURI:           req.ClientURI,
		LogoURI:             req.LogoURI,
		Contacts:            req.Contacts,
		ExpectedUserAgent:   req.ExpectedUserAgent,
		RFC9309ProductToken: req.RFC9309ProductToken,
		RFC9309Compliance:   req.RFC9309Compliance,
		Trigger:             req.Trigger,
		Purpose:             req.Purpose,
		TargetedContent:     req.TargetedContent,
		RateControl:         req.RateControl,
		RateExpectation:     req.RateExpectation,
		KnownURLs:           req.KnownURLs,
		IsPublic:            req.IsPublic,
	}
	updated, err := h.profiles.Update(c.Request.Context(), userID, patch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		h.log.Error("update profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		return
	}
	c.JSON(http.StatusOK, updated)
}
