package handler

import (
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/ca"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// errInvalidFingerprint is returned when a fingerprint query param isn't
// 64 lowercase hex characters.
var errInvalidFingerprint = errors.New("registry: fingerprint must be 64 lowercase hex characters")

// CertHandler serves the certificate-authority routes under /v1/certs,
//
type CertHandler struct {
	certs *service.CertService
	log   *zap.Logger
}

// NewCertHandler returns a CertHandler.
func NewCertHandler(certs *service.CertService, log *zap.Logger) *CertHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CertHandler{certs: certs, log: log}
}

// RegisterRoutes attaches this handler's routes to r. writeScope gates
// issuance (requires agents:write); readScope gates the
// authenticated status/listing routes; public-status carries no auth.
func (h *CertHandler) RegisterRoutes(r gin.IRouter, auth, writeScope, readScope gin.HandlerFunc) {
	certs := r.Group("/v1/certs")
	{
		certs.POST("/issue", auth, writeScope, h.handleIssue)
		certs.POST("/revoke", auth, writeScope, h.handleRevoke)
		certs.GET("", auth, readScope, h.handleList)
		certs.GET("/status", auth, readScope, h.handleStatus)
		certs.GET("/public-status", h.handlePublicStatus)
		certs.GET("/:serial", auth, readScope, h.handleGetBySerial)
	}
}

type issueCertRequest struct {
	AgentID string `json:"agent_id"`
	Proof   struct {
		Message   string `json:"message"`
		Signature string `json:"signature"` // base64 (standard), 64 raw bytes
	} `json:"proof"`
}

func (h *CertHandler) handleIssue(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req issueCertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Proof.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "proof.signature must be base64"})
		return
	}
	cert, err := h.certs.Issue(c.Request.Context(), userID, req.AgentID, ca.Proof{
		Message:   req.Proof.Message,
		Signature: sig,
	})
	if err != nil {
		switch {
		case errors.Is(err, ca.ErrProofReplay):
			c.JSON(http.StatusForbidden, gin.H{"error": "replay"})
		case errors.Is(err, service.ErrActiveCertCap):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrDailyIssuanceCap):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "proof validation failed"})
		}
		return
	}
	RecordCertIssued()
	c.JSON(http.StatusCreated, cert)
}

type revokeCertRequest struct {
	Serial      string `json:"serial"`
	Kid         string `json:"kid"`
	Fingerprint string `json:"fingerprint_sha256"`
	Reason      string `json:"reason"`
}

func (h *CertHandler) handleRevoke(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req revokeCertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Serial == "" && req.Kid == "" && req.Fingerprint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serial, kid, or fingerprint_sha256 required"})
		return
	}
	if req.Fingerprint != "" && !fingerprintPattern.MatchString(req.Fingerprint) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidFingerprint.Error()})
		return
	}
	reason, err := ca.ParseReason(req.Reason)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.certs.Revoke(c.Request.Context(), userID, req.Serial, req.Kid, req.Fingerprint, reason)
	if err != nil {
		h.log.Error("revoke certificate", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke certificate"})
		return
	}
	if result.Revoked > 0 {
		RecordCertRevoked()
	}
	c.JSON(http.StatusOK, gin.H{"revoked": result.Revoked, "already_revoked": result.AlreadyRevoked})
}

func (h *CertHandler) handleList(c *gin.Context) {
	userID, err := uuid.Parse(AuthUserID(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	certs, err := h.certs.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("list certificates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list certificates"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs})
}

func (h *CertHandler) handleGetBySerial(c *gin.Context) {
	cert, err := h.certs.GetBySerial(c.Request.Context(), c.Param("serial"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
			return
		}
		h.log.Error("get certificate by serial", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load certificate"})
		return
	}
	if cert.OwnerUserID.String() != AuthUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the certificate owner"})
		return
	}
	c.JSON(http.StatusOK, cert)
}

// handleStatus is the authenticated status lookup: by serial or
// fingerprint, owner-scoped.
func (h *CertHandler) handleStatus(c *gin.Context) {
	serial := c.Query("serial")
	fingerprint := fingerprintQuery(c)
	userID := AuthUserID(c)

	var (
		view *statusView
		err  error
	)
	switch {
	case serial != "":
		view, err = h.statusBySerial(c, serial, userID)
	case fingerprint != "":
		view, err = h.statusByFingerprint(c, fingerprint, userID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "serial or fingerprint required"})
		return
	}
	if err != nil {
		h.respondStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type statusView struct {
	Serial       string `json:"serial"`
	Fingerprint  string `json:"fingerprint_sha256"`
	Valid        bool   `json:"valid"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
	Revoked      bool   `json:"revoked"`
	RevokeReason string `json:"revoke_reason,omitempty"`
}

func (h *CertHandler) statusBySerial(c *gin.Context, serial, userID string) (*statusView, error) {
	cert, err := h.certs.GetBySerial(c.Request.Context(), serial)
	if err != nil {
		return nil, err
	}
	if cert.OwnerUserID.String() != userID {
		return nil, service.ErrForbidden
	}
	return toStatusView(cert), nil
}

func (h *CertHandler) statusByFingerprint(c *gin.Context, fingerprint, userID string) (*statusView, error) {
	if !fingerprintPattern.MatchString(fingerprint) {
		return nil, errInvalidFingerprint
	}
	cert, err := h.certs.GetByFingerprint(c.Request.Context(), fingerprint)
	if err != nil {
		return nil, err
	}
	if cert.OwnerUserID.String() != userID {
		return nil, service.ErrForbidden
	}
	return toStatusView(cert), nil
}

func (h *CertHandler) respondStatusError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not the certificate owner"})
	case errors.Is(err, errInvalidFingerprint):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("certificate status lookup", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load certificate status"})
	}
}

// handlePublicStatus is the unauthenticated status lookup: fingerprint
// only, never serial, to prevent enumeration.
func (h *CertHandler) handlePublicStatus(c *gin.Context) {
	fingerprint := fingerprintQuery(c)
	if !fingerprintPattern.MatchString(fingerprint) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidFingerprint.Error()})
		return
	}
	cert, err := h.certs.GetByFingerprint(c.Request.Context(), fingerprint)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
			return
		}
		h.log.Error("public certificate status lookup", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load certificate status"})
		return
	}
	c.JSON(http.StatusOK, toStatusView(cert))
}

// fingerprintQuery accepts the canonical fingerprint_sha256 name with
// bare fingerprint as an alias.
func fingerprintQuery(c *gin.Context) string {
	if fp := c.Query("fingerprint_sha256"); fp != "" {
		return fp
	}
	return c.Query("fingerprint")
}

func toStatusView(cert *model.AgentCertificate) *statusView {
	return &statusView{
		Serial:       cert.Serial,
		Fingerprint:  cert.Fingerprint,
		Valid:        cert.Active(time.Now().UTC()),
		NotBefore:    cert.NotBefore.Format(time.RFC3339),
		NotAfter:     cert.NotAfter.Format(time.RFC3339),
		Revoked:      cert.RevokedAt != nil,
		RevokeReason: cert.RevokeReason,
	}
}
