package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/policy"
)

// auditLogTTL bounds how long a cache-purge audit entry survives in the
// KV store — long enough to review after an incident, not a permanent
// ledger (Non-goal: general audit-chain product).
const auditLogTTL = 30 * 24 * time.Hour

// cachePurgeAudit is one row of the lightweight cache-purge audit trail:
// who purged what, when. Written best-effort; a failure to record it
// never blocks the purge itself.
type cachePurgeAudit struct {
	Action    string    `json:"action"`
	ActorIP   string    `json:"actor_ip"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) recordCachePurgeAudit(ctx context.Context, action, actorIP string) {
	entry := cachePurgeAudit{Action: action, ActorIP: actorIP, Timestamp: time.Now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	key := "audit:cache-purge:" + uuid.NewString()
	if err := s.Store.Set(ctx, key, string(raw), auditLogTTL); err != nil {
		s.Log.Warn("write cache-purge audit entry failed", zap.Error(err))
	}
}

// Telemetry is notified of successful verifications naming a known
// registry JWKS URL. It is satisfied structurally by
// *service.TelemetryService so this package never imports the registry.
type Telemetry interface {
	RecordVerification(ctx context.Context, username, kid, origin string)
}

var jwksURLUsername = regexp.MustCompile(`/jwks/([^/]+)\.json$`)

// usernameFromJWKSURL extracts the {username} path segment from a
// "…/jwks/{username}.json" URL, or "" if the URL doesn't match that shape.
func usernameFromJWKSURL(jwksURL string) string {
	m := jwksURLUsername.FindStringSubmatch(jwksURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// verifyRequest is the JSON body shared by /verify and /authorize.
type verifyRequest struct {
	Method  string              `json:"method" binding:"required"`
	URL     string              `json:"url" binding:"required"`
	Headers map[string][]string `json:"headers"`
}

// Server exposes the verifier's HTTP surface: /verify, /authorize,
// the admin cache-purge routes, and /health.
type Server struct {
	Verifier   *Verifier
	Store      kv.Store // shared backing store for the cache-purge routes
	Service    string
	Log        *zap.Logger
	Telemetry  Telemetry // optional; nil disables telemetry recording
	AdminToken string    // required via X-Admin-Token on /cache/* routes when non-empty

	// Policy, when set, is consulted on /authorize after a successful
	// verification; its decision selects pass-through, deny, the 402
	// payment challenge, or throttling. Receipts validates the opaque
	// OpenBotAuth-Receipt a challenged caller resubmits with; nil falls
	// back to the hash-bound development stub.
	Policy   policy.Policy
	Receipts policy.ReceiptVerifier
}

// requireAdminToken gates the cache-purge routes behind a shared
// secret. An empty AdminToken disables
// the check — acceptable only behind a trusted internal network, which
// is how cmd/verifier documents the deployment expectation.
func (s *Server) requireAdminToken(c *gin.Context) {
	if s.AdminToken == "" {
		return
	}
	if c.GetHeader("X-Admin-Token") != s.AdminToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
	}
}

// NewServer wires a Server. log may be nil.
func NewServer(v *Verifier, store kv.Store, service string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Verifier: v, Store: store, Service: service, Log: log}
}

// RegisterRoutes attaches the verifier's routes to r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.POST("/verify", s.handleVerify)
	r.POST("/authorize", s.handleAuthorize)
	r.POST("/cache/jwks/clear", s.requireAdminToken, s.handleClearJWKS)
	r.POST("/cache/nonces/clear", s.requireAdminToken, s.handleClearNonces)
	r.GET("/health", s.handleHealth)
}

func (s *Server) decodeAndVerify(c *gin.Context) (Verdict, *verifyRequest, bool) {
	var body verifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Verified: false, Error: "MalformedSignature"})
		return Verdict{}, nil, false
	}

	req, err := RequestFromFields(body.Method, body.URL, body.Headers)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Verified: false, Error: "MalformedSignature"})
		return Verdict{}, nil, false
	}

	sigInput := HeaderValue(body.Headers, "Signature-Input")
	signature := HeaderValue(body.Headers, "Signature")
	sigAgent := HeaderValue(body.Headers, "Signature-Agent")

	verdict := s.Verifier.Verify(c.Request.Context(), req, sigInput, signature, sigAgent)
	if verdict.Verified {
		RecordVerification("allow")
		s.recordTelemetry(verdict, body.URL)
	} else {
		RecordVerification(string(verdict.Error))
	}
	return verdict, &body, true
}

// recordTelemetry fires the per-verification counter update in the
// background, never on the request's critical path.
func (s *Server) recordTelemetry(verdict Verdict, rawURL string) {
	if s.Telemetry == nil || verdict.Agent == nil {
		return
	}
	username := usernameFromJWKSURL(verdict.Agent.JWKSURL)
	if username == "" {
		return
	}
	origin := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	go s.Telemetry.RecordVerification(context.Background(), username, verdict.Agent.Kid, origin)
}

func (s *Server) handleVerify(c *gin.Context) {
	verdict, _, ok := s.decodeAndVerify(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toBody(verdict))
}

func (s *Server) handleAuthorize(c *gin.Context) {
	verdict, body, ok := s.decodeAndVerify(c)
	if !ok {
		return
	}
	if !verdict.Verified {
		c.JSON(StatusFor(verdict), toBody(verdict))
		return
	}
	if s.Policy != nil && !s.applyPolicy(c, verdict, body) {
		return
	}
	c.Header("X-OBAuth-Verified", "true")
	c.Header("X-OBAuth-Agent-KID", verdict.Agent.Kid)
	c.Header("X-OBAuth-Agent-JWKS", verdict.Agent.JWKSURL)
	c.JSON(http.StatusOK, toBody(verdict))
}

// applyPolicy consults the configured policy for a verified request and
// writes the response itself for every non-allow decision. It reports
// whether the request may proceed to the allow path.
func (s *Server) applyPolicy(c *gin.Context, verdict Verdict, body *verifyRequest) bool {
	path := body.URL
	if u, err := url.Parse(body.URL); err == nil && u.Path != "" {
		path = u.Path
	}
	res := policy.Resource{Method: body.Method, Path: path}
	caller := policy.Caller{
		Kid:        verdict.Agent.Kid,
		JWKSURL:    verdict.Agent.JWKSURL,
		ClientName: verdict.Agent.ClientName,
		Created:    verdict.Created,
	}

	decision := s.Policy.Decide(c.Request.Context(), res, caller)
	switch decision.Kind {
	case policy.KindAllow:
		return true

	case policy.KindRateLimit:
		c.Header("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, ErrorBody{Verified: true, Error: string(RateLimited)})
		return false

	case policy.KindPay:
		hash := policy.RequestHash(res.Method, res.Path, verdict.Created, verdict.Agent.Kid)
		if receipt := HeaderValue(body.Headers, "OpenBotAuth-Receipt"); receipt != "" {
			receipts := s.Receipts
			if receipts == nil {
				receipts = policy.HashBoundReceipts{}
			}
			valid, err := receipts.VerifyReceipt(c.Request.Context(), receipt, hash)
			if err != nil || !valid {
				c.JSON(http.StatusUnauthorized, ErrorBody{Verified: true, Error: "BadReceipt"})
				return false
			}
			return true
		}
		c.Header("OpenBotAuth-Price", decision.PriceHeader())
		c.Header("OpenBotAuth-Request-Hash", hash)
		c.Header("Link", "<"+decision.PayURL+`>; rel="payment"`)
		c.JSON(http.StatusPaymentRequired, toBody(verdict))
		return false

	default: // KindDeny and anything unrecognized fails closed
		reason := decision.Reason
		if reason == "" {
			reason = "PolicyDeny"
		}
		c.JSON(http.StatusUnauthorized, ErrorBody{Verified: true, Error: reason})
		return false
	}
}

func toBody(v Verdict) ErrorBody {
	body := ErrorBody{Verified: v.Verified, Created: v.Created, Expires: v.Expires, Agent: v.Agent}
	if !v.Verified {
		body.Error = string(v.Error)
	}
	return body
}

func (s *Server) handleClearJWKS(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.Store.Clear(ctx, "jwks:"); err != nil {
		s.Log.Error("clear jwks cache failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear failed"})
		return
	}
	s.recordCachePurgeAudit(ctx, "jwks", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"cleared": "jwks"})
}

func (s *Server) handleClearNonces(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.Store.Clear(ctx, "nonce:"); err != nil {
		s.Log.Error("clear nonce cache failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear failed"})
		return
	}
	s.recordCachePurgeAudit(ctx, "nonces", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"cleared": "nonces"})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "connected"
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if _, _, err := s.Store.Get(ctx, "health:ping"); err != nil {
		status = "disconnected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.Service,
		"redis":   status,
	})
}
