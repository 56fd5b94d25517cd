package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/identity"
	"github.com/openbotauth/openbotauth/internal/registry/handler"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memTokenRepo struct {
	tokens map[uuid.UUID]*model.ApiToken
}

func newMemTokenRepo() *memTokenRepo {
	return &memTokenRepo{tokens: map[uuid.UUID]*model.ApiToken{}}
}

func (m *memTokenRepo) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return len(m.tokens), nil
}

func (m *memTokenRepo) Create(ctx context.Context, t *model.ApiToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.tokens[t.ID] = t
	return nil
}

func (m *memTokenRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.ApiToken, error) {
	return nil, nil
}

func (m *memTokenRepo) GetByHash(ctx context.Context, hash string) (*model.ApiToken, error) {
	for _, t := range m.tokens {
		if t.TokenHash == hash {
			return t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memTokenRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error { return nil }

func (m *memTokenRepo) Delete(ctx context.Context, userID, id uuid.UUID) error { return nil }

type authFixture struct {
	router   *gin.Engine
	sessions *identity.UserTokenIssuer
	tokens   *service.TokenService
	userID   uuid.UUID
}

// newAuthFixture wires AuthMiddleware + scope/session-only gates in front
// of stub routes shaped like the real registry surface.
func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	key, err := identity.GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate session key: %v", err)
	}
	sessions := identity.NewUserTokenIssuer(key, "https://registry.test", time.Hour)
	tokens := service.NewTokenService(newMemTokenRepo())

	auth := handler.AuthMiddleware(sessions, tokens, zap.NewNop())
	ok := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"user_id": handler.AuthUserID(c)}) }

	router := gin.New()
	router.GET("/agents", auth, handler.RequireScope(model.ScopeAgentsRead), ok)
	router.POST("/agents", auth, handler.RequireScope(model.ScopeAgentsWrite), ok)
	router.POST("/auth/tokens", auth, handler.RequireSessionOnly(), ok)

	return &authFixture{router: router, sessions: sessions, tokens: tokens, userID: uuid.New()}
}

func (f *authFixture) newToken(t *testing.T, scopes ...model.TokenScope) string {
	t.Helper()
	_, raw, err := f.tokens.Create(context.Background(), f.userID, "test", scopes, 30)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return raw
}

func (f *authFixture) do(t *testing.T, method, path, bearer, cookie string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: identity.SessionCookieName, Value: cookie})
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_TokenScopeGate(t *testing.T) {
	f := newAuthFixture(t)
	raw := f.newToken(t, model.ScopeAgentsRead)

	if w := f.do(t, http.MethodGet, "/agents", raw, ""); w.Code != http.StatusOK {
		t.Fatalf("GET /agents with agents:read: expected 200, got %d (%s)", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPost, "/agents", raw, ""); w.Code != http.StatusForbidden {
		t.Fatalf("POST /agents with agents:read only: expected 403, got %d", w.Code)
	}
}

func TestAuthMiddleware_TokenCannotMintTokens(t *testing.T) {
	f := newAuthFixture(t)
	raw := f.newToken(t, model.ScopeAgentsRead, model.ScopeAgentsWrite,
		model.ScopeKeysRead, model.ScopeKeysWrite, model.ScopeProfileRead, model.ScopeProfileWrite)

	// Even a token holding every scope must never reach a session-only route.
	if w := f.do(t, http.MethodPost, "/auth/tokens", raw, ""); w.Code != http.StatusForbidden {
		t.Fatalf("token-auth POST /auth/tokens: expected 403, got %d", w.Code)
	}
}

func TestAuthMiddleware_SessionBypassesScopes(t *testing.T) {
	f := newAuthFixture(t)
	session, err := f.sessions.Issue(f.userID.String(), "alice")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	if w := f.do(t, http.MethodPost, "/agents", "", session); w.Code != http.StatusOK {
		t.Fatalf("session-auth POST /agents: expected 200, got %d (%s)", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPost, "/auth/tokens", "", session); w.Code != http.StatusOK {
		t.Fatalf("session-auth POST /auth/tokens: expected 200, got %d", w.Code)
	}
}

func TestAuthMiddleware_SessionViaBearer(t *testing.T) {
	f := newAuthFixture(t)
	session, err := f.sessions.Issue(f.userID.String(), "alice")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	// The CLI carries its session JWT in the Authorization header.
	if w := f.do(t, http.MethodGet, "/agents", session, ""); w.Code != http.StatusOK {
		t.Fatalf("bearer session JWT: expected 200, got %d", w.Code)
	}
}

func TestAuthMiddleware_RejectsBadCredentials(t *testing.T) {
	f := newAuthFixture(t)

	if w := f.do(t, http.MethodGet, "/agents", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: expected 401, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/agents", "oba_"+repeatHex(64), ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown token: expected 401, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/agents", "", "not-a-jwt"); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage session cookie: expected 401, got %d", w.Code)
	}
}

func repeatHex(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
