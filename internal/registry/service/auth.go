package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/openbotauth/openbotauth/internal/identity"
	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/registry/model"
)

const cliLoginTTL = 5 * time.Minute

// AuthRepo is the persistence surface AuthService needs.
type AuthRepo interface {
	GetOrCreateByGitHubID(ctx context.Context, githubID int64, login, email string) (*model.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// AuthService drives GitHub OAuth login and the CLI device-style login
// flow, issuing the cookie-bound Session and the portal's session JWT.
type AuthService struct {
	repo       AuthRepo
	tokens     *identity.UserTokenIssuer
	oauthCfg   *oauth2.Config
	sessionTTL time.Duration
	cli        kv.Store
}

// NewAuthService returns an AuthService. oauthCfg is the GitHub OAuth2
// client config; a nil config disables both GET /auth/github and the CLI
// login flow (BeginCLILogin returns an error).
func NewAuthService(repo AuthRepo, tokens *identity.UserTokenIssuer, oauthCfg *oauth2.Config, sessionTTL time.Duration, cli kv.Store) *AuthService {
	if sessionTTL <= 0 {
		sessionTTL = 30 * 24 * time.Hour
	}
	return &AuthService{repo: repo, tokens: tokens, oauthCfg: oauthCfg, sessionTTL: sessionTTL, cli: cli}
}

// BeginCLILogin records the CLI's callback port against state (a CSRF
// token the CLI itself generated) so the eventual GitHub callback knows
// to hand the finished session token back to a local CLI listener
// instead of setting a portal cookie, and returns the
// GitHub authorization URL to open in the user's browser.
func (s *AuthService) BeginCLILogin(ctx context.Context, port, cliState string) (string, error) {
	if s.oauthCfg == nil {
		return "", fmt.Errorf("registry: github oauth not configured")
	}
	oauthState, err := s.tokens.IssueOAuthState("github")
	if err != nil {
		return "", fmt.Errorf("issue oauth state: %w", err)
	}
	if err := s.cli.Set(ctx, "cli-login:"+oauthState, port+"|"+cliState, cliLoginTTL); err != nil {
		return "", fmt.Errorf("record cli login: %w", err)
	}
	return s.oauthCfg.AuthCodeURL(oauthState, oauth2.AccessTypeOnline), nil
}

// ResolveCLILogin returns the (port, cliState) pair recorded by
// BeginCLILogin for oauthState, if any, consuming the entry so it can't
// be replayed.
func (s *AuthService) ResolveCLILogin(ctx context.Context, oauthState string) (port, cliState string, ok bool) {
	raw, found, err := s.cli.Get(ctx, "cli-login:"+oauthState)
	if err != nil || !found {
		return "", "", false
	}
	_ = s.cli.Delete(ctx, "cli-login:"+oauthState)
	for i := 0; i < len(raw); i++ {
		if raw[i] == '|' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

// AuthCodeURL returns the GitHub authorization URL with a fresh,
// short-lived state token embedded.
func (s *AuthService) AuthCodeURL() (string, error) {
	if s.oauthCfg == nil {
		return "", fmt.Errorf("registry: github oauth not configured")
	}
	state, err := s.tokens.IssueOAuthState("github")
	if err != nil {
		return "", fmt.Errorf("issue oauth state: %w", err)
	}
	return s.oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// VerifyState validates an OAuth callback's state parameter.
func (s *AuthService) VerifyState(state string) error {
	provider, err := s.tokens.VerifyOAuthState(state)
	if err != nil {
		return fmt.Errorf("invalid oauth state: %w", err)
	}
	if provider != "github" {
		return fmt.Errorf("oauth state provider mismatch")
	}
	return nil
}

// CompleteGitHubLogin exchanges code for a token, fetches the GitHub
// identity, upserts the User row, and creates a Session.
func (s *AuthService) CompleteGitHubLogin(ctx context.Context, code string) (*model.User, *model.Session, string, error) {
	if s.oauthCfg == nil {
		return nil, nil, "", fmt.Errorf("registry: github oauth not configured")
	}
	tok, err := s.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return nil, nil, "", fmt.Errorf("exchange oauth code: %w", err)
	}

	githubID, login, email, err := fetchGitHubIdentity(ctx, tok.AccessToken)
	if err != nil {
		return nil, nil, "", fmt.Errorf("fetch github identity: %w", err)
	}

	user, err := s.repo.GetOrCreateByGitHubID(ctx, githubID, login, email)
	if err != nil {
		return nil, nil, "", fmt.Errorf("get or create user: %w", err)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, "", err
	}
	jwtTok, err := s.tokens.IssueWithID(user.ID.String(), login, session.ID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("issue session token: %w", err)
	}
	return user, session, jwtTok, nil
}

func (s *AuthService) createSession(ctx context.Context, userID uuid.UUID) (*model.Session, error) {
	now := time.Now().UTC()
	session := &model.Session{ID: uuid.New().String(), UserID: userID, CreatedAt: now, ExpiresAt: now.Add(s.sessionTTL)}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Logout deletes the Session identified by sessionID.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSession(ctx, sessionID)
}

// CurrentUser resolves the authenticated userID to a model.User.
func (s *AuthService) CurrentUser(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	return s.repo.GetByID(ctx, userID)
}

func fetchGitHubIdentity(ctx context.Context, accessToken string) (githubID int64, login, email string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "openbotauth-registry/1.0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", "", fmt.Errorf("github user api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, "", "", fmt.Errorf("read github response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, "", "", fmt.Errorf("github api returned %d", resp.StatusCode)
	}

	var info struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, "", "", fmt.Errorf("parse github user info: %w", err)
	}
	if info.Email == "" {
		info.Email = strconv.FormatInt(info.ID, 10) + "+" + info.Login + "@users.noreply.github.com"
	}
	return info.ID, info.Login, info.Email, nil
}

// GitHubOAuthConfig returns an oauth2.Config wired to GitHub's endpoint.
func GitHubOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"user:email"},
		Endpoint:     github.Endpoint,
	}
}
