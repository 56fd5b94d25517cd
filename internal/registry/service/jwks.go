package service

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"
	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// JWKSRepo is the narrow read surface JWKSService needs, satisfied by
// internal/registry/repository in production and by a fake in tests.
type JWKSRepo interface {
	GetProfile(ctx context.Context, username string) (*model.Profile, error)
	ListActiveKeys(ctx context.Context, userID uuid.UUID) ([]model.PublicKey, error)
	ListKeyHistory(ctx context.Context, userID uuid.UUID) ([]model.KeyHistory, error)
	ListActiveAgents(ctx context.Context, userID uuid.UUID) ([]model.Agent, error)
	ActiveCertForKid(ctx context.Context, userID uuid.UUID, kid string) (*model.AgentCertificate, error)
}

// Directory is the Web-Bot-Auth directory document served at
// GET /jwks/{username}.json.
type Directory struct {
	ClientName          string       `json:"client_name"`
	ClientURI           string       `json:"client_uri,omitempty"`
	LogoURI             string       `json:"logo_uri,omitempty"`
	Contacts            []string     `json:"contacts,omitempty"`
	ExpectedUserAgent   string       `json:"expected_user_agent,omitempty"`
	RFC9309ProductToken string       `json:"rfc9309_product_token,omitempty"`
	RFC9309Compliance   string       `json:"rfc9309_compliance,omitempty"`
	Trigger             string       `json:"trigger,omitempty"`
	Purpose             string       `json:"purpose,omitempty"`
	TargetedContent     string       `json:"targeted_content,omitempty"`
	RateControl         string       `json:"rate_control,omitempty"`
	RateExpectation     string       `json:"rate_expectation,omitempty"`
	KnownURLs           []string     `json:"known_urls,omitempty"`
	KnownIdentities     []string     `json:"known_identities,omitempty"`
	Verified            bool         `json:"verified"`
	Keys                []jwkset.JWK `json:"keys"`
}

// ErrEmptyKeySet is returned when a user has no current or historical
// keys and no active agents — the directory document would be empty.
var ErrEmptyKeySet = fmt.Errorf("registry: no keys for this user")

// JWKSService builds the per-user JWKS directory document.
type JWKSService struct {
	repo JWKSRepo
}

// NewJWKSService returns a JWKSService backed by repo.
func NewJWKSService(repo JWKSRepo) *JWKSService {
	return &JWKSService{repo: repo}
}

// BuildDirectory assembles the directory document for username: the
// user's current keys (falling back to key history if none), plus JWKs
// from every active agent, deduplicated by kid, with x5c attached for
// any kid carrying an active certificate, and legacy kid aliases added
// for every Ed25519 key so older signatures keep verifying.
func (s *JWKSService) BuildDirectory(ctx context.Context, username string) (*Directory, error) {
	profile, err := s.repo.GetProfile(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	builder := jwkset.NewBuilder()

	current, err := s.repo.ListActiveKeys(ctx, profile.UserID)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}
	if len(current) == 0 {
		history, err := s.repo.ListKeyHistory(ctx, profile.UserID)
		if err != nil {
			return nil, fmt.Errorf("list key history: %w", err)
		}
		for _, h := range history {
			pub := ed25519.PublicKey(h.PublicKey)
			jwk, err := jwkset.FromPublicKey(pub)
			if err != nil {
				continue // malformed historical key: skip, never surfaced to the caller
			}
			jwk.LegacyAlias = jwkset.LegacyKid(pub)
			builder.Add(jwk)
		}
	} else {
		for _, k := range current {
			pub := ed25519.PublicKey(k.PublicKey)
			jwk, err := jwkset.FromPublicKey(pub)
			if err != nil {
				continue
			}
			jwk.LegacyAlias = jwkset.LegacyKid(pub)
			builder.Add(jwk)
		}
	}

	agents, err := s.repo.ListActiveAgents(ctx, profile.UserID)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	for _, a := range agents {
		pub := ed25519.PublicKey(a.PublicKey)
		jwk, err := jwkset.FromPublicKey(pub)
		if err != nil {
			continue // malformed agent JWK is skipped server-side, never surfaced
		}
		jwk.LegacyAlias = jwkset.LegacyKid(pub)
		builder.Add(jwk)
	}

	for _, jwk := range builder.WithLegacyAliases() {
		if jwk.LegacyAlias == "" {
			continue
		}
		cert, err := s.repo.ActiveCertForKid(ctx, profile.UserID, jwk.Kid)
		if err == nil && cert != nil && len(cert.X5C) > 0 {
			builder.AttachX5C(jwk.Kid, cert.X5C)
		}
	}

	set := builder.Set()
	if len(set.Keys) == 0 {
		return nil, ErrEmptyKeySet
	}

	return &Directory{
		ClientName:          profile.ClientName,
		ClientURI:           profile.ClientURI,
		LogoURI:             profile.LogoURI,
		Contacts:            profile.Contacts,
		ExpectedUserAgent:   profile.ExpectedUserAgent,
		RFC9309ProductToken: profile.RFC9309ProductToken,
		RFC9309Compliance:   profile.RFC9309Compliance,
		Trigger:             profile.Trigger,
		Purpose:             profile.Purpose,
		TargetedContent:     profile.TargetedContent,
		RateControl:         profile.RateControl,
		RateExpectation:     profile.RateExpectation,
		KnownURLs:           profile.KnownURLs,
		KnownIdentities:     profile.KnownIdentities,
		Verified:            profile.Verified,
		Keys:                set.Keys,
	}, nil
}
