// Package repository is the registry's PostgreSQL data-access layer: one
// file per aggregate root, thin wrappers over pgx that return
// internal/registry/model types or a package-level ErrNotFound.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("registry: not found")

// UserRepository persists Users, Profiles, and Sessions.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository returns a UserRepository backed by db.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// GetOrCreateByGitHubID finds a User by external GitHub identity,
// creating one on first login together with a default Profile row
// (username and client_name set to login, public, unverified).
func (r *UserRepository) GetOrCreateByGitHubID(ctx context.Context, githubID int64, login, email string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx, `
		SELECT id, github_id, login, email, created_at, updated_at
		FROM users WHERE github_id = $1`, githubID,
	).Scan(&u.ID, &u.GitHubID, &u.Login, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup user by github id: %w", err)
	}

	now := time.Now().UTC()
	u = model.User{ID: uuid.New(), GitHubID: githubID, Login: login, Email: email, CreatedAt: now, UpdatedAt: now}
	_, err = r.db.Exec(ctx, `
		INSERT INTO users (id, github_id, login, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.GitHubID, u.Login, u.Email, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	username := login
	if _, err := r.db.Exec(ctx, `
		INSERT INTO profiles (user_id, username, client_name, verified, is_public)
		VALUES ($1, $2, $3, false, true)
		ON CONFLICT (user_id) DO NOTHING`, u.ID, username, login); err != nil {
		return nil, fmt.Errorf("insert default profile: %w", err)
	}
	return &u, nil
}

// GetByID returns the User with the given ID.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx, `
		SELECT id, github_id, login, email, created_at, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.GitHubID, &u.Login, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &u, nil
}

// GetProfile returns the Profile for username. Usernames are stored
// case-preserving but matched case-insensitively.
func (r *UserRepository) GetProfile(ctx context.Context, username string) (*model.Profile, error) {
	var p model.Profile
	err := r.db.QueryRow(ctx, `
		SELECT user_id, username, client_name, client_uri, logo_uri, contacts,
		       expected_user_agent, rfc9309_product_token, rfc9309_compliance,
		       trigger, purpose, targeted_content, rate_control, rate_expectation,
		       known_urls, known_identities, verified, is_public
		FROM profiles WHERE lower(username) = lower($1)`, username,
	).Scan(&p.UserID, &p.Username, &p.ClientName, &p.ClientURI, &p.LogoURI, &p.Contacts,
		&p.ExpectedUserAgent, &p.RFC9309ProductToken, &p.RFC9309Compliance,
		&p.Trigger, &p.Purpose, &p.TargetedContent, &p.RateControl, &p.RateExpectation,
		&p.KnownURLs, &p.KnownIdentities, &p.Verified, &p.IsPublic)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// GetProfileByUserID returns the Profile owned by userID.
func (r *UserRepository) GetProfileByUserID(ctx context.Context, userID uuid.UUID) (*model.Profile, error) {
	var p model.Profile
	err := r.db.QueryRow(ctx, `
		SELECT user_id, username, client_name, client_uri, logo_uri, contacts,
		       expected_user_agent, rfc9309_product_token, rfc9309_compliance,
		       trigger, purpose, targeted_content, rate_control, rate_expectation,
		       known_urls, known_identities, verified, is_public
		FROM profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Username, &p.ClientName, &p.ClientURI, &p.LogoURI, &p.Contacts,
		&p.ExpectedUserAgent, &p.RFC9309ProductToken, &p.RFC9309Compliance,
		&p.Trigger, &p.Purpose, &p.TargetedContent, &p.RateControl, &p.RateExpectation,
		&p.KnownURLs, &p.KnownIdentities, &p.Verified, &p.IsPublic)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile by user id: %w", err)
	}
	return &p, nil
}

// UpdateProfile overwrites the mutable directory fields of p; username
// is looked up separately and never changed here.
func (r *UserRepository) UpdateProfile(ctx context.Context, p *model.Profile) error {
	_, err := r.db.Exec(ctx, `
		UPDATE profiles SET
			client_name = $2, client_uri = $3, logo_uri = $4, contacts = $5,
			expected_user_agent = $6, rfc9309_product_token = $7, rfc9309_compliance = $8,
			trigger = $9, purpose = $10, targeted_content = $11, rate_control = $12,
			rate_expectation = $13, known_urls = $14, is_public = $15
		WHERE user_id = $1`,
		p.UserID, p.ClientName, p.ClientURI, p.LogoURI, p.Contacts,
		p.ExpectedUserAgent, p.RFC9309ProductToken, p.RFC9309Compliance,
		p.Trigger, p.Purpose, p.TargetedContent, p.RateControl,
		p.RateExpectation, p.KnownURLs, p.IsPublic)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// CreateSession inserts a new cookie-bound Session.
func (r *UserRepository) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)`, s.ID, s.UserID, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns the Session with the given opaque ID.
func (r *UserRepository) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// DeleteSession removes a Session, used by POST /auth/logout.
func (r *UserRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
