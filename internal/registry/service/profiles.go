package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/openbotauth/openbotauth/internal/registry/model"
)

// sanitizer strips markup from every free-text directory field before it
// is persisted — profiles are rendered back as HTML in the public
// directory and JWKS metadata document, so an owner-controlled field is
// untrusted input the moment it leaves the request body.
var sanitizer = bluemonday.StrictPolicy()

func sanitizeProfile(p *model.Profile) {
	p.ClientName = sanitizer.Sanitize(p.ClientName)
	p.ClientURI = sanitizer.Sanitize(p.ClientURI)
	p.LogoURI = sanitizer.Sanitize(p.LogoURI)
	p.ExpectedUserAgent = sanitizer.Sanitize(p.ExpectedUserAgent)
	p.RFC9309ProductToken = sanitizer.Sanitize(p.RFC9309ProductToken)
	p.RFC9309Compliance = sanitizer.Sanitize(p.RFC9309Compliance)
	p.Trigger = sanitizer.Sanitize(p.Trigger)
	p.Purpose = sanitizer.Sanitize(p.Purpose)
	p.TargetedContent = sanitizer.Sanitize(p.TargetedContent)
	p.RateControl = sanitizer.Sanitize(p.RateControl)
	p.RateExpectation = sanitizer.Sanitize(p.RateExpectation)
	for i, c := range p.Contacts {
		p.Contacts[i] = sanitizer.Sanitize(c)
	}
	for i, u := range p.KnownURLs {
		p.KnownURLs[i] = sanitizer.Sanitize(u)
	}
	for i, id := range p.KnownIdentities {
		p.KnownIdentities[i] = sanitizer.Sanitize(id)
	}
}

// ProfileRepo is the persistence surface ProfileService needs.
type ProfileRepo interface {
	GetProfile(ctx context.Context, username string) (*model.Profile, error)
	GetProfileByUserID(ctx context.Context, userID uuid.UUID) (*model.Profile, error)
	UpdateProfile(ctx context.Context, p *model.Profile) error
}

// ProfileService manages the directory metadata surfaced at
// GET /profiles/{username} and folded into the JWKS directory document.
type ProfileService struct {
	repo ProfileRepo
}

// NewProfileService returns a ProfileService backed by repo.
func NewProfileService(repo ProfileRepo) *ProfileService {
	return &ProfileService{repo: repo}
}

// GetByUsername returns the Profile for username, matched
// case-insensitively.
func (s *ProfileService) GetByUsername(ctx context.Context, username string) (*model.Profile, error) {
	return s.repo.GetProfile(ctx, username)
}

// GetOwn returns the Profile owned by userID.
func (s *ProfileService) GetOwn(ctx context.Context, userID uuid.UUID) (*model.Profile, error) {
	return s.repo.GetProfileByUserID(ctx, userID)
}

// Update overwrites the mutable directory fields of userID's Profile.
// Username is immutable here; it is set once at account creation.
func (s *ProfileService) Update(ctx context.Context, userID uuid.UUID, patch *model.Profile) (*model.Profile, error) {
	current, err := s.repo.GetProfileByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	patch.UserID = current.UserID
	patch.Username = current.Username
	sanitizeProfile(patch)
	if err := s.repo.UpdateProfile(ctx, patch); err != nil {
		return nil, err
	}
	return patch, nil
}
