package service_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

type fakeTokenRepo struct {
	tokens  map[uuid.UUID]*model.ApiToken
	touched chan uuid.UUID
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{
		tokens:  map[uuid.UUID]*model.ApiToken{},
		touched: make(chan uuid.UUID, 8),
	}
}

func (f *fakeTokenRepo) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	n := 0
	for _, t := range f.tokens {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenRepo) Create(ctx context.Context, t *model.ApiToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	f.tokens[t.ID] = t
	return nil
}

func (f *fakeTokenRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.ApiToken, error) {
	var out []model.ApiToken
	for _, t := range f.tokens {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTokenRepo) GetByHash(ctx context.Context, hash string) (*model.ApiToken, error) {
	for _, t := range f.tokens {
		if t.TokenHash == hash {
			return t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeTokenRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	f.touched <- id
	return nil
}

func (f *fakeTokenRepo) Delete(ctx context.Context, userID, id uuid.UUID) error {
	t, ok := f.tokens[id]
	if !ok || t.UserID != userID {
		return repository.ErrNotFound
	}
	delete(f.tokens, id)
	return nil
}

func TestTokenService_Create_FormatAndHash(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := service.NewTokenService(repo)
	userID := uuid.New()

	row, raw, err := svc.Create(context.Background(), userID, "ci", []model.TokenScope{model.ScopeAgentsRead}, 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !strings.HasPrefix(raw, "oba_") {
		t.Fatalf("raw token must carry the oba_ prefix, got %q", raw[:8])
	}
	if len(raw) != len("oba_")+64 {
		t.Fatalf("raw token must be oba_ + 64 hex chars, got length %d", len(raw))
	}
	if _, err := hex.DecodeString(raw[4:]); err != nil {
		t.Fatalf("token body must be hex: %v", err)
	}

	sum := sha256.Sum256([]byte(raw))
	if row.TokenHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("stored hash must be sha256hex of the raw token")
	}
	if row.Prefix != raw[4:8] {
		t.Fatalf("display prefix must be the first 4 hex chars, got %q", row.Prefix)
	}
	if strings.Contains(row.TokenHash, raw) {
		t.Fatalf("raw token must never be persisted")
	}
}

func TestTokenService_Create_RejectsInvalidScope(t *testing.T) {
	svc := service.NewTokenService(newFakeTokenRepo())

	_, _, err := svc.Create(context.Background(), uuid.New(), "bad", []model.TokenScope{"admin:everything"}, 30)
	if !errors.Is(err, service.ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestTokenService_Create_RejectsExpiryOutOfRange(t *testing.T) {
	svc := service.NewTokenService(newFakeTokenRepo())

	for _, days := range []int{0, -1, 366} {
		_, _, err := svc.Create(context.Background(), uuid.New(), "bad", nil, days)
		if !errors.Is(err, service.ErrInvalidExpiry) {
			t.Fatalf("ttl_days=%d: expected ErrInvalidExpiry, got %v", days, err)
		}
	}
}

func TestTokenService_Create_EnforcesPerUserCap(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := service.NewTokenService(repo)
	userID := uuid.New()

	for i := 0; i < 20; i++ {
		if _, _, err := svc.Create(context.Background(), userID, "t", nil, 1); err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
	}
	if _, _, err := svc.Create(context.Background(), userID, "over", nil, 1); !errors.Is(err, service.ErrTooManyTokens) {
		t.Fatalf("expected ErrTooManyTokens at the cap, got %v", err)
	}
}

func TestTokenService_Authenticate(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := service.NewTokenService(repo)
	userID := uuid.New()

	row, raw, err := svc.Create(context.Background(), userID, "ci", []model.TokenScope{model.ScopeKeysRead}, 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := svc.Authenticate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != row.ID || got.UserID != userID {
		t.Fatalf("authenticated the wrong token row")
	}

	select {
	case id := <-repo.touched:
		if id != row.ID {
			t.Fatalf("touched the wrong token: %v", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an async last_used_at touch")
	}
}

func TestTokenService_Authenticate_RejectsMalformed(t *testing.T) {
	svc := service.NewTokenService(newFakeTokenRepo())

	for _, raw := range []string{
		"",
		"oba_short",
		"oba_" + strings.Repeat("g", 64), // not hex
		strings.Repeat("a", 68),          // no prefix
	} {
		if _, err := svc.Authenticate(context.Background(), raw); err == nil {
			t.Fatalf("expected malformed-token error for %q", raw)
		}
	}
}

func TestTokenService_Authenticate_RejectsExpired(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := service.NewTokenService(repo)

	_, raw, err := svc.Create(context.Background(), uuid.New(), "old", nil, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sum := sha256.Sum256([]byte(raw))
	row, err := repo.GetByHash(context.Background(), hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	row.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	if _, err := svc.Authenticate(context.Background(), raw); err == nil {
		t.Fatalf("expected expired-token rejection")
	}
}

func TestTokenService_Delete_ScopedToOwner(t *testing.T) {
	repo := newFakeTokenRepo()
	svc := service.NewTokenService(repo)
	owner := uuid.New()

	row, _, err := svc.Create(context.Background(), owner, "mine", nil, 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Delete(context.Background(), uuid.New(), row.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deleting another user's token must look like not-found, got %v", err)
	}
	if err := svc.Delete(context.Background(), owner, row.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}
