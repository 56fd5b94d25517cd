package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

type fakeTelemetryRepo struct {
	logs   []model.VerificationLog
	public map[uuid.UUID]bool
}

func newFakeTelemetryRepo() *fakeTelemetryRepo {
	return &fakeTelemetryRepo{public: map[uuid.UUID]bool{}}
}

func (f *fakeTelemetryRepo) AppendLog(ctx context.Context, entry *model.VerificationLog) error {
	f.logs = append(f.logs, *entry)
	return nil
}

func (f *fakeTelemetryRepo) IsPublic(ctx context.Context, userID uuid.UUID) (bool, error) {
	return f.public[userID], nil
}

func (f *fakeTelemetryRepo) SetVisibility(ctx context.Context, userID uuid.UUID, public bool) error {
	f.public[userID] = public
	return nil
}

func (f *fakeTelemetryRepo) TopAgentsByRequests(ctx context.Context, since time.Time, limit int) ([]repository.TopEntry, error) {
	return nil, nil
}

func (f *fakeTelemetryRepo) TopOrigins(ctx context.Context, since time.Time, limit int) ([]repository.TopEntry, error) {
	return nil, nil
}

func TestTelemetryService_RecordVerification_Counters(t *testing.T) {
	repo := newFakeTelemetryRepo()
	svc := service.NewTelemetryService(repo, kv.NewMemory())
	userID := uuid.New()
	ctx := context.Background()

	svc.RecordVerification(ctx, "alice", "kid1", "https://example.com")
	svc.RecordVerification(ctx, "alice", "kid1", "https://example.com")
	svc.RecordVerification(ctx, "alice", "kid1", "https://other.example")

	stats, err := svc.GetStats(ctx, userID, "alice")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("expected 3 requests, got %d", stats.TotalRequests)
	}
	if stats.DistinctOrigins != 2 {
		t.Fatalf("origin set must dedup: expected 2, got %d", stats.DistinctOrigins)
	}
	if stats.LastSeenMs == 0 {
		t.Fatalf("expected last_seen to be set")
	}
	if len(repo.logs) != 3 {
		t.Fatalf("expected 3 verification log rows, got %d", len(repo.logs))
	}
}

func TestTelemetryService_GetStats_Karma(t *testing.T) {
	// Karma = requests/100 + 10*|origins|, computed on read.
	us := model.UserStats{TotalRequests: 250, DistinctOrigins: 3}
	if got := us.Karma(); got != 32 {
		t.Fatalf("Karma(250 req, 3 origins) = %d, want 32", got)
	}
	zero := model.UserStats{}
	if got := zero.Karma(); got != 0 {
		t.Fatalf("Karma of empty stats = %d, want 0", got)
	}
}

func TestTelemetryService_Visibility(t *testing.T) {
	repo := newFakeTelemetryRepo()
	svc := service.NewTelemetryService(repo, kv.NewMemory())
	userID := uuid.New()
	ctx := context.Background()

	stats, err := svc.GetStats(ctx, userID, "alice")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.IsPublic {
		t.Fatalf("stats must default to private")
	}

	if err := svc.SetVisibility(ctx, userID, true); err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	stats, err = svc.GetStats(ctx, userID, "alice")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if !stats.IsPublic {
		t.Fatalf("expected public stats after SetVisibility(true)")
	}
}
