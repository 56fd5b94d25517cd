package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openbotauth/openbotauth/internal/kv"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

const originSetCap = 500

// TelemetryRepo is the durable persistence surface TelemetryService needs.
type TelemetryRepo interface {
	AppendLog(ctx context.Context, entry *model.VerificationLog) error
	IsPublic(ctx context.Context, userID uuid.UUID) (bool, error)
	SetVisibility(ctx context.Context, userID uuid.UUID, public bool) error
	TopAgentsByRequests(ctx context.Context, since time.Time, limit int) ([]repository.TopEntry, error)
	TopOrigins(ctx context.Context, since time.Time, limit int) ([]repository.TopEntry, error)
}

// TelemetryService records verifications and serves the aggregated
// counters backing GET /telemetry/*: the KV counters are
// the fast read path, VerificationLog is a fire-and-forget audit trail,
// and Karma is always computed on read.
type TelemetryService struct {
	repo  TelemetryRepo
	store kv.Store
}

// NewTelemetryService returns a TelemetryService backed by repo and store.
func NewTelemetryService(repo TelemetryRepo, store kv.Store) *TelemetryService {
	return &TelemetryService{repo: repo, store: store}
}

// RecordVerification updates the KV counters for username asynchronously
// and appends a fire-and-forget VerificationLog row. Callers invoke this
// in a goroutine from the verification hot path; it never blocks a
// verify/authorize response.
func (s *TelemetryService) RecordVerification(ctx context.Context, username, kid, origin string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reqKey := "stats:" + username + ":requests"
	originsKey := "stats:" + username + ":origins"
	lastSeenKey := "stats:" + username + ":last_seen"

	if raw, ok, err := s.store.Get(ctx, reqKey); err == nil {
		n, _ := strconv.ParseInt(raw, 10, 64)
		if !ok {
			n = 0
		}
		_ = s.store.Set(ctx, reqKey, strconv.FormatInt(n+1, 10), 0)
	}

	if raw, ok, err := s.store.Get(ctx, originsKey); err == nil {
		origins := map[string]bool{}
		if ok {
			for _, o := range strings.Split(raw, ",") {
				if o != "" {
					origins[o] = true
				}
			}
		}
		if !origins[origin] && len(origins) < originSetCap {
			origins[origin] = true
		}
		joined := make([]string, 0, len(origins))
		for o := range origins {
			joined = append(joined, o)
		}
		_ = s.store.Set(ctx, originsKey, strings.Join(joined, ","), 0)
	}

	_ = s.store.Set(ctx, lastSeenKey, strconv.FormatInt(time.Now().UnixMilli(), 10), 0)

	_ = s.repo.AppendLog(ctx, &model.VerificationLog{Username: username, Kid: kid, Origin: origin})
}

// Stats is the read-side view of a user's counters plus the derived Karma.
type Stats struct {
	Username        string `json:"username"`
	TotalRequests   int64  `json:"total_requests"`
	DistinctOrigins int64  `json:"distinct_origins"`
	LastSeenMs      int64  `json:"last_seen_ms"`
	Karma           int64  `json:"karma"`
	IsPublic        bool   `json:"is_public"`
}

// GetStats reads username's counters from the KV store and computes Karma.
func (s *TelemetryService) GetStats(ctx context.Context, userID uuid.UUID, username string) (*Stats, error) {
	public, err := s.repo.IsPublic(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get visibility: %w", err)
	}

	reqRaw, _, _ := s.store.Get(ctx, "stats:"+username+":requests")
	originsRaw, _, _ := s.store.Get(ctx, "stats:"+username+":origins")
	lastSeenRaw, _, _ := s.store.Get(ctx, "stats:"+username+":last_seen")

	total, _ := strconv.ParseInt(reqRaw, 10, 64)
	lastSeen, _ := strconv.ParseInt(lastSeenRaw, 10, 64)
	var distinct int64
	if originsRaw != "" {
		distinct = int64(len(strings.Split(originsRaw, ",")))
	}

	us := model.UserStats{TotalRequests: total, DistinctOrigins: distinct}
	return &Stats{
		Username:        username,
		TotalRequests:   total,
		DistinctOrigins: distinct,
		LastSeenMs:      lastSeen,
		Karma:           us.Karma(),
		IsPublic:        public,
	}, nil
}

// SetVisibility sets userID's public-stats flag.
func (s *TelemetryService) SetVisibility(ctx context.Context, userID uuid.UUID, public bool) error {
	return s.repo.SetVisibility(ctx, userID, public)
}

// windowSince resolves the "today" | "7d" window query parameter to a
// starting instant.
func windowSince(window string) time.Time {
	now := time.Now().UTC()
	switch window {
	case "7d":
		return now.AddDate(0, 0, -7)
	default:
		return now.Truncate(24 * time.Hour)
	}
}

// TopAgents returns the most active usernames over window ("today"|"7d").
func (s *TelemetryService) TopAgents(ctx context.Context, window string, limit int) ([]repository.TopEntry, error) {
	return s.repo.TopAgentsByRequests(ctx, windowSince(window), limit)
}

// TopOrigins returns the most frequently seen origins over window.
func (s *TelemetryService) TopOrigins(ctx context.Context, window string, limit int) ([]repository.TopEntry, error) {
	return s.repo.TopOrigins(ctx, windowSince(window), limit)
}
