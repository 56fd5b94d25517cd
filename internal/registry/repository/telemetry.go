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

// TelemetryRepository persists the append-only VerificationLog and the
// per-user IsPublic visibility flag backing UserStats; the counters
// themselves live in the KV store, not here.
type TelemetryRepository struct {
	db *pgxpool.Pool
}

// NewTelemetryRepository returns a TelemetryRepository backed by db.
func NewTelemetryRepository(db *pgxpool.Pool) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

// AppendLog writes one fire-and-forget verification record. Callers run
// this in a goroutine: verification latency must never depend on it.
func (r *TelemetryRepository) AppendLog(ctx context.Context, entry *model.VerificationLog) error {
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO verification_log (id, username, kid, origin, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Username, entry.Kid, entry.Origin, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append verification log: %w", err)
	}
	return nil
}

// IsPublic reports the visibility flag for userID, defaulting to false
// (private) when no row exists yet.
func (r *TelemetryRepository) IsPublic(ctx context.Context, userID uuid.UUID) (bool, error) {
	var public bool
	err := r.db.QueryRow(ctx, `SELECT is_public FROM user_stats WHERE user_id = $1`, userID).Scan(&public)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get stats visibility: %w", err)
	}
	return public, nil
}

// SetVisibility upserts userID's IsPublic flag, backing
// PUT /telemetry/{username}/visibility.
func (r *TelemetryRepository) SetVisibility(ctx context.Context, userID uuid.UUID, public bool) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_stats (user_id, is_public) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET is_public = excluded.is_public`, userID, public)
	if err != nil {
		return fmt.Errorf("set stats visibility: %w", err)
	}
	return nil
}

// TopAgentsByRequests returns the usernames with the highest request
// counts over window, backing GET /telemetry/top/agents. Counts come
// from verification_log rather than the KV counters so the ranking
// survives a KV restart.
func (r *TelemetryRepository) TopAgentsByRequests(ctx context.Context, since time.Time, limit int) ([]TopEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT username, count(*) AS n
		FROM verification_log
		WHERE created_at >= $1
		GROUP BY username ORDER BY n DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("top agents by requests: %w", err)
	}
	defer rows.Close()
	return scanTopEntries(rows)
}

// TopOrigins returns the origins seen most often over window, backing
// GET /telemetry/top/origins.
func (r *TelemetryRepository) TopOrigins(ctx context.Context, since time.Time, limit int) ([]TopEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT origin, count(*) AS n
		FROM verification_log
		WHERE created_at >= $1
		GROUP BY origin ORDER BY n DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("top origins: %w", err)
	}
	defer rows.Close()
	return scanTopEntries(rows)
}

// TopEntry is one ranked row in a telemetry "top" listing.
type TopEntry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

func scanTopEntries(rows pgx.Rows) ([]TopEntry, error) {
	var out []TopEntry
	for rows.Next() {
		var e TopEntry
		if err := rows.Scan(&e.Key, &e.Count); err != nil {
			return nil, fmt.Errorf("scan top entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
