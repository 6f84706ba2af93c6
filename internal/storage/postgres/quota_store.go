package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/quota"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QuotaStore keeps the quota in the single-row quota_settings table.
type QuotaStore struct {
	db querier
}

// NewQuotaStore wraps a pool.
func NewQuotaStore(db querier) (*QuotaStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &QuotaStore{db: db}, nil
}

// EnsureRow creates the settings row when it is missing.
func (s *QuotaStore) EnsureRow(ctx context.Context, enabled bool, limit int) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO quota_settings (id, enabled, monthly_limit, used, period_start)
VALUES (1, $1, $2, 0, NULL)
ON CONFLICT (id) DO NOTHING`, enabled, limit)
	if err != nil {
		return fmt.Errorf("seed quota_settings: %w", err)
	}
	return nil
}

// Load reads the settings row.
func (s *QuotaStore) Load(ctx context.Context) (quota.State, error) {
	var (
		state  quota.State
		period *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT enabled, monthly_limit, used, period_start FROM quota_settings WHERE id = 1`,
	).Scan(&state.Enabled, &state.MonthlyLimit, &state.Used, &period)
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.State{}, fmt.Errorf("quota_settings row missing")
	}
	if err != nil {
		return quota.State{}, fmt.Errorf("select quota_settings: %w", err)
	}
	if period != nil {
		state.PeriodStart = period.UTC()
	}
	return state, nil
}

// ResetPeriod zeroes the counter for a new month.
func (s *QuotaStore) ResetPeriod(ctx context.Context, period time.Time) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE quota_settings SET used = 0, period_start = $1 WHERE id = 1`, period,
	); err != nil {
		return fmt.Errorf("reset quota_settings: %w", err)
	}
	return nil
}

// Add increments the counter atomically.
func (s *QuotaStore) Add(ctx context.Context, n int) (int, error) {
	var used int
	if err := s.db.QueryRow(ctx,
		`UPDATE quota_settings SET used = used + $1 WHERE id = 1 RETURNING used`, n,
	).Scan(&used); err != nil {
		return 0, fmt.Errorf("increment quota_settings: %w", err)
	}
	return used, nil
}
