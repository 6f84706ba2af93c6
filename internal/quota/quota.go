// Package quota gates catalog runs on a monthly product allowance.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
)

// ErrQuotaExceeded is returned by Check when no run may start.
var ErrQuotaExceeded = errors.New("scraping quota exceeded")

// State is the persisted quota row.
type State struct {
	Enabled      bool
	MonthlyLimit int
	Used         int
	// PeriodStart is the first day (UTC) of the month Used refers to.
	PeriodStart time.Time
}

// Allowance is the outcome of a successful Check.
type Allowance struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Period    time.Time `json:"period"`
}

// Store persists quota state.
type Store interface {
	Load(ctx context.Context) (State, error)
	// ResetPeriod zeroes the counter and moves it to period.
	ResetPeriod(ctx context.Context, period time.Time) error
	// Add increments the counter by n and returns the new total.
	Add(ctx context.Context, n int) (int, error)
}

// Gate applies quota rules on top of a Store.
type Gate struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewGate constructs a Gate.
func NewGate(store Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// PeriodOf returns the first instant of t's month in UTC.
func PeriodOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Check returns the remaining allowance, resetting the counter when a new month began.
// ErrQuotaExceeded is returned when scraping is disabled or the limit is used up.
func (g *Gate) Check(ctx context.Context) (Allowance, error) {
	state, err := g.current(ctx)
	if err != nil {
		return Allowance{}, err
	}
	allowance := Allowance{
		Limit:     state.MonthlyLimit,
		Used:      state.Used,
		Remaining: max(state.MonthlyLimit-state.Used, 0),
		Period:    state.PeriodStart,
	}
	metrics.SetQuotaRemaining(allowance.Remaining)
	if !state.Enabled {
		return allowance, fmt.Errorf("%w: scraping disabled", ErrQuotaExceeded)
	}
	if state.Used >= state.MonthlyLimit {
		return allowance, fmt.Errorf("%w: %d of %d used", ErrQuotaExceeded, state.Used, state.MonthlyLimit)
	}
	return allowance, nil
}

// Increment records n stored products against the current month.
func (g *Gate) Increment(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		state, err := g.current(ctx)
		if err != nil {
			return 0, err
		}
		return state.Used, nil
	}
	if _, err := g.current(ctx); err != nil {
		return 0, err
	}
	used, err := g.store.Add(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("increment quota: %w", err)
	}
	return used, nil
}

func (g *Gate) current(ctx context.Context) (State, error) {
	state, err := g.store.Load(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load quota: %w", err)
	}
	period := PeriodOf(g.now())
	if state.PeriodStart.IsZero() || PeriodOf(state.PeriodStart).Before(period) {
		if err := g.store.ResetPeriod(ctx, period); err != nil {
			return State{}, fmt.Errorf("reset quota period: %w", err)
		}
		g.logger.Info("quota period reset", zap.Time("period", period), zap.Int("previous_used", state.Used))
		state.Used = 0
		state.PeriodStart = period
	}
	return state, nil
}

// MemoryStore keeps quota state in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore seeds a store with the given limit.
func NewMemoryStore(enabled bool, limit int) *MemoryStore {
	return &MemoryStore{state: State{Enabled: enabled, MonthlyLimit: limit}}
}

// Load returns a copy of the state.
func (s *MemoryStore) Load(context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// ResetPeriod zeroes the counter for period.
func (s *MemoryStore) ResetPeriod(_ context.Context, period time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Used = 0
	s.state.PeriodStart = period
	return nil
}

// Add increments the counter.
func (s *MemoryStore) Add(_ context.Context, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Used += n
	return s.state.Used, nil
}
