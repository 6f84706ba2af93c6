package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
)

const (
	defaultNavigationTimeout = 180 * time.Second
	defaultReadyTimeout      = 30 * time.Second
	defaultMinBackoff        = time.Second
	defaultMaxBackoff        = 3 * time.Second
)

// NavigationPolicy drives bounded navigation attempts against a page.
type NavigationPolicy struct {
	NavigationTimeout time.Duration
	ReadyTimeout      time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration

	logger *zap.Logger
	pause  func(ctx context.Context, d time.Duration) error
}

// NewNavigationPolicy fills zero durations with defaults.
func NewNavigationPolicy(cfg NavigationPolicy, logger *zap.Logger) *NavigationPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	cfg.logger = logger
	cfg.pause = sleepContext
	return &cfg
}

// NavigateAndWait navigates page to req.URL and waits for req.ReadyMarker, retrying
// navigation failures and marker timeouts alike. It returns the attempts made.
func (p *NavigationPolicy) NavigateAndWait(ctx context.Context, page Page, req TargetRequest, residential bool) (int, error) {
	maxAttempts := req.attempts()
	wait := req.waitCondition(residential)
	egress := string(EgressDatacenter)
	if residential {
		egress = string(EgressResidential)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.attempt(ctx, page, req, wait, attempt)
		metrics.ObserveNavigationAttempt(egress, outcomeLabel(err))
		if err == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		lastErr = err
		if !retryable(err) {
			return attempt, err
		}
		p.logAttempt(req, attempt, maxAttempts, egress, err)
		if attempt == maxAttempts {
			break
		}
		if perr := p.pause(ctx, p.Backoff()); perr != nil {
			return attempt, perr
		}
	}
	return maxAttempts, lastErr
}

func (p *NavigationPolicy) attempt(ctx context.Context, page Page, req TargetRequest, wait WaitCondition, attempt int) error {
	if err := page.Navigate(ctx, req.URL, wait, p.NavigationTimeout); err != nil {
		return &NavigationError{URL: req.URL, Attempt: attempt, Err: err}
	}
	if req.ReadyMarker == "" {
		return nil
	}
	if err := page.WaitAttached(ctx, req.ReadyMarker, p.ReadyTimeout); err != nil {
		return &ReadyMarkerTimeoutError{URL: req.URL, Marker: req.ReadyMarker, Timeout: p.ReadyTimeout, Err: err}
	}
	return nil
}

func (p *NavigationPolicy) logAttempt(req TargetRequest, attempt, maxAttempts int, egress string, err error) {
	fields := []zap.Field{
		zap.String("url", req.URL),
		zap.String("egress", egress),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", maxAttempts),
		zap.Error(err),
	}
	var marker *ReadyMarkerTimeoutError
	if errors.As(err, &marker) {
		p.logger.Warn("ready marker did not attach", append(fields, zap.String("marker", marker.Marker))...)
		return
	}
	p.logger.Warn("navigation failed", fields...)
}

// Backoff returns a uniformly random delay in [MinBackoff, MaxBackoff].
func (p *NavigationPolicy) Backoff() time.Duration {
	spread := p.MaxBackoff - p.MinBackoff
	if spread <= 0 {
		return p.MinBackoff
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(spread)+1))
	if err != nil {
		return p.MinBackoff + spread/2
	}
	return p.MinBackoff + time.Duration(n.Int64())
}

func outcomeLabel(err error) string {
	var marker *ReadyMarkerTimeoutError
	switch {
	case err == nil:
		return "ready"
	case errors.As(err, &marker):
		return "marker_timeout"
	default:
		return "navigation_error"
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
