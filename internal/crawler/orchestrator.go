package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
)

// Orchestrator acquires a page for a URL, falling back across egress configurations.
type Orchestrator struct {
	robots   RobotsPolicy
	acquirer Acquirer
	creds    EgressCredentials
	logger   *zap.Logger
}

// NewOrchestrator wires the robots policy, the acquirer and the egress credentials.
func NewOrchestrator(robots RobotsPolicy, acquirer Acquirer, creds EgressCredentials, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		robots:   robots,
		acquirer: acquirer,
		creds:    creds,
		logger:   logger,
	}
}

// GetPageWithFallback returns a ready session for req.URL. Configurations are tried one
// after another; when all fail the error is an *ExhaustedProxyOptionsError.
func (o *Orchestrator) GetPageWithFallback(ctx context.Context, req TargetRequest) (*Session, error) {
	_, disallowed, err := o.robots.Verdict(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("robots verdict: %w", err)
	}
	site := req.Site
	if site == "" {
		site = hostOf(req.URL)
	}

	configs := OrderConfigurations(disallowed, o.creds)
	o.logger.Debug("egress order",
		zap.String("url", req.URL),
		zap.Bool("disallowed", disallowed),
		zap.String("first", string(configs[0].Kind)),
		zap.String("second", string(configs[1].Kind)),
	)

	var lastErr error
	total := 0
	for _, cfg := range configs {
		session, err := o.acquirer.Acquire(ctx, cfg, req)
		total += attemptsOf(err)
		if err == nil {
			total += session.Attempts
			session.Attempts = total
			metrics.ObserveAcquisition(site, string(cfg.Kind), "ready")
			return session, nil
		}
		metrics.ObserveAcquisition(site, string(cfg.Kind), "failed")
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		o.logger.Warn("egress configuration failed",
			zap.String("url", req.URL),
			zap.String("egress", string(cfg.Kind)),
			zap.Error(err),
		)
	}

	exhausted := &ExhaustedProxyOptionsError{
		URL:        req.URL,
		Site:       site,
		Disallowed: disallowed,
		Attempts:   total,
		LastErr:    lastErr,
	}
	o.logger.Error("all egress configurations failed",
		zap.String("url", req.URL),
		zap.String("site", site),
		zap.Bool("disallowed", disallowed),
		zap.Int("attempts", total),
		zap.Error(lastErr),
	)
	return nil, exhausted
}

// WithPage acquires a session, hands it to fn and always releases it afterwards.
func (o *Orchestrator) WithPage(ctx context.Context, req TargetRequest, fn func(*Session) error) error {
	session, err := o.GetPageWithFallback(ctx, req)
	if err != nil {
		return err
	}
	fnErr := fn(session)
	if cerr := session.Close(); cerr != nil {
		o.logger.Debug("release session", zap.String("url", req.URL), zap.Error(cerr))
	}
	return fnErr
}

// IsExhausted reports whether err means every egress configuration failed.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhaustedProxyOptions)
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
