package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
)

// PageAcquirer turns one egress configuration into a ready Session.
type PageAcquirer struct {
	driver      Driver
	navigation  *NavigationPolicy
	initScripts []string
	userAgent   string
	logger      *zap.Logger
	now         func() time.Time
}

// AcquirerOptions configure the pages created by a PageAcquirer.
type AcquirerOptions struct {
	InitScripts []string
	UserAgent   string
}

// NewPageAcquirer builds a PageAcquirer.
func NewPageAcquirer(driver Driver, navigation *NavigationPolicy, opts AcquirerOptions, logger *zap.Logger) *PageAcquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if navigation == nil {
		navigation = NewNavigationPolicy(NavigationPolicy{}, logger)
	}
	return &PageAcquirer{
		driver:      driver,
		navigation:  navigation,
		initScripts: opts.InitScripts,
		userAgent:   opts.UserAgent,
		logger:      logger,
		now:         time.Now,
	}
}

// Acquire obtains a browser for cfg, opens a page and navigates it to req.URL.
// Browser setup failures and navigation failures draw on the same attempt budget.
// On failure every handle created by this call has been released.
func (a *PageAcquirer) Acquire(ctx context.Context, cfg EgressConfiguration, req TargetRequest) (*Session, error) {
	maxAttempts := req.attempts()
	browser, page, setupFailures, err := a.open(ctx, cfg, req, maxAttempts)
	if err != nil {
		return nil, err
	}

	navReq := req
	navReq.MaxAttemptsPerStrategy = maxAttempts - setupFailures
	navAttempts, err := a.navigation.NavigateAndWait(ctx, page, navReq, cfg.Residential())
	attempts := setupFailures + navAttempts
	if err != nil {
		a.release(cfg, page, browser)
		return nil, &attemptError{attempts: attempts, err: err}
	}

	a.logger.Info("page ready",
		zap.String("url", req.URL),
		zap.String("egress", string(cfg.Kind)),
		zap.Bool("shared", browser.Shared()),
		zap.Int("attempts", attempts),
	)
	return &Session{
		Browser:  browser,
		Page:     page,
		Egress:   cfg,
		Attempts: attempts,
		Acquired: a.now(),
	}, nil
}

// open retries browser and page setup until one succeeds or maxAttempts is spent. It
// returns the number of failed setups that preceded the successful one.
func (a *PageAcquirer) open(ctx context.Context, cfg EgressConfiguration, req TargetRequest, maxAttempts int) (Browser, Page, int, error) {
	for attempt := 1; ; attempt++ {
		browser, page, err := a.openOnce(ctx, cfg, req)
		if err == nil {
			return browser, page, attempt - 1, nil
		}
		if !retryableSetup(err) {
			return nil, nil, 0, err
		}
		metrics.ObserveNavigationAttempt(string(cfg.Kind), "engine_error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, attempt, &attemptError{attempts: attempt, err: ctxErr}
		}
		a.logger.Warn("browser setup failed",
			zap.String("url", req.URL),
			zap.String("egress", string(cfg.Kind)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		if attempt >= maxAttempts {
			return nil, nil, attempt, &attemptError{attempts: attempt, err: err}
		}
		if perr := a.navigation.pause(ctx, a.navigation.Backoff()); perr != nil {
			return nil, nil, attempt, &attemptError{attempts: attempt, err: perr}
		}
	}
}

func (a *PageAcquirer) openOnce(ctx context.Context, cfg EgressConfiguration, req TargetRequest) (Browser, Page, error) {
	browser, err := a.browser(ctx, cfg, req)
	if err != nil {
		return nil, nil, err
	}
	page, err := browser.NewPage(ctx, PageOptions{
		InitScripts: a.initScripts,
		UserAgent:   a.userAgent,
	})
	if err != nil {
		a.release(cfg, nil, browser)
		return nil, nil, &EngineError{Stage: StagePage, Kind: cfg.Kind, Err: err}
	}
	return browser, page, nil
}

// retryableSetup reports whether a setup failure may succeed on another try. Missing
// credentials and unknown egress kinds never will.
func retryableSetup(err error) bool {
	var engine *EngineError
	return errors.As(err, &engine) && !errors.Is(err, ErrEgressNotConfigured)
}

func (a *PageAcquirer) browser(ctx context.Context, cfg EgressConfiguration, req TargetRequest) (Browser, error) {
	switch cfg.Kind {
	case EgressResidential:
		if cfg.Endpoint == "" {
			return nil, &EngineError{Stage: StageConnect, Kind: cfg.Kind, Err: ErrEgressNotConfigured}
		}
		browser, err := a.driver.Connect(ctx, cfg.Endpoint)
		if err != nil {
			return nil, &EngineError{Stage: StageConnect, Kind: cfg.Kind, Err: err}
		}
		return browser, nil
	case EgressDatacenter:
		if !cfg.Proxy.Configured() {
			return nil, &EngineError{Stage: StageLaunch, Kind: cfg.Kind, Err: ErrEgressNotConfigured}
		}
		browser, err := a.driver.Launch(ctx, LaunchOptions{
			Proxy:              cfg.Proxy,
			DisableWebSecurity: req.DisableWebSecurity,
		})
		if err != nil {
			return nil, &EngineError{Stage: StageLaunch, Kind: cfg.Kind, Err: err}
		}
		return browser, nil
	default:
		return nil, fmt.Errorf("unknown egress kind %q", cfg.Kind)
	}
}

// release closes page then browser, logging but not returning failures.
func (a *PageAcquirer) release(cfg EgressConfiguration, page Page, browser Browser) {
	if page != nil {
		if err := page.Close(); err != nil {
			a.logger.Debug("close page after failed attempt", zap.String("egress", string(cfg.Kind)), zap.Error(err))
		}
	}
	if browser != nil {
		msg := "close browser after failed attempt"
		if browser.Shared() {
			msg = "disconnect shared browser after failed attempt"
		}
		if err := browser.Close(); err != nil {
			a.logger.Debug(msg, zap.String("egress", string(cfg.Kind)), zap.Error(err))
		}
	}
}

// attemptError carries the attempt count alongside the terminal error.
type attemptError struct {
	attempts int
	err      error
}

func (e *attemptError) Error() string { return e.err.Error() }

func (e *attemptError) Unwrap() error { return e.err }

func attemptsOf(err error) int {
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.attempts
	}
	return 0
}
